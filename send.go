package sqsext

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/internal/codec"
)

// SendMessage enqueues params. Bodies the policy selects are uploaded to the
// store first and replaced by a pointer; everything else is forwarded as is.
func (c *Client) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	const op = "send_message"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, logger, finish := c.startOp(ctx, op, queueURL)
	out, err := c.sendMessage(ctx, logger, op, params, optFns)
	finish(err)
	return out, err
}

func (c *Client) sendMessage(ctx context.Context, logger pslog.Logger, op string, params *sqs.SendMessageInput, optFns []func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if params == nil {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("input is nil"))
	}
	queueURL := aws.ToString(params.QueueUrl)
	if queueURL == "" {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("queue url is required"))
	}
	if aws.ToString(params.MessageBody) == "" {
		return nil, opError(op, queueURL, "", ErrValidation, fmt.Errorf("message body is required"))
	}
	if err := checkAttributes(params.MessageAttributes); err != nil {
		return nil, opError(op, queueURL, "", ErrValidation, err)
	}

	snap := c.cfg.snapshot()
	body := aws.ToString(params.MessageBody)
	size := int64(len(body))
	extend, err := shouldExtend(snap, size)
	if err != nil {
		return nil, opError(op, queueURL, "", err, nil)
	}
	if !extend {
		logger.Trace("sqsext.send.inline", "size", size)
		out, err := c.sqs.SendMessage(ctx, params, optFns...)
		return out, queueError(op, queueURL, err)
	}

	queueID := codec.QueueIDFromURL(queueURL)
	key := snap.composeKey(queueID)
	if err := c.putPayload(ctx, snap.store, snap.container, key, []byte(body)); err != nil {
		logger.Debug("sqsext.send.upload_failed", "container", snap.container, "key", key, "error", err)
		return nil, opError(op, queueURL, "", ErrStoreUpload, err)
	}

	in := *params
	in.MessageBody = aws.String(codec.BuildPointerBody(snap.container, key))
	in.MessageAttributes = withReservedAttribute(params.MessageAttributes, size)
	out, err := c.sqs.SendMessage(ctx, &in, optFns...)
	if err != nil {
		logger.Warn("sqsext.send.payload_orphaned", "container", snap.container, "key", key, "error", err)
		return nil, queueError(op, queueURL, err)
	}
	c.metrics.recordOffload(ctx, queueID, size)
	logger.Debug("sqsext.send.offloaded", "container", snap.container, "key", key, "size", size, "message_id", aws.ToString(out.MessageId))
	return out, nil
}

// SendMessageBatch enqueues entries, offloading each one the policy selects.
// Every upload completes before the queue is called; any upload failure fails
// the whole call.
func (c *Client) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	const op = "send_message_batch"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, logger, finish := c.startOp(ctx, op, queueURL)
	out, err := c.sendMessageBatch(ctx, logger, op, params, optFns)
	finish(err)
	return out, err
}

func (c *Client) sendMessageBatch(ctx context.Context, logger pslog.Logger, op string, params *sqs.SendMessageBatchInput, optFns []func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	if params == nil {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("input is nil"))
	}
	queueURL := aws.ToString(params.QueueUrl)
	if queueURL == "" {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("queue url is required"))
	}
	if len(params.Entries) == 0 {
		return nil, opError(op, queueURL, "", ErrValidation, fmt.Errorf("batch has no entries"))
	}
	seen := make(map[string]struct{}, len(params.Entries))
	for i, entry := range params.Entries {
		id := aws.ToString(entry.Id)
		if id == "" {
			return nil, opError(op, queueURL, "", ErrValidation, fmt.Errorf("entry %d has no id", i))
		}
		if _, dup := seen[id]; dup {
			return nil, opError(op, queueURL, id, ErrValidation, fmt.Errorf("duplicate entry id"))
		}
		seen[id] = struct{}{}
		if aws.ToString(entry.MessageBody) == "" {
			return nil, opError(op, queueURL, id, ErrValidation, fmt.Errorf("message body is required"))
		}
		if err := checkAttributes(entry.MessageAttributes); err != nil {
			return nil, opError(op, queueURL, id, ErrValidation, err)
		}
	}

	snap := c.cfg.snapshot()
	type upload struct {
		index int
		key   string
		size  int64
	}
	var uploads []upload
	queueID := codec.QueueIDFromURL(queueURL)
	for i, entry := range params.Entries {
		size := int64(len(aws.ToString(entry.MessageBody)))
		extend, err := shouldExtend(snap, size)
		if err != nil {
			return nil, opError(op, queueURL, aws.ToString(entry.Id), err, nil)
		}
		if extend {
			uploads = append(uploads, upload{index: i, key: snap.composeKey(queueID), size: size})
		}
	}
	if len(uploads) == 0 {
		out, err := c.sqs.SendMessageBatch(ctx, params, optFns...)
		return out, queueError(op, queueURL, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, u := range uploads {
		g.Go(func() error {
			entry := params.Entries[u.index]
			if err := c.putPayload(gctx, snap.store, snap.container, u.key, []byte(aws.ToString(entry.MessageBody))); err != nil {
				logger.Debug("sqsext.send.upload_failed", "entry", aws.ToString(entry.Id), "container", snap.container, "key", u.key, "error", err)
				return opError(op, queueURL, aws.ToString(entry.Id), ErrStoreUpload, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]types.SendMessageBatchRequestEntry, len(params.Entries))
	copy(entries, params.Entries)
	for _, u := range uploads {
		entry := entries[u.index]
		entry.MessageBody = aws.String(codec.BuildPointerBody(snap.container, u.key))
		entry.MessageAttributes = withReservedAttribute(entry.MessageAttributes, u.size)
		entries[u.index] = entry
	}
	in := *params
	in.Entries = entries
	out, err := c.sqs.SendMessageBatch(ctx, &in, optFns...)
	if err != nil {
		logger.Warn("sqsext.send.payload_orphaned", "count", len(uploads), "container", snap.container, "error", err)
		return nil, queueError(op, queueURL, err)
	}
	if out == nil {
		return out, nil
	}

	failed := make(map[string]struct{}, len(out.Failed))
	for _, f := range out.Failed {
		failed[aws.ToString(f.Id)] = struct{}{}
	}
	for _, u := range uploads {
		id := aws.ToString(entries[u.index].Id)
		if _, ok := failed[id]; ok {
			logger.Warn("sqsext.send.payload_orphaned", "entry", id, "container", snap.container, "key", u.key)
			continue
		}
		c.metrics.recordOffload(ctx, queueID, u.size)
		logger.Debug("sqsext.send.offloaded", "entry", id, "container", snap.container, "key", u.key, "size", u.size)
	}
	return out, nil
}

// shouldExtend applies the policy to one body. The error, when set, is the
// taxonomy kind to report.
func shouldExtend(snap configSnapshot, size int64) (bool, error) {
	extend := codec.NeedsExtension(size, snap.policy())
	if !snap.enabled {
		if snap.alwaysThroughStore {
			return false, ErrExtensionDisabled
		}
		return false, nil
	}
	return extend, nil
}

func checkAttributes(attrs map[string]types.MessageAttributeValue) error {
	for name := range attrs {
		if codec.IsReservedAttribute(name) {
			return fmt.Errorf("message attribute %q is reserved", name)
		}
	}
	return nil
}

func withReservedAttribute(attrs map[string]types.MessageAttributeValue, size int64) map[string]types.MessageAttributeValue {
	out := make(map[string]types.MessageAttributeValue, len(attrs)+1)
	for name, value := range attrs {
		out[name] = value
	}
	out[codec.ReservedAttributeName] = types.MessageAttributeValue{
		DataType:    aws.String(codec.ReservedAttributeDataType),
		StringValue: aws.String(strconv.FormatInt(size, 10)),
	}
	return out
}
