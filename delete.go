package sqsext

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/codec"
)

// DeleteMessage deletes the queue entry and then its stored payload. Payload
// removal failures are reported as cleanup warnings, never as errors.
func (c *Client) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	const op = "delete_message"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, logger, finish := c.startOp(ctx, op, queueURL)
	out, err := c.deleteMessage(ctx, logger, op, params, optFns)
	finish(err)
	return out, err
}

func (c *Client) deleteMessage(ctx context.Context, logger pslog.Logger, op string, params *sqs.DeleteMessageInput, optFns []func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if params == nil {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("input is nil"))
	}
	queueURL := aws.ToString(params.QueueUrl)
	if queueURL == "" {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("queue url is required"))
	}
	handle := aws.ToString(params.ReceiptHandle)
	if handle == "" {
		return nil, opError(op, queueURL, "", ErrValidation, fmt.Errorf("receipt handle is required"))
	}

	snap := c.cfg.snapshot()
	token := codec.DecodeAckToken(handle, codec.Separator)
	if token.Extended && !snap.enabled {
		return nil, opError(op, queueURL, "", ErrExtensionDisabled, fmt.Errorf("receipt handle references a stored payload"))
	}

	in := *params
	in.ReceiptHandle = aws.String(token.Original)
	out, err := c.sqs.DeleteMessage(ctx, &in, optFns...)
	if err != nil {
		return nil, queueError(op, queueURL, err)
	}
	if token.Extended {
		c.cleanup(ctx, logger, op, queueURL, "", snap.store, token.Location)
	}
	return out, nil
}

// DeleteMessageBatch deletes the queue entries and then the payloads of the
// entries the queue reports as deleted.
func (c *Client) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	const op = "delete_message_batch"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, logger, finish := c.startOp(ctx, op, queueURL)
	out, err := c.deleteMessageBatch(ctx, logger, op, params, optFns)
	finish(err)
	return out, err
}

func (c *Client) deleteMessageBatch(ctx context.Context, logger pslog.Logger, op string, params *sqs.DeleteMessageBatchInput, optFns []func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
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

	snap := c.cfg.snapshot()
	entries := make([]types.DeleteMessageBatchRequestEntry, len(params.Entries))
	extended := make(map[string]codec.Location)
	for i, entry := range params.Entries {
		id := aws.ToString(entry.Id)
		if id == "" {
			return nil, opError(op, queueURL, "", ErrValidation, fmt.Errorf("entry %d has no id", i))
		}
		handle := aws.ToString(entry.ReceiptHandle)
		if handle == "" {
			return nil, opError(op, queueURL, id, ErrValidation, fmt.Errorf("receipt handle is required"))
		}
		token := codec.DecodeAckToken(handle, codec.Separator)
		if token.Extended {
			if !snap.enabled {
				return nil, opError(op, queueURL, id, ErrExtensionDisabled, fmt.Errorf("receipt handle references a stored payload"))
			}
			extended[id] = token.Location
		}
		entry.ReceiptHandle = aws.String(token.Original)
		entries[i] = entry
	}

	in := *params
	in.Entries = entries
	out, err := c.sqs.DeleteMessageBatch(ctx, &in, optFns...)
	if err != nil {
		return nil, queueError(op, queueURL, err)
	}
	// Without a result there is no way to tell which entries were deleted.
	if out == nil || len(extended) == 0 {
		return out, nil
	}

	failed := make(map[string]struct{}, len(out.Failed))
	for _, f := range out.Failed {
		failed[aws.ToString(f.Id)] = struct{}{}
	}
	var g errgroup.Group
	g.SetLimit(c.maxConcurrency)
	for _, ok := range out.Successful {
		id := aws.ToString(ok.Id)
		loc, isExtended := extended[id]
		if !isExtended {
			continue
		}
		if _, isFailed := failed[id]; isFailed {
			continue
		}
		g.Go(func() error {
			c.cleanup(ctx, logger, op, queueURL, id, snap.store, loc)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// cleanup removes one payload after its queue entry is gone. A missing object
// counts as removed.
func (c *Client) cleanup(ctx context.Context, logger pslog.Logger, op, queueURL, entryID string, store blob.Store, loc codec.Location) {
	if c.skipCleanup {
		logger.Trace("sqsext.cleanup.skipped", "entry", entryID, "container", loc.Container, "key", loc.Key)
		return
	}
	queueID := codec.QueueIDFromURL(queueURL)
	err := c.deletePayload(ctx, store, loc.Container, loc.Key)
	switch {
	case err == nil:
		c.metrics.recordCleanup(ctx, queueID, false)
		logger.Debug("sqsext.cleanup.deleted", "entry", entryID, "container", loc.Container, "key", loc.Key)
		return
	case errors.Is(err, blob.ErrNotFound):
		logger.Debug("sqsext.cleanup.already_removed", "entry", entryID, "container", loc.Container, "key", loc.Key)
		return
	}
	warning := CleanupWarning{
		Op:        op,
		QueueURL:  queueURL,
		EntryID:   entryID,
		Container: loc.Container,
		Key:       loc.Key,
		Err:       err,
	}
	c.metrics.recordCleanup(ctx, queueID, true)
	logger.Warn("sqsext.cleanup.warning", "entry", entryID, "container", loc.Container, "key", loc.Key, "error", err)
	if c.onCleanup != nil {
		c.onCleanup(ctx, warning)
	}
}
