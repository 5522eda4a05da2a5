package sqsext

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/internal/codec"
)

// ReceiveMessage receives from the queue and replaces pointer bodies with
// their stored payloads. The receipt handle of a rehydrated message is a
// composite token that DeleteMessage and ChangeMessageVisibility understand.
func (c *Client) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	const op = "receive_message"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, logger, finish := c.startOp(ctx, op, queueURL)
	out, err := c.receiveMessage(ctx, logger, op, params, optFns)
	finish(err)
	return out, err
}

type pointerRef struct {
	index int
	loc   codec.Location
}

type download struct {
	ref  pointerRef
	body string
	err  error
}

func (c *Client) receiveMessage(ctx context.Context, logger pslog.Logger, op string, params *sqs.ReceiveMessageInput, optFns []func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if params == nil {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("input is nil"))
	}
	queueURL := aws.ToString(params.QueueUrl)
	if queueURL == "" {
		return nil, opError(op, "", "", ErrValidation, fmt.Errorf("queue url is required"))
	}

	in := *params
	in.MessageAttributeNames = withReservedAttributeNames(params.MessageAttributeNames)
	out, err := c.sqs.ReceiveMessage(ctx, &in, optFns...)
	if err != nil {
		return nil, queueError(op, queueURL, err)
	}
	if out == nil || len(out.Messages) == 0 {
		return out, nil
	}

	var refs []pointerRef
	snap := c.cfg.snapshot()
	for i, msg := range out.Messages {
		if !isPointerMessage(msg) {
			continue
		}
		id := aws.ToString(msg.MessageId)
		if !snap.enabled {
			return nil, opError(op, queueURL, id, ErrExtensionDisabled, fmt.Errorf("received a pointer message"))
		}
		loc, err := codec.ParseStoreURI(aws.ToString(msg.Body))
		if err != nil {
			return nil, opError(op, queueURL, id, ErrStoreDownload, err)
		}
		refs = append(refs, pointerRef{index: i, loc: loc})
	}
	if len(refs) == 0 {
		return out, nil
	}

	bodies, err := c.downloadAll(ctx, logger, op, queueURL, snap, out.Messages, refs)
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, len(out.Messages))
	copy(messages, out.Messages)
	queueID := codec.QueueIDFromURL(queueURL)
	for i, ref := range refs {
		msg := messages[ref.index]
		msg.Body = aws.String(bodies[i])
		msg.MessageAttributes = withoutReservedAttributes(msg.MessageAttributes)
		msg.ReceiptHandle = aws.String(codec.EncodeAckToken(ref.loc.Container, ref.loc.Key, aws.ToString(msg.ReceiptHandle), codec.Separator))
		messages[ref.index] = msg
		c.metrics.recordRehydrate(ctx, queueID, int64(len(bodies[i])))
		logger.Debug("sqsext.receive.rehydrated", "message_id", aws.ToString(msg.MessageId), "container", ref.loc.Container, "key", ref.loc.Key, "size", len(bodies[i]))
	}
	result := *out
	result.Messages = messages
	return &result, nil
}

// downloadAll fetches every referenced payload concurrently and returns the
// bodies in refs order. The first failure is returned without waiting for the
// remaining downloads.
func (c *Client) downloadAll(ctx context.Context, logger pslog.Logger, op, queueURL string, snap configSnapshot, messages []types.Message, refs []pointerRef) ([]string, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan download, len(refs))
	sem := make(chan struct{}, c.maxConcurrency)
	go func() {
		for _, ref := range refs {
			select {
			case sem <- struct{}{}:
			case <-dctx.Done():
				results <- download{ref: ref, err: dctx.Err()}
				continue
			}
			go func() {
				defer func() { <-sem }()
				body, err := c.getPayload(dctx, snap.store, ref.loc.Container, ref.loc.Key)
				results <- download{ref: ref, body: body, err: err}
			}()
		}
	}()

	position := make(map[int]int, len(refs))
	for i, ref := range refs {
		position[ref.index] = i
	}
	bodies := make([]string, len(refs))
	for range refs {
		res := <-results
		if res.err != nil {
			id := aws.ToString(messages[res.ref.index].MessageId)
			logger.Debug("sqsext.receive.download_failed", "message_id", id, "container", res.ref.loc.Container, "key", res.ref.loc.Key, "error", res.err)
			return nil, opError(op, queueURL, id, ErrStoreDownload, res.err)
		}
		bodies[position[res.ref.index]] = res.body
	}
	return bodies, nil
}

func isPointerMessage(msg types.Message) bool {
	for name := range msg.MessageAttributes {
		if codec.IsReservedAttribute(name) {
			return true
		}
	}
	return false
}

func withReservedAttributeNames(names []string) []string {
	for _, name := range names {
		if name == "All" || name == ".*" {
			return names
		}
	}
	out := make([]string, 0, len(names)+len(codec.ReservedAttributeNames))
	out = append(out, names...)
	for _, reserved := range codec.ReservedAttributeNames {
		present := false
		for _, name := range names {
			if name == reserved {
				present = true
				break
			}
		}
		if !present {
			out = append(out, reserved)
		}
	}
	return out
}

func withoutReservedAttributes(attrs map[string]types.MessageAttributeValue) map[string]types.MessageAttributeValue {
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for name, value := range attrs {
		if codec.IsReservedAttribute(name) {
			continue
		}
		out[name] = value
	}
	return out
}
