package sqsext

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"pkt.systems/sqsext/internal/codec"
)

// ChangeMessageVisibility forwards to the queue with the original receipt
// handle of a composite token.
func (c *Client) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	const op = "change_message_visibility"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, _, finish := c.startOp(ctx, op, queueURL)
	out, err := c.changeMessageVisibility(ctx, op, params, optFns)
	finish(err)
	return out, err
}

func (c *Client) changeMessageVisibility(ctx context.Context, op string, params *sqs.ChangeMessageVisibilityInput, optFns []func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
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
	original, err := c.originalHandle(handle)
	if err != nil {
		return nil, opError(op, queueURL, "", err, fmt.Errorf("receipt handle references a stored payload"))
	}
	in := *params
	in.ReceiptHandle = aws.String(original)
	out, err := c.sqs.ChangeMessageVisibility(ctx, &in, optFns...)
	if err != nil {
		return nil, queueError(op, queueURL, err)
	}
	return out, nil
}

// ChangeMessageVisibilityBatch is the batch form of ChangeMessageVisibility.
func (c *Client) ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	const op = "change_message_visibility_batch"
	var queueURL string
	if params != nil {
		queueURL = aws.ToString(params.QueueUrl)
	}
	ctx, _, finish := c.startOp(ctx, op, queueURL)
	out, err := c.changeMessageVisibilityBatch(ctx, op, params, optFns)
	finish(err)
	return out, err
}

func (c *Client) changeMessageVisibilityBatch(ctx context.Context, op string, params *sqs.ChangeMessageVisibilityBatchInput, optFns []func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
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
	entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(params.Entries))
	for i, entry := range params.Entries {
		id := aws.ToString(entry.Id)
		if id == "" {
			return nil, opError(op, queueURL, "", ErrValidation, fmt.Errorf("entry %d has no id", i))
		}
		handle := aws.ToString(entry.ReceiptHandle)
		if handle == "" {
			return nil, opError(op, queueURL, id, ErrValidation, fmt.Errorf("receipt handle is required"))
		}
		original, err := c.originalHandle(handle)
		if err != nil {
			return nil, opError(op, queueURL, id, err, fmt.Errorf("receipt handle references a stored payload"))
		}
		entry.ReceiptHandle = aws.String(original)
		entries[i] = entry
	}
	in := *params
	in.Entries = entries
	out, err := c.sqs.ChangeMessageVisibilityBatch(ctx, &in, optFns...)
	if err != nil {
		return nil, queueError(op, queueURL, err)
	}
	return out, nil
}

// originalHandle strips the store location from a composite token. The
// returned error is a taxonomy kind.
func (c *Client) originalHandle(handle string) (string, error) {
	token := codec.DecodeAckToken(handle, codec.Separator)
	if token.Extended && !c.cfg.IsLargePayloadSupportEnabled() {
		return "", ErrExtensionDisabled
	}
	return token.Original, nil
}
