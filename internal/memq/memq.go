// Package memq is an in-process queue that speaks the aws-sdk-go-v2 SQS
// request/response shapes. It models visibility timeouts, rotating receipt
// handles, receive counts, batch partial failures and the native size limit.
package memq

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithy "github.com/aws/smithy-go"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/internal/clock"
	"pkt.systems/sqsext/internal/uuidv7"
)

const (
	// DefaultMaxMessageSize mirrors the SQS native limit (body plus attributes).
	DefaultMaxMessageSize = 262144
	// DefaultVisibilityTimeout applies when neither the queue nor the request sets one.
	DefaultVisibilityTimeout = 30 * time.Second
	// URLBase prefixes queue URLs handed out by CreateQueue.
	URLBase = "https://memq.local/000000000000/"

	maxBatchEntries       = 10
	maxReceiveMessages    = 10
	maxVisibilitySeconds  = 43200
	maxWaitTimeSeconds    = 20
	approxReceiveCountKey = "ApproximateReceiveCount"
	sentTimestampKey      = "SentTimestamp"
	firstReceiveKey       = "ApproximateFirstReceiveTimestamp"

	// maxDeletedHandles bounds the handles remembered for repeat deletes.
	maxDeletedHandles = 1024
)

// Options tunes a Broker.
type Options struct {
	Clock             clock.Clock
	MaxMessageSize    int
	VisibilityTimeout time.Duration
	Logger            pslog.Logger
}

// Broker owns a set of named queues.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	clk    clock.Clock
	opts   Options
	logger pslog.Logger
	notify chan struct{}
}

type queue struct {
	name     string
	messages []*message
	// handles maps the receipt handles of messages still held to their id.
	handles map[string]string
	// deleted remembers the handles recent deletes were made with, oldest
	// first in deletedOrder.
	deleted      map[string]struct{}
	deletedOrder []string
}

type message struct {
	id            string
	body          string
	md5           string
	attributes    map[string]types.MessageAttributeValue
	sentAt        time.Time
	visibleAt     time.Time
	firstReceive  time.Time
	receiveCount  int
	receiptHandle string
}

// New returns an empty Broker.
func New(opts Options) *Broker {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Broker{
		queues: make(map[string]*queue),
		clk:    opts.Clock,
		opts:   opts,
		logger: logger,
		notify: make(chan struct{}),
	}
}

// CreateQueue registers name and returns its URL. Creating an existing queue
// returns the same URL.
func (b *Broker) CreateQueue(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, handles: make(map[string]string), deleted: make(map[string]struct{})}
		b.logger.Debug("memq.queue.created", "queue", name)
	}
	return URLBase + name
}

// Len reports the number of messages held by the queue, visible or not.
func (b *Broker) Len(queueURL string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(&queueURL)
	if err != nil {
		return 0
	}
	return len(q.messages)
}

func (b *Broker) lookup(queueURL *string) (*queue, error) {
	url := aws.ToString(queueURL)
	name := url
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		name = url[idx+1:]
	}
	q, ok := b.queues[name]
	if !ok || name == "" {
		return nil, &types.QueueDoesNotExist{Message: aws.String(fmt.Sprintf("queue %q does not exist", url))}
	}
	return q, nil
}

func invalidParameter(format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    "InvalidParameterValue",
		Message: fmt.Sprintf(format, args...),
		Fault:   smithy.FaultClient,
	}
}

func missingParameter(name string) error {
	return &smithy.GenericAPIError{
		Code:    "MissingParameter",
		Message: fmt.Sprintf("the request must contain the parameter %s", name),
		Fault:   smithy.FaultClient,
	}
}

func messageSize(body string, attrs map[string]types.MessageAttributeValue) int {
	size := len(body)
	for name, attr := range attrs {
		size += len(name) + len(aws.ToString(attr.DataType)) + len(aws.ToString(attr.StringValue)) + len(attr.BinaryValue)
	}
	return size
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func copyAttributes(in map[string]types.MessageAttributeValue) map[string]types.MessageAttributeValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (b *Broker) enqueue(q *queue, body *string, attrs map[string]types.MessageAttributeValue, delaySeconds int32) (*message, error) {
	if body == nil || *body == "" {
		return nil, missingParameter("MessageBody")
	}
	if size := messageSize(*body, attrs); size > b.opts.MaxMessageSize {
		return nil, invalidParameter("message must be shorter than %d bytes, got %d", b.opts.MaxMessageSize, size)
	}
	if delaySeconds < 0 || delaySeconds > 900 {
		return nil, invalidParameter("DelaySeconds must be between 0 and 900")
	}
	now := b.clk.Now()
	m := &message{
		id:         uuidv7.NewString(),
		body:       *body,
		md5:        md5Hex(*body),
		attributes: copyAttributes(attrs),
		sentAt:     now,
		visibleAt:  now.Add(time.Duration(delaySeconds) * time.Second),
	}
	q.messages = append(q.messages, m)
	return m, nil
}

func (b *Broker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// SendMessage enqueues one message.
func (b *Broker) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	m, err := b.enqueue(q, params.MessageBody, params.MessageAttributes, params.DelaySeconds)
	if err != nil {
		return nil, err
	}
	b.wake()
	b.logger.Trace("memq.send", "queue", q.name, "message_id", m.id, "size", len(m.body))
	return &sqs.SendMessageOutput{
		MessageId:        aws.String(m.id),
		MD5OfMessageBody: aws.String(m.md5),
	}, nil
}

func validateBatch(ids []string) error {
	if len(ids) == 0 {
		return &types.EmptyBatchRequest{Message: aws.String("there should be at least one entry in the request")}
	}
	if len(ids) > maxBatchEntries {
		return &types.TooManyEntriesInBatchRequest{Message: aws.String(fmt.Sprintf("maximum number of entries per request are %d", maxBatchEntries))}
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return &types.InvalidBatchEntryId{Message: aws.String("batch entry id must not be empty")}
		}
		if _, dup := seen[id]; dup {
			return &types.BatchEntryIdsNotDistinct{Message: aws.String(fmt.Sprintf("id %s repeated", id))}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func failedEntry(id string, err error) types.BatchResultErrorEntry {
	code := "InternalError"
	msg := err.Error()
	sender := false
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
		sender = apiErr.ErrorFault() == smithy.FaultClient
	}
	return types.BatchResultErrorEntry{
		Id:          aws.String(id),
		Code:        aws.String(code),
		Message:     aws.String(msg),
		SenderFault: sender,
	}
}

// SendMessageBatch enqueues up to ten messages, reporting per-entry failures.
func (b *Broker) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	ids := make([]string, len(params.Entries))
	for i, e := range params.Entries {
		ids[i] = aws.ToString(e.Id)
	}
	if err := validateBatch(ids); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range params.Entries {
		m, err := b.enqueue(q, e.MessageBody, e.MessageAttributes, e.DelaySeconds)
		if err != nil {
			out.Failed = append(out.Failed, failedEntry(aws.ToString(e.Id), err))
			continue
		}
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{
			Id:               e.Id,
			MessageId:        aws.String(m.id),
			MD5OfMessageBody: aws.String(m.md5),
		})
	}
	if len(out.Successful) > 0 {
		b.wake()
	}
	return out, nil
}

func wantsAttribute(names []string, name string) bool {
	for _, n := range names {
		switch {
		case n == "All" || n == ".*":
			return true
		case n == name:
			return true
		case strings.HasSuffix(n, ".*") && strings.HasPrefix(name, strings.TrimSuffix(n, "*")):
			return true
		}
	}
	return false
}

func (b *Broker) collect(q *queue, params *sqs.ReceiveMessageInput, limit int, visibility time.Duration) []types.Message {
	now := b.clk.Now()
	var out []types.Message
	for _, m := range q.messages {
		if len(out) >= limit {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.receiveCount++
		if m.firstReceive.IsZero() {
			m.firstReceive = now
		}
		m.visibleAt = now.Add(visibility)
		m.receiptHandle = xid.New().String() + "." + m.id
		q.handles[m.receiptHandle] = m.id

		msg := types.Message{
			MessageId:     aws.String(m.id),
			ReceiptHandle: aws.String(m.receiptHandle),
			Body:          aws.String(m.body),
			MD5OfBody:     aws.String(m.md5),
			Attributes: map[string]string{
				approxReceiveCountKey: strconv.Itoa(m.receiveCount),
				sentTimestampKey:      strconv.FormatInt(m.sentAt.UnixMilli(), 10),
				firstReceiveKey:       strconv.FormatInt(m.firstReceive.UnixMilli(), 10),
			},
		}
		for name, attr := range m.attributes {
			if !wantsAttribute(params.MessageAttributeNames, name) {
				continue
			}
			if msg.MessageAttributes == nil {
				msg.MessageAttributes = make(map[string]types.MessageAttributeValue)
			}
			msg.MessageAttributes[name] = attr
		}
		out = append(out, msg)
	}
	return out
}

// ReceiveMessage returns up to MaxNumberOfMessages visible messages, hiding
// each for the visibility timeout. WaitTimeSeconds long-polls until a send
// arrives, the wait elapses or ctx is done.
func (b *Broker) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	limit := int(params.MaxNumberOfMessages)
	if limit == 0 {
		limit = 1
	}
	if limit < 1 || limit > maxReceiveMessages {
		return nil, invalidParameter("MaxNumberOfMessages must be between 1 and %d", maxReceiveMessages)
	}
	if params.WaitTimeSeconds < 0 || params.WaitTimeSeconds > maxWaitTimeSeconds {
		return nil, invalidParameter("WaitTimeSeconds must be between 0 and %d", maxWaitTimeSeconds)
	}
	visibility := b.opts.VisibilityTimeout
	if params.VisibilityTimeout < 0 || params.VisibilityTimeout > maxVisibilitySeconds {
		return nil, invalidParameter("VisibilityTimeout must be between 0 and %d", maxVisibilitySeconds)
	}
	if params.VisibilityTimeout > 0 {
		visibility = time.Duration(params.VisibilityTimeout) * time.Second
	}

	var deadline <-chan time.Time
	for {
		b.mu.Lock()
		q, err := b.lookup(params.QueueUrl)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		msgs := b.collect(q, params, limit, visibility)
		notify := b.notify
		b.mu.Unlock()

		if len(msgs) > 0 || params.WaitTimeSeconds == 0 {
			b.logger.Trace("memq.receive", "queue", q.name, "count", len(msgs))
			return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
		}
		if deadline == nil {
			deadline = b.clk.After(time.Duration(params.WaitTimeSeconds) * time.Second)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return &sqs.ReceiveMessageOutput{}, nil
		case <-notify:
		}
	}
}

func (b *Broker) resolveHandle(q *queue, handle string) (*message, int, error) {
	if _, gone := q.deleted[handle]; gone {
		return nil, -1, nil
	}
	id, ok := q.handles[handle]
	if !ok {
		return nil, -1, &types.ReceiptHandleIsInvalid{Message: aws.String(fmt.Sprintf("the receipt handle %q is not valid", handle))}
	}
	for i, m := range q.messages {
		if m.id == id {
			return m, i, nil
		}
	}
	return nil, -1, nil
}

func (b *Broker) deleteHandle(q *queue, handle string) error {
	m, idx, err := b.resolveHandle(q, handle)
	if err != nil {
		return err
	}
	if m == nil {
		// already deleted
		return nil
	}
	q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
	for h, id := range q.handles {
		if id == m.id {
			delete(q.handles, h)
		}
	}
	q.rememberDeleted(handle)
	return nil
}

func (q *queue) rememberDeleted(handle string) {
	q.deleted[handle] = struct{}{}
	q.deletedOrder = append(q.deletedOrder, handle)
	if len(q.deletedOrder) > maxDeletedHandles {
		delete(q.deleted, q.deletedOrder[0])
		q.deletedOrder = q.deletedOrder[1:]
	}
}

// DeleteMessage removes the message identified by the receipt handle.
// Deleting an already deleted message with a previously issued handle succeeds.
func (b *Broker) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	if aws.ToString(params.ReceiptHandle) == "" {
		return nil, missingParameter("ReceiptHandle")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := b.deleteHandle(q, aws.ToString(params.ReceiptHandle)); err != nil {
		return nil, err
	}
	return &sqs.DeleteMessageOutput{}, nil
}

// DeleteMessageBatch deletes up to ten messages, reporting per-entry failures.
func (b *Broker) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	ids := make([]string, len(params.Entries))
	for i, e := range params.Entries {
		ids[i] = aws.ToString(e.Id)
	}
	if err := validateBatch(ids); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range params.Entries {
		if err := b.deleteHandle(q, aws.ToString(e.ReceiptHandle)); err != nil {
			out.Failed = append(out.Failed, failedEntry(aws.ToString(e.Id), err))
			continue
		}
		out.Successful = append(out.Successful, types.DeleteMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func (b *Broker) changeVisibility(q *queue, handle string, timeout int32) error {
	if timeout < 0 || timeout > maxVisibilitySeconds {
		return invalidParameter("VisibilityTimeout must be between 0 and %d", maxVisibilitySeconds)
	}
	m, _, err := b.resolveHandle(q, handle)
	if err != nil {
		return err
	}
	now := b.clk.Now()
	if m == nil || m.receiptHandle != handle || !m.visibleAt.After(now) {
		return &types.MessageNotInflight{Message: aws.String("message is not in flight")}
	}
	m.visibleAt = now.Add(time.Duration(timeout) * time.Second)
	if timeout == 0 {
		b.wake()
	}
	return nil
}

// ChangeMessageVisibility resets the visibility timeout of an in-flight message.
func (b *Broker) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := b.changeVisibility(q, aws.ToString(params.ReceiptHandle), params.VisibilityTimeout); err != nil {
		return nil, err
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

// ChangeMessageVisibilityBatch changes visibility for up to ten messages.
func (b *Broker) ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, missingParameter("QueueUrl")
	}
	ids := make([]string, len(params.Entries))
	for i, e := range params.Entries {
		ids[i] = aws.ToString(e.Id)
	}
	if err := validateBatch(ids); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	out := &sqs.ChangeMessageVisibilityBatchOutput{}
	for _, e := range params.Entries {
		if err := b.changeVisibility(q, aws.ToString(e.ReceiptHandle), e.VisibilityTimeout); err != nil {
			out.Failed = append(out.Failed, failedEntry(aws.ToString(e.Id), err))
			continue
		}
		out.Successful = append(out.Successful, types.ChangeMessageVisibilityBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

// QueueNames lists registered queues in sorted order.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
