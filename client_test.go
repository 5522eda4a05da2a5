package sqsext

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/codec"
	"pkt.systems/sqsext/internal/storage/memory"
)

const testContainer = "bucket"

var pointerBodyPattern = regexp.MustCompile(`^s3://bucket/Q1/[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// scriptedQueue records every request and answers with canned outputs.
type scriptedQueue struct {
	mu               sync.Mutex
	sent             []*sqs.SendMessageInput
	sentBatches      []*sqs.SendMessageBatchInput
	receiveInputs    []*sqs.ReceiveMessageInput
	deleted          []*sqs.DeleteMessageInput
	deletedBatches   []*sqs.DeleteMessageBatchInput
	visibility       []*sqs.ChangeMessageVisibilityInput
	visibilityBatch  []*sqs.ChangeMessageVisibilityBatchInput
	receiveOut       *sqs.ReceiveMessageOutput
	deleteBatchOut   *sqs.DeleteMessageBatchOutput
	sendBatchFailIDs map[string]bool
	err              error
}

func (q *scriptedQueue) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, params)
	if q.err != nil {
		return nil, q.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (q *scriptedQueue) SendMessageBatch(_ context.Context, params *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sentBatches = append(q.sentBatches, params)
	if q.err != nil {
		return nil, q.err
	}
	out := &sqs.SendMessageBatchOutput{}
	for _, entry := range params.Entries {
		if q.sendBatchFailIDs[aws.ToString(entry.Id)] {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: entry.Id, Code: aws.String("InternalError"), Message: aws.String("boom")})
			continue
		}
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: entry.Id, MessageId: aws.String("m-" + aws.ToString(entry.Id))})
	}
	return out, nil
}

func (q *scriptedQueue) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receiveInputs = append(q.receiveInputs, params)
	if q.err != nil {
		return nil, q.err
	}
	return q.receiveOut, nil
}

func (q *scriptedQueue) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, params)
	if q.err != nil {
		return nil, q.err
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (q *scriptedQueue) DeleteMessageBatch(_ context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletedBatches = append(q.deletedBatches, params)
	if q.err != nil {
		return nil, q.err
	}
	return q.deleteBatchOut, nil
}

func (q *scriptedQueue) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility = append(q.visibility, params)
	if q.err != nil {
		return nil, q.err
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (q *scriptedQueue) ChangeMessageVisibilityBatch(_ context.Context, params *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibilityBatch = append(q.visibilityBatch, params)
	if q.err != nil {
		return nil, q.err
	}
	out := &sqs.ChangeMessageVisibilityBatchOutput{}
	for _, entry := range params.Entries {
		out.Successful = append(out.Successful, types.ChangeMessageVisibilityBatchResultEntry{Id: entry.Id})
	}
	return out, nil
}

type putCall struct {
	container string
	key       string
	body      []byte
}

// recordingStore wraps a memory store and records puts and deletes.
type recordingStore struct {
	inner     *memory.Store
	mu        sync.Mutex
	puts      []putCall
	gets      []codec.Location
	deletes   []codec.Location
	putErr    error
	getErr    error
	deleteErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{inner: memory.New()}
}

func (s *recordingStore) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.puts = append(s.puts, putCall{container: container, key: key, body: data})
	putErr := s.putErr
	s.mu.Unlock()
	if putErr != nil {
		return nil, putErr
	}
	return s.inner.PutObject(ctx, container, key, bytes.NewReader(data), opts)
}

func (s *recordingStore) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	s.mu.Lock()
	s.gets = append(s.gets, codec.Location{Container: container, Key: key})
	getErr := s.getErr
	s.mu.Unlock()
	if getErr != nil {
		return blob.GetResult{}, getErr
	}
	return s.inner.GetObject(ctx, container, key)
}

func (s *recordingStore) DeleteObject(ctx context.Context, container, key string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, codec.Location{Container: container, Key: key})
	deleteErr := s.deleteErr
	s.mu.Unlock()
	if deleteErr != nil {
		return deleteErr
	}
	return s.inner.DeleteObject(ctx, container, key)
}

func (s *recordingStore) Close() error { return s.inner.Close() }

func (s *recordingStore) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.deletes))
	for _, loc := range s.deletes {
		keys = append(keys, loc.Key)
	}
	return keys
}

func newEnabledClient(t *testing.T, queue SQSClient, store blob.Store, opts ...Option) *Client {
	t.Helper()
	cfg := NewConfig()
	if err := cfg.EnableLargePayloadSupport(store, testContainer); err != nil {
		t.Fatalf("enable: %v", err)
	}
	client, err := New(queue, cfg, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for nil queue, got %v", err)
	}
	if _, err := New(&scriptedQueue{}, nil, WithMaxConcurrency(0)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for zero concurrency, got %v", err)
	}
	client, err := New(&scriptedQueue{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.Config().IsLargePayloadSupportEnabled() {
		t.Fatal("nil config should default to disabled support")
	}
}

func TestSendMessageOffloadsLargeBody(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)

	body := strings.Repeat("x", 300000)
	attrs := map[string]types.MessageAttributeValue{
		"trace": {DataType: aws.String("String"), StringValue: aws.String("abc")},
	}
	input := &sqs.SendMessageInput{QueueUrl: aws.String("Q1"), MessageBody: aws.String(body), MessageAttributes: attrs}
	if _, err := client.SendMessage(context.Background(), input); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(store.puts) != 1 || len(store.puts[0].body) != 300000 || store.puts[0].container != testContainer {
		t.Fatalf("expected one 300000 byte put, got %d puts", len(store.puts))
	}
	if len(queue.sent) != 1 {
		t.Fatalf("expected one queue send, got %d", len(queue.sent))
	}
	sent := queue.sent[0]
	if !pointerBodyPattern.MatchString(aws.ToString(sent.MessageBody)) {
		t.Fatalf("unexpected pointer body %q", aws.ToString(sent.MessageBody))
	}
	if aws.ToString(sent.MessageBody) != "s3://"+testContainer+"/"+store.puts[0].key {
		t.Fatalf("pointer %q does not match stored key %q", aws.ToString(sent.MessageBody), store.puts[0].key)
	}
	marker := sent.MessageAttributes[ReservedAttributeName]
	if aws.ToString(marker.DataType) != "Number" || aws.ToString(marker.StringValue) != "300000" {
		t.Fatalf("unexpected marker attribute %+v", marker)
	}
	if _, ok := sent.MessageAttributes["trace"]; !ok {
		t.Fatal("caller attributes must be forwarded")
	}

	if aws.ToString(input.MessageBody) != body {
		t.Fatal("caller body was mutated")
	}
	if len(attrs) != 1 {
		t.Fatal("caller attribute map was mutated")
	}
}

func TestSendMessageThresholdBoundary(t *testing.T) {
	cases := []struct {
		name     string
		size     int
		extended bool
	}{
		{name: "at threshold", size: 262144, extended: false},
		{name: "above threshold", size: 262145, extended: true},
		{name: "small", size: 10, extended: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			queue := &scriptedQueue{}
			store := newRecordingStore()
			client := newEnabledClient(t, queue, store)
			body := strings.Repeat("b", tc.size)
			if _, err := client.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: aws.String("Q1"), MessageBody: aws.String(body)}); err != nil {
				t.Fatalf("send: %v", err)
			}
			_, marked := queue.sent[0].MessageAttributes[ReservedAttributeName]
			if marked != tc.extended || (len(store.puts) == 1) != tc.extended {
				t.Fatalf("size %d: extended=%v puts=%d", tc.size, marked, len(store.puts))
			}
			if !tc.extended && aws.ToString(queue.sent[0].MessageBody) != body {
				t.Fatal("inline body altered")
			}
		})
	}
}

func TestSendMessageAlwaysThroughStore(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)
	client.Config().SetAlwaysThroughStore(true)
	client.Config().SetPrefixKeyWithQueue(false)

	if _, err := client.SendMessage(context.Background(), &sqs.SendMessageInput{
		QueueUrl:    aws.String("https://sqs.eu-north-1.amazonaws.com/123456789012/orders"),
		MessageBody: aws.String("tiny"),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(store.puts) != 1 {
		t.Fatalf("expected tiny body to be stored, got %d puts", len(store.puts))
	}
	if strings.Contains(store.puts[0].key, "/") {
		t.Fatalf("key %q should not carry a queue prefix", store.puts[0].key)
	}
}

func TestSendMessageDisabled(t *testing.T) {
	queue := &scriptedQueue{}
	client, err := New(queue, NewConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	big := strings.Repeat("x", 300000)
	if _, err := client.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: aws.String("Q1"), MessageBody: aws.String(big)}); err != nil {
		t.Fatalf("oversized send with support disabled should pass through: %v", err)
	}
	if aws.ToString(queue.sent[0].MessageBody) != big {
		t.Fatal("disabled client must forward the body unchanged")
	}

	client.Config().SetAlwaysThroughStore(true)
	_, err = client.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: aws.String("Q1"), MessageBody: aws.String("small")})
	if !errors.Is(err, ErrExtensionDisabled) {
		t.Fatalf("expected ErrExtensionDisabled, got %v", err)
	}
	if len(queue.sent) != 1 {
		t.Fatal("queue must not be called after a disabled guard failure")
	}
}

func TestSendMessageUploadFailure(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	store.putErr = errors.New("bucket unavailable")
	client := newEnabledClient(t, queue, store)

	_, err := client.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: aws.String("Q1"), MessageBody: aws.String(strings.Repeat("x", 300000))})
	if !errors.Is(err, ErrStoreUpload) {
		t.Fatalf("expected ErrStoreUpload, got %v", err)
	}
	if !errors.Is(err, store.putErr) {
		t.Fatal("upload error must wrap the store cause")
	}
	if len(queue.sent) != 0 {
		t.Fatal("queue must not be called after a failed upload")
	}
}

func TestSendMessageValidation(t *testing.T) {
	client := newEnabledClient(t, &scriptedQueue{}, newRecordingStore())
	cases := map[string]*sqs.SendMessageInput{
		"nil input":  nil,
		"no queue":   {MessageBody: aws.String("x")},
		"no body":    {QueueUrl: aws.String("Q1")},
		"empty body": {QueueUrl: aws.String("Q1"), MessageBody: aws.String("")},
		"reserved attribute": {
			QueueUrl:    aws.String("Q1"),
			MessageBody: aws.String("x"),
			MessageAttributes: map[string]types.MessageAttributeValue{
				ReservedAttributeName: {DataType: aws.String("Number"), StringValue: aws.String("1")},
			},
		},
		"legacy reserved attribute": {
			QueueUrl:    aws.String("Q1"),
			MessageBody: aws.String("x"),
			MessageAttributes: map[string]types.MessageAttributeValue{
				LegacyReservedAttributeName: {DataType: aws.String("Number"), StringValue: aws.String("1")},
			},
		},
	}
	for name, input := range cases {
		if _, err := client.SendMessage(context.Background(), input); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestSendMessageQueueErrorKeepsAPIError(t *testing.T) {
	queue := &scriptedQueue{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope", Fault: smithy.FaultClient}}
	client := newEnabledClient(t, queue, newRecordingStore())
	_, err := client.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: aws.String("Q1"), MessageBody: aws.String("x")})
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" {
		t.Fatalf("expected queue api error, got %v", err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "send_message" || opErr.Kind != nil {
		t.Fatalf("expected kindless OpError, got %#v", err)
	}
}

func TestSendMessageBatch(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)
	entries := []types.SendMessageBatchRequestEntry{
		{Id: aws.String("small"), MessageBody: aws.String("hi")},
		{Id: aws.String("big1"), MessageBody: aws.String(strings.Repeat("a", 300000))},
		{Id: aws.String("big2"), MessageBody: aws.String(strings.Repeat("b", 262145))},
	}
	out, err := client.SendMessageBatch(context.Background(), &sqs.SendMessageBatchInput{QueueUrl: aws.String("Q1"), Entries: entries})
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if len(out.Successful) != 3 {
		t.Fatalf("expected 3 successful entries, got %+v", out)
	}
	if len(store.puts) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(store.puts))
	}
	forwarded := queue.sentBatches[0].Entries
	if aws.ToString(forwarded[0].MessageBody) != "hi" {
		t.Fatal("small entry must be forwarded inline")
	}
	for _, i := range []int{1, 2} {
		if !pointerBodyPattern.MatchString(aws.ToString(forwarded[i].MessageBody)) {
			t.Fatalf("entry %d: unexpected body %q", i, aws.ToString(forwarded[i].MessageBody))
		}
	}
	if aws.ToString(entries[1].MessageBody) != strings.Repeat("a", 300000) || entries[1].MessageAttributes != nil {
		t.Fatal("caller batch entries were mutated")
	}
}

func TestSendMessageBatchValidationAndUploadFailure(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)
	_, err := client.SendMessageBatch(context.Background(), &sqs.SendMessageBatchInput{
		QueueUrl: aws.String("Q1"),
		Entries: []types.SendMessageBatchRequestEntry{
			{Id: aws.String("1"), MessageBody: aws.String("a")},
			{Id: aws.String("1"), MessageBody: aws.String("b")},
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate ids, got %v", err)
	}
	if _, err := client.SendMessageBatch(context.Background(), &sqs.SendMessageBatchInput{QueueUrl: aws.String("Q1")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty batch, got %v", err)
	}

	store.putErr = errors.New("down")
	_, err = client.SendMessageBatch(context.Background(), &sqs.SendMessageBatchInput{
		QueueUrl: aws.String("Q1"),
		Entries: []types.SendMessageBatchRequestEntry{
			{Id: aws.String("small"), MessageBody: aws.String("a")},
			{Id: aws.String("big"), MessageBody: aws.String(strings.Repeat("x", 300000))},
		},
	})
	var opErr *OpError
	if !errors.Is(err, ErrStoreUpload) || !errors.As(err, &opErr) || opErr.Entry != "big" {
		t.Fatalf("expected ErrStoreUpload for entry big, got %v", err)
	}
	if len(queue.sentBatches) != 0 {
		t.Fatal("queue must not be called after a failed upload")
	}
}

func pointerMessage(t *testing.T, store blob.Store, id, handle, body string) types.Message {
	t.Helper()
	key := "Q1/" + id
	if _, err := store.PutObject(context.Background(), testContainer, key, strings.NewReader(body), blob.PutOptions{}); err != nil {
		t.Fatalf("seed payload: %v", err)
	}
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(codec.BuildPointerBody(testContainer, key)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			ReservedAttributeName: {DataType: aws.String("Number"), StringValue: aws.String("300000")},
			"trace":               {DataType: aws.String("String"), StringValue: aws.String("abc")},
		},
	}
}

func TestReceiveMessageMixedBatch(t *testing.T) {
	store := newRecordingStore()
	body := strings.Repeat("p", 300000)
	plain := types.Message{MessageId: aws.String("plain"), ReceiptHandle: aws.String("h-plain"), Body: aws.String("hello")}
	pointer := pointerMessage(t, store, "ptr", "h-ptr", body)
	queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{plain, pointer}}}
	client := newEnabledClient(t, queue, store)

	input := &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1"), MessageAttributeNames: []string{"trace"}}
	out, err := client.ReceiveMessage(context.Background(), input)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out.Messages))
	}
	if aws.ToString(out.Messages[0].Body) != "hello" || aws.ToString(out.Messages[0].ReceiptHandle) != "h-plain" {
		t.Fatalf("plain message altered: %+v", out.Messages[0])
	}
	got := out.Messages[1]
	if aws.ToString(got.Body) != body {
		t.Fatal("pointer message body not rehydrated")
	}
	if _, ok := got.MessageAttributes[ReservedAttributeName]; ok {
		t.Fatal("marker attribute must be stripped after receive")
	}
	if _, ok := got.MessageAttributes["trace"]; !ok {
		t.Fatal("caller attributes must survive receive")
	}
	handle := aws.ToString(got.ReceiptHandle)
	if !strings.Contains(handle, Separator) || handle != "bucket/Q1/ptr"+Separator+"h-ptr" {
		t.Fatalf("unexpected composite handle %q", handle)
	}
	if _, ok := pointer.MessageAttributes[ReservedAttributeName]; !ok {
		t.Fatal("queue output was mutated")
	}

	names := queue.receiveInputs[0].MessageAttributeNames
	if len(names) != 3 || names[0] != "trace" {
		t.Fatalf("expected reserved names appended to request, got %v", names)
	}
	if len(input.MessageAttributeNames) != 1 {
		t.Fatal("caller receive input was mutated")
	}
}

func TestReceiveMessageKeepsAllAttributeRequest(t *testing.T) {
	for _, wildcard := range []string{"All", ".*"} {
		queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{}}
		client := newEnabledClient(t, queue, newRecordingStore())
		if _, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1"), MessageAttributeNames: []string{wildcard}}); err != nil {
			t.Fatalf("receive: %v", err)
		}
		if names := queue.receiveInputs[0].MessageAttributeNames; len(names) != 1 || names[0] != wildcard {
			t.Fatalf("%s request altered: %v", wildcard, names)
		}
	}
}

func TestReceiveMessageLegacyAttribute(t *testing.T) {
	store := newRecordingStore()
	msg := pointerMessage(t, store, "legacy", "h1", "legacy-body")
	delete(msg.MessageAttributes, ReservedAttributeName)
	msg.MessageAttributes[LegacyReservedAttributeName] = types.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String("11")}
	queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}}
	client := newEnabledClient(t, queue, store)

	out, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1")})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if aws.ToString(out.Messages[0].Body) != "legacy-body" {
		t.Fatal("legacy pointer not rehydrated")
	}
	if _, ok := out.Messages[0].MessageAttributes[LegacyReservedAttributeName]; ok {
		t.Fatal("legacy marker must be stripped")
	}
}

func TestReceiveMessageDisabledGuard(t *testing.T) {
	store := newRecordingStore()
	plain := types.Message{MessageId: aws.String("plain"), Body: aws.String("hello")}
	pointer := pointerMessage(t, store, "ptr", "h-ptr", "payload")
	queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{plain, pointer}}}
	client, err := New(queue, NewConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1")})
	if !errors.Is(err, ErrExtensionDisabled) {
		t.Fatalf("expected ErrExtensionDisabled, got %v", err)
	}
	if out != nil {
		t.Fatal("no messages may be returned when the guard trips")
	}
	if len(store.gets) != 0 {
		t.Fatal("store must not be read when support is disabled")
	}
}

func TestReceiveMessageDownloadFailures(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		store := newRecordingStore()
		pointer := pointerMessage(t, store, "ptr", "h", "payload")
		store.getErr = errors.New("timeout")
		queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{pointer}}}
		client := newEnabledClient(t, queue, store)
		_, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1")})
		if !errors.Is(err, ErrStoreDownload) || !errors.Is(err, store.getErr) {
			t.Fatalf("expected ErrStoreDownload wrapping the cause, got %v", err)
		}
	})
	t.Run("missing payload", func(t *testing.T) {
		store := newRecordingStore()
		pointer := pointerMessage(t, store, "ptr", "h", "payload")
		if err := store.inner.DeleteObject(context.Background(), testContainer, "Q1/ptr"); err != nil {
			t.Fatalf("remove payload: %v", err)
		}
		queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{pointer}}}
		client := newEnabledClient(t, queue, store)
		_, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1")})
		if !errors.Is(err, ErrStoreDownload) || !errors.Is(err, blob.ErrNotFound) {
			t.Fatalf("expected ErrStoreDownload wrapping not found, got %v", err)
		}
	})
	t.Run("malformed pointer", func(t *testing.T) {
		store := newRecordingStore()
		msg := types.Message{
			MessageId: aws.String("bad"),
			Body:      aws.String("not a pointer"),
			MessageAttributes: map[string]types.MessageAttributeValue{
				ReservedAttributeName: {DataType: aws.String("Number"), StringValue: aws.String("5")},
			},
		}
		queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}}
		client := newEnabledClient(t, queue, store)
		_, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1")})
		if !errors.Is(err, ErrStoreDownload) || !errors.Is(err, ErrMalformedURI) {
			t.Fatalf("expected ErrStoreDownload wrapping ErrMalformedURI, got %v", err)
		}
		if len(store.gets) != 0 {
			t.Fatal("malformed pointer must not reach the store")
		}
	})
}

// gatedStore holds GetObject for slowKey until release is closed or the
// context ends, and fails failKey once slowKey is being fetched.
type gatedStore struct {
	*memory.Store
	slowKey     string
	failKey     string
	failErr     error
	release     chan struct{}
	slowStarted chan struct{}
	slowDone    chan error
}

func (s *gatedStore) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	switch key {
	case s.slowKey:
		close(s.slowStarted)
		select {
		case <-s.release:
			s.slowDone <- nil
			return s.Store.GetObject(ctx, container, key)
		case <-ctx.Done():
			s.slowDone <- ctx.Err()
			return blob.GetResult{}, ctx.Err()
		}
	case s.failKey:
		select {
		case <-s.slowStarted:
		case <-ctx.Done():
			return blob.GetResult{}, ctx.Err()
		}
		return blob.GetResult{}, s.failErr
	}
	return s.Store.GetObject(ctx, container, key)
}

func TestReceiveMessageFailsFastOnFirstDownloadError(t *testing.T) {
	store := &gatedStore{
		Store:       memory.New(),
		slowKey:     "Q1/slow",
		failKey:     "Q1/broken",
		failErr:     errors.New("connection reset"),
		release:     make(chan struct{}),
		slowStarted: make(chan struct{}),
		slowDone:    make(chan error, 1),
	}
	defer close(store.release)
	slow := pointerMessage(t, store, "slow", "h1", "slow payload")
	broken := pointerMessage(t, store, "broken", "h2", "broken payload")
	queue := &scriptedQueue{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{slow, broken}}}
	client := newEnabledClient(t, queue, store, WithMaxConcurrency(2))

	type result struct {
		out *sqs.ReceiveMessageOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{QueueUrl: aws.String("Q1")})
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receive waited on the blocked download")
	}
	if res.out != nil {
		t.Fatalf("expected no output on download failure, got %+v", res.out)
	}
	if !errors.Is(res.err, ErrStoreDownload) || !errors.Is(res.err, store.failErr) {
		t.Fatalf("expected ErrStoreDownload wrapping the cause, got %v", res.err)
	}
	var opErr *OpError
	if !errors.As(res.err, &opErr) || opErr.Entry != "broken" {
		t.Fatalf("expected the failing message to be named, got %v", res.err)
	}
	select {
	case err := <-store.slowDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the blocked download to be canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked download was never canceled")
	}
}

func TestDeleteMessageCompositeHandle(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)
	if _, err := store.inner.PutObject(context.Background(), testContainer, "Q1/abc", strings.NewReader("x"), blob.PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	handle := codec.EncodeAckToken(testContainer, "Q1/abc", "orig-handle", Separator)
	if _, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if aws.ToString(queue.deleted[0].ReceiptHandle) != "orig-handle" {
		t.Fatalf("queue received %q, want original handle", aws.ToString(queue.deleted[0].ReceiptHandle))
	}
	if len(store.deletes) != 1 || store.deletes[0] != (codec.Location{Container: testContainer, Key: "Q1/abc"}) {
		t.Fatalf("unexpected store deletes %+v", store.deletes)
	}
	if store.inner.Len() != 0 {
		t.Fatal("payload should be gone")
	}
}

func TestDeleteMessageIdempotent(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	var warnings []CleanupWarning
	client := newEnabledClient(t, queue, store, WithCleanupWarningHandler(func(_ context.Context, w CleanupWarning) {
		warnings = append(warnings, w)
	}))
	handle := codec.EncodeAckToken(testContainer, "Q1/gone", "h", Separator)
	for i := 0; i < 2; i++ {
		if _, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)}); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if len(warnings) != 0 {
		t.Fatalf("missing payloads must not raise warnings, got %+v", warnings)
	}
}

func TestDeleteMessagePlainHandle(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)
	if _, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String("plain")}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if aws.ToString(queue.deleted[0].ReceiptHandle) != "plain" || len(store.deletes) != 0 {
		t.Fatal("plain handles must pass through without store access")
	}
}

func TestDeleteMessageCleanupWarning(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	store.deleteErr = errors.New("permission denied")
	var warnings []CleanupWarning
	client := newEnabledClient(t, queue, store, WithCleanupWarningHandler(func(_ context.Context, w CleanupWarning) {
		warnings = append(warnings, w)
	}))
	handle := codec.EncodeAckToken(testContainer, "Q1/k", "h", Separator)
	if _, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)}); err != nil {
		t.Fatalf("cleanup failures must not fail delete: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
	w := warnings[0]
	if w.Op != "delete_message" || w.Container != testContainer || w.Key != "Q1/k" || !errors.Is(w.Err, store.deleteErr) {
		t.Fatalf("unexpected warning %+v", w)
	}
	if !strings.Contains(w.String(), "bucket/Q1/k") {
		t.Fatalf("unexpected warning text %q", w.String())
	}
}

func TestDeleteMessageQueueFailureSkipsStore(t *testing.T) {
	queue := &scriptedQueue{err: &types.ReceiptHandleIsInvalid{Message: aws.String("bad handle")}}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store)
	handle := codec.EncodeAckToken(testContainer, "Q1/k", "h", Separator)
	_, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)})
	var invalid *types.ReceiptHandleIsInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if len(store.deletes) != 0 {
		t.Fatal("store delete must wait for a successful queue delete")
	}
}

func TestDeleteMessageSkipCleanup(t *testing.T) {
	queue := &scriptedQueue{}
	store := newRecordingStore()
	client := newEnabledClient(t, queue, store, WithSkipStoreCleanup(true))
	handle := codec.EncodeAckToken(testContainer, "Q1/k", "h", Separator)
	if _, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if aws.ToString(queue.deleted[0].ReceiptHandle) != "h" || len(store.deletes) != 0 {
		t.Fatal("skip cleanup must strip the handle but leave the payload")
	}
}

func TestDeleteDisabledGuard(t *testing.T) {
	queue := &scriptedQueue{}
	client, err := New(queue, NewConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	handle := codec.EncodeAckToken(testContainer, "Q1/k", "h", Separator)
	if _, err := client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)}); !errors.Is(err, ErrExtensionDisabled) {
		t.Fatalf("expected ErrExtensionDisabled, got %v", err)
	}
	_, err = client.DeleteMessageBatch(context.Background(), &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String("Q1"),
		Entries: []types.DeleteMessageBatchRequestEntry{
			{Id: aws.String("1"), ReceiptHandle: aws.String("plain")},
			{Id: aws.String("2"), ReceiptHandle: aws.String(handle)},
		},
	})
	if !errors.Is(err, ErrExtensionDisabled) {
		t.Fatalf("expected ErrExtensionDisabled for batch, got %v", err)
	}
	if len(queue.deleted) != 0 || len(queue.deletedBatches) != 0 {
		t.Fatal("nothing may be deleted when the guard trips")
	}
}

func TestDeleteMessageValidation(t *testing.T) {
	client := newEnabledClient(t, &scriptedQueue{}, newRecordingStore())
	ctx := context.Background()
	if _, err := client.DeleteMessage(ctx, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("nil input: %v", err)
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String("Q1")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing handle: %v", err)
	}
	if _, err := client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{QueueUrl: aws.String("Q1")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty batch: %v", err)
	}
	if _, err := client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String("Q1"),
		Entries:  []types.DeleteMessageBatchRequestEntry{{Id: aws.String("1")}},
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("entry without handle: %v", err)
	}
}

func TestDeleteMessageBatchPartialFailure(t *testing.T) {
	store := newRecordingStore()
	queue := &scriptedQueue{deleteBatchOut: &sqs.DeleteMessageBatchOutput{
		Successful: []types.DeleteMessageBatchResultEntry{{Id: aws.String("1")}, {Id: aws.String("3")}},
		Failed:     []types.BatchResultErrorEntry{{Id: aws.String("2"), Code: aws.String("ReceiptHandleIsInvalid"), SenderFault: true}},
	}}
	client := newEnabledClient(t, queue, store, WithMaxConcurrency(2))
	entries := []types.DeleteMessageBatchRequestEntry{
		{Id: aws.String("1"), ReceiptHandle: aws.String(codec.EncodeAckToken(testContainer, "Q1/one", "h1", Separator))},
		{Id: aws.String("2"), ReceiptHandle: aws.String(codec.EncodeAckToken(testContainer, "Q1/two", "h2", Separator))},
		{Id: aws.String("3"), ReceiptHandle: aws.String(codec.EncodeAckToken(testContainer, "Q1/three", "h3", Separator))},
	}
	out, err := client.DeleteMessageBatch(context.Background(), &sqs.DeleteMessageBatchInput{QueueUrl: aws.String("Q1"), Entries: entries})
	if err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if out != queue.deleteBatchOut {
		t.Fatal("queue output must be returned unchanged")
	}
	for i, entry := range queue.deletedBatches[0].Entries {
		want := []string{"h1", "h2", "h3"}[i]
		if aws.ToString(entry.ReceiptHandle) != want {
			t.Fatalf("entry %d forwarded %q, want %q", i, aws.ToString(entry.ReceiptHandle), want)
		}
	}
	keys := store.deletedKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 store deletes, got %v", keys)
	}
	seen := map[string]bool{}
	for _, key := range keys {
		seen[key] = true
	}
	if !seen["Q1/one"] || !seen["Q1/three"] || seen["Q1/two"] {
		t.Fatalf("unexpected store deletes %v", keys)
	}
	if !strings.Contains(aws.ToString(entries[0].ReceiptHandle), Separator) {
		t.Fatal("caller entries were mutated")
	}
}

func TestDeleteMessageBatchNilQueueOutput(t *testing.T) {
	store := newRecordingStore()
	queue := &scriptedQueue{}
	client := newEnabledClient(t, queue, store)
	entries := []types.DeleteMessageBatchRequestEntry{
		{Id: aws.String("1"), ReceiptHandle: aws.String(codec.EncodeAckToken(testContainer, "Q1/one", "h1", Separator))},
	}
	out, err := client.DeleteMessageBatch(context.Background(), &sqs.DeleteMessageBatchInput{QueueUrl: aws.String("Q1"), Entries: entries})
	if err != nil || out != nil {
		t.Fatalf("expected the nil queue output passed through, got %+v, %v", out, err)
	}
	if keys := store.deletedKeys(); len(keys) != 0 {
		t.Fatalf("payloads must stay when the queue reports no result, got %v", keys)
	}
}

func TestChangeMessageVisibilityStripsCompositeHandle(t *testing.T) {
	queue := &scriptedQueue{}
	client := newEnabledClient(t, queue, newRecordingStore())
	handle := codec.EncodeAckToken(testContainer, "Q1/k", "orig", Separator)
	if _, err := client.ChangeMessageVisibility(context.Background(), &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String("Q1"),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 60,
	}); err != nil {
		t.Fatalf("change visibility: %v", err)
	}
	if aws.ToString(queue.visibility[0].ReceiptHandle) != "orig" || queue.visibility[0].VisibilityTimeout != 60 {
		t.Fatalf("unexpected forwarded input %+v", queue.visibility[0])
	}
	if _, err := client.ChangeMessageVisibilityBatch(context.Background(), &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String("Q1"),
		Entries: []types.ChangeMessageVisibilityBatchRequestEntry{
			{Id: aws.String("a"), ReceiptHandle: aws.String(handle)},
			{Id: aws.String("b"), ReceiptHandle: aws.String("plain")},
		},
	}); err != nil {
		t.Fatalf("change visibility batch: %v", err)
	}
	forwarded := queue.visibilityBatch[0].Entries
	if aws.ToString(forwarded[0].ReceiptHandle) != "orig" || aws.ToString(forwarded[1].ReceiptHandle) != "plain" {
		t.Fatalf("unexpected forwarded batch %+v", forwarded)
	}

	client.Config().DisableLargePayloadSupport()
	_, err := client.ChangeMessageVisibility(context.Background(), &sqs.ChangeMessageVisibilityInput{QueueUrl: aws.String("Q1"), ReceiptHandle: aws.String(handle)})
	if !errors.Is(err, ErrExtensionDisabled) {
		t.Fatalf("expected ErrExtensionDisabled, got %v", err)
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := opError("send_message", "Q1", "e1", ErrStoreUpload, errors.New("boom"))
	if got := err.Error(); got != "sqsext: send_message Q1 entry e1: store upload failed: boom" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, ErrStoreUpload) || errors.Is(err, ErrStoreDownload) {
		t.Fatal("kind must match exactly one sentinel")
	}
}
