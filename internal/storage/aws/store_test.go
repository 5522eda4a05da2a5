package aws

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/sqsext/blob"
)

const testBucket = "sqsext-aws-test"

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket(testBucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return server, Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestAWSStoreObjectLifecycle(t *testing.T) {
	_, cfg := setupFakeS3(t)
	ctx := context.Background()
	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	payload := bytes.Repeat([]byte("a"), 262145)
	info, err := store.PutObject(ctx, testBucket, "Q1/key", bytes.NewReader(payload), blob.PutOptions{Size: int64(len(payload))})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.Container != testBucket {
		t.Fatalf("unexpected put info %+v", info)
	}
	res, err := store.GetObject(ctx, testBucket, "Q1/key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := blob.ReadAll(res)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("payload mismatch")
	}
	if err := store.DeleteObject(ctx, testBucket, "Q1/key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, testBucket, "Q1/key"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAWSStoreEnsureBucket(t *testing.T) {
	_, cfg := setupFakeS3(t)
	ctx := context.Background()
	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.EnsureBucket(ctx, testBucket); err != nil {
		t.Fatalf("ensure existing: %v", err)
	}
	if err := store.EnsureBucket(ctx, "absent"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewRequiresRegion(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without region")
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return http.StatusText(e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		notFound  bool
		retryable bool
	}{
		{name: "no_such_key", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, notFound: true},
		{name: "no_such_bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, notFound: true},
		{name: "slow_down", err: &smithy.GenericAPIError{Code: "SlowDown"}, retryable: true},
		{name: "http_404", err: statusErr{code: http.StatusNotFound}, notFound: true},
		{name: "http_503", err: statusErr{code: http.StatusServiceUnavailable}, retryable: true},
		{name: "http_403", err: statusErr{code: http.StatusForbidden}},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.notFound {
				t.Fatalf("isNotFound = %v, want %v", got, tc.notFound)
			}
			if got := isRetryable(tc.err); got != tc.retryable {
				t.Fatalf("isRetryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}
