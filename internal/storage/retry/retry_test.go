package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

type stubStore struct {
	getErrs  []error
	getCalls int
	hook     func(int)

	putErrs   []error
	putCalls  int
	putBodies []string

	deleteErrs  []error
	deleteCalls int
}

func pick(errs []error, call int) error {
	if idx := call - 1; idx < len(errs) {
		return errs[idx]
	}
	return nil
}

func (s *stubStore) GetObject(context.Context, string, string) (blob.GetResult, error) {
	s.getCalls++
	if s.hook != nil {
		s.hook(s.getCalls)
	}
	if err := pick(s.getErrs, s.getCalls); err != nil {
		return blob.GetResult{}, err
	}
	return blob.GetResult{
		Reader: io.NopCloser(bytes.NewReader([]byte("payload"))),
		Info:   &blob.ObjectInfo{ETag: "etag", Size: 7},
	}, nil
}

func (s *stubStore) PutObject(_ context.Context, container, key string, body io.Reader, _ blob.PutOptions) (*blob.ObjectInfo, error) {
	s.putCalls++
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.putBodies = append(s.putBodies, string(data))
	if err := pick(s.putErrs, s.putCalls); err != nil {
		return nil, err
	}
	return &blob.ObjectInfo{Container: container, Key: key, Size: int64(len(data))}, nil
}

func (s *stubStore) DeleteObject(context.Context, string, string) error {
	s.deleteCalls++
	return pick(s.deleteErrs, s.deleteCalls)
}

func (s *stubStore) Close() error { return nil }

func transient(msg string) error {
	return blob.NewTransientError(errors.New(msg))
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil store when inner is nil")
	}
}

func TestGetObjectRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	inner := &stubStore{getErrs: []error{transient("temporary"), nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Millisecond,
	})
	res, err := wrapped.GetObject(context.Background(), "bucket", "Q1/k")
	if err != nil {
		t.Fatalf("GetObject returned error: %v", err)
	}
	data, _ := blob.ReadAll(res)
	if string(data) != "payload" {
		t.Fatalf("unexpected payload %q", data)
	}
	if inner.getCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.getCalls)
	}
	if len(fc.sleeps) != 1 || fc.sleeps[0] != 5*time.Millisecond {
		t.Fatalf("unexpected sleeps: %v", fc.sleeps)
	}
}

func TestBackoffIsCappedByMaxDelay(t *testing.T) {
	t.Parallel()

	inner := &stubStore{deleteErrs: []error{transient("a"), transient("b"), transient("c"), transient("d")}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   4 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    10 * time.Millisecond,
	})
	err := wrapped.DeleteObject(context.Background(), "bucket", "Q1/k")
	if !blob.IsTransient(err) {
		t.Fatalf("expected final transient error, got %v", err)
	}
	if inner.deleteCalls != 4 {
		t.Fatalf("expected 4 attempts, got %d", inner.deleteCalls)
	}
	want := []time.Duration{4 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}
	if len(fc.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps: %v", fc.sleeps)
	}
	for i := range want {
		if fc.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, fc.sleeps[i], want[i])
		}
	}
}

func TestStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	inner := &stubStore{deleteErrs: []error{blob.ErrNotFound, nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3})
	if err := wrapped.DeleteObject(context.Background(), "bucket", "k"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if inner.deleteCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected retry: calls=%d sleeps=%v", inner.deleteCalls, fc.sleeps)
	}
}

func TestRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	inner := &stubStore{
		getErrs: []error{transient("flaky"), transient("flaky retry")},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	if _, err := wrapped.GetObject(ctx, "bucket", "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if inner.getCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected retry after cancel: calls=%d sleeps=%v", inner.getCalls, fc.sleeps)
	}
}

func TestPutObjectReplayContract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		body          func() io.Reader
		expectedCalls int
		expectErr     error
	}{
		{
			name:          "seekable_body_is_rewound",
			body:          func() io.Reader { return bytes.NewReader([]byte("payload")) },
			expectedCalls: 2,
		},
		{
			name:          "stream_body_fails_fast",
			body:          func() io.Reader { return bytes.NewBufferString("payload") },
			expectedCalls: 1,
			expectErr:     retry.ErrNonReplayableBody,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inner := &stubStore{putErrs: []error{transient("temporary"), nil}}
			fc := &fakeClock{}
			wrapped := retry.Wrap(inner, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
			info, err := wrapped.PutObject(context.Background(), "bucket", "Q1/k", tc.body(), blob.PutOptions{})
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected %v, got %v", tc.expectErr, err)
				}
				if len(fc.sleeps) != 0 {
					t.Fatalf("expected no sleep before fail-fast, got %v", fc.sleeps)
				}
			} else {
				if err != nil {
					t.Fatalf("PutObject: %v", err)
				}
				if info.Size != int64(len("payload")) {
					t.Fatalf("unexpected info %+v", info)
				}
			}
			if inner.putCalls != tc.expectedCalls {
				t.Fatalf("expected %d calls, got %d", tc.expectedCalls, inner.putCalls)
			}
			for _, body := range inner.putBodies {
				if body != "payload" {
					t.Fatalf("unexpected replayed body %q", body)
				}
			}
		})
	}
}

func TestSingleAttemptKeepsOriginalError(t *testing.T) {
	t.Parallel()

	inner := &stubStore{putErrs: []error{transient("temporary")}}
	wrapped := retry.Wrap(inner, pslog.NoopLogger(), &fakeClock{}, retry.Config{})
	_, err := wrapped.PutObject(context.Background(), "bucket", "k", bytes.NewBufferString("x"), blob.PutOptions{})
	if errors.Is(err, retry.ErrNonReplayableBody) || !blob.IsTransient(err) {
		t.Fatalf("expected the raw transient error, got %v", err)
	}
}
