package blob_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"pkt.systems/sqsext/blob"
)

func TestTransientErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	if blob.IsTransient(base) {
		t.Fatal("plain error must not be transient")
	}
	transient := blob.NewTransientError(base)
	if !blob.IsTransient(transient) {
		t.Fatal("expected transient classification")
	}
	wrapped := fmt.Errorf("s3: get object: %w", transient)
	if !blob.IsTransient(wrapped) {
		t.Fatal("expected transient classification to survive wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected cause to stay reachable")
	}
	if blob.NewTransientError(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
}

type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func TestReadAllClosesReader(t *testing.T) {
	t.Parallel()

	rc := &trackingCloser{Reader: bytes.NewReader([]byte("payload"))}
	data, err := blob.ReadAll(blob.GetResult{Reader: rc})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected data %q", data)
	}
	if !rc.closed {
		t.Fatal("expected reader to be closed")
	}
	data, err = blob.ReadAll(blob.GetResult{})
	if err != nil || data != nil {
		t.Fatalf("expected empty result for nil reader, got %q %v", data, err)
	}
}
