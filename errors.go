package sqsext

import (
	"context"
	"errors"
	"strings"

	"pkt.systems/sqsext/internal/codec"
)

// Error taxonomy. Every error returned by Client matches exactly one of these
// with errors.Is, except queue failures which wrap the queue's own error.
var (
	// ErrValidation reports malformed caller input. Nothing was attempted.
	ErrValidation = errors.New("sqsext: validation failed")
	// ErrConfiguration reports an invalid Config or client option.
	ErrConfiguration = errors.New("sqsext: invalid configuration")
	// ErrExtensionDisabled reports an operation that needs large payload
	// support while it is disabled.
	ErrExtensionDisabled = errors.New("sqsext: large payload support disabled")
	// ErrStoreUpload reports a failed payload upload. The queue was not called.
	ErrStoreUpload = errors.New("sqsext: store upload failed")
	// ErrStoreDownload reports a failed payload download during receive.
	ErrStoreDownload = errors.New("sqsext: store download failed")
	// ErrMalformedURI reports a pointer body that does not parse. It is always
	// wrapped in ErrStoreDownload.
	ErrMalformedURI = codec.ErrMalformedURI
)

// OpError carries the operation context of a failure. Kind is one of the
// taxonomy sentinels, or nil when Err came from the queue.
type OpError struct {
	Op       string
	QueueURL string
	Entry    string
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("sqsext: ")
	b.WriteString(e.Op)
	if e.QueueURL != "" {
		b.WriteString(" ")
		b.WriteString(e.QueueURL)
	}
	if e.Entry != "" {
		b.WriteString(" entry ")
		b.WriteString(e.Entry)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(strings.TrimPrefix(e.Kind.Error(), "sqsext: "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the taxonomy kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func opError(op, queueURL, entry string, kind, err error) error {
	return &OpError{Op: op, QueueURL: queueURL, Entry: entry, Kind: kind, Err: err}
}

func queueError(op, queueURL string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, QueueURL: queueURL, Err: err}
}

// CleanupWarning describes a payload that could not be removed after its
// queue entry was deleted. The queue operation itself succeeded.
type CleanupWarning struct {
	Op        string
	QueueURL  string
	EntryID   string
	Container string
	Key       string
	Err       error
}

func (w CleanupWarning) String() string {
	var b strings.Builder
	b.WriteString("sqsext: ")
	b.WriteString(w.Op)
	b.WriteString(": payload ")
	b.WriteString(w.Container)
	b.WriteString("/")
	b.WriteString(w.Key)
	b.WriteString(" not removed")
	if w.Err != nil {
		b.WriteString(": ")
		b.WriteString(w.Err.Error())
	}
	return b.String()
}

// CleanupWarningHandler receives cleanup warnings. It runs on the goroutine
// that performed the store delete and must not block for long.
type CleanupWarningHandler func(ctx context.Context, warning CleanupWarning)
