package sqsext

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/clock"
	"pkt.systems/sqsext/internal/correlation"
	"pkt.systems/sqsext/internal/svcfields"
)

// DefaultMaxConcurrency bounds concurrent store calls of one batch operation.
const DefaultMaxConcurrency = 16

// SQSClient is the queue method set the extended client needs and exposes.
// *sqs.Client satisfies it, and so does *Client.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

var (
	_ SQSClient = (*sqs.Client)(nil)
	_ SQSClient = (*Client)(nil)
)

// Client wraps an SQSClient and moves oversized payloads through the store
// configured on its Config.
type Client struct {
	sqs            SQSClient
	cfg            *Config
	logger         pslog.Logger
	onCleanup      CleanupWarningHandler
	maxConcurrency int
	skipCleanup    bool
	clock          clock.Clock
	metrics        *clientMetrics
	tracer         trace.Tracer
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the base logger. A logger on the call context takes precedence.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCleanupWarningHandler registers fn to observe payloads left behind by
// delete operations.
func WithCleanupWarningHandler(fn CleanupWarningHandler) Option {
	return func(c *Client) {
		c.onCleanup = fn
	}
}

// WithMaxConcurrency bounds the store calls one batch operation runs at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Client) {
		c.maxConcurrency = n
	}
}

// WithSkipStoreCleanup leaves payloads in the store when their queue entry is
// deleted. Use it when the container expires objects on its own.
func WithSkipStoreCleanup(skip bool) Option {
	return func(c *Client) {
		c.skipCleanup = skip
	}
}

// WithClock overrides the clock used for latency measurements.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// New returns a Client delegating to sqsClient. A nil cfg means NewConfig().
func New(sqsClient SQSClient, cfg *Config, opts ...Option) (*Client, error) {
	if sqsClient == nil {
		return nil, fmt.Errorf("%w: queue client is required", ErrConfiguration)
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		sqs:            sqsClient,
		cfg:            cfg,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.maxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be >= 1, got %d", ErrConfiguration, c.maxConcurrency)
	}
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client.sqsext")
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	c.metrics = newClientMetrics(c.logger)
	c.tracer = otel.Tracer("pkt.systems/sqsext")
	return c, nil
}

// Config returns the live configuration. Changes apply to subsequent calls.
func (c *Client) Config() *Config {
	return c.cfg
}

// Unwrap returns the wrapped queue client.
func (c *Client) Unwrap() SQSClient {
	return c.sqs
}

type opFinisher func(err error)

func (c *Client) startOp(ctx context.Context, op, queueURL string) (context.Context, pslog.Logger, opFinisher) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cid := correlation.Ensure(ctx)
	ctx, span := c.tracer.Start(ctx, "sqsext."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("sqsext.operation", op),
		attribute.String("sqsext.queue_url", queueURL),
		attribute.String("sqsext.correlation_id", cid),
	)

	logger := c.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("op", op, "queue", queueURL, "cid", cid)
	ctx = pslog.ContextWithLogger(ctx, logger)

	return ctx, logger, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sqsext_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (c *Client) putPayload(ctx context.Context, store blob.Store, container, key string, body []byte) error {
	begin := c.clock.Now()
	_, err := store.PutObject(ctx, container, key, bytes.NewReader(body), blob.PutOptions{
		ContentType: blob.ContentTypeOctetStream,
		Size:        int64(len(body)),
	})
	c.metrics.recordStoreCall(ctx, "put_object", c.clock.Now().Sub(begin), err)
	return err
}

func (c *Client) getPayload(ctx context.Context, store blob.Store, container, key string) (string, error) {
	begin := c.clock.Now()
	res, err := store.GetObject(ctx, container, key)
	var data []byte
	if err == nil {
		data, err = blob.ReadAll(res)
	}
	c.metrics.recordStoreCall(ctx, "get_object", c.clock.Now().Sub(begin), err)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) deletePayload(ctx context.Context, store blob.Store, container, key string) error {
	begin := c.clock.Now()
	err := store.DeleteObject(ctx, container, key)
	c.metrics.recordStoreCall(ctx, "delete_object", c.clock.Now().Sub(begin), err)
	return err
}
