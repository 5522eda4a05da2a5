// Package logging decorates a blob.Store with otel spans and structured
// trace/debug logging.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/correlation"
)

type store struct {
	inner  blob.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing and debug logging. sys names the backend
// (mem, disk, s3, aws, azure) in spans and log lines.
func Wrap(inner blob.Store, logger pslog.Logger, sys string) blob.Store {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/sqsext/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op, container, key string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "sqsext.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("sqsext.storage.operation", op),
		attribute.String("sqsext.storage.sys", s.sys),
		attribute.String("sqsext.storage.container", container),
		attribute.Bool("sqsext.storage.has_key", key != ""),
	)

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("sqsext.correlation_id", corr))
	}
	logger = logger.With("sys", s.sys, "container", container, "key", key)

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("sqsext.storage.end", trace.WithAttributes(
			attribute.String("sqsext.storage.result", result),
			attribute.Int64("sqsext.storage.duration_ms", duration),
		))
	}
}

func (s *store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	ctx, span, logger, finish := s.start(ctx, "put_object", container, key)
	defer span.End()
	begin := time.Now()

	span.SetAttributes(attribute.Int64("sqsext.storage.size_hint", opts.Size))
	logger.Trace("storage.put_object.begin", "size_hint", opts.Size, "content_type", opts.ContentType)
	info, err := s.inner.PutObject(ctx, container, key, body, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.put_object.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	var size int64
	etag := ""
	if info != nil {
		size = info.Size
		etag = info.ETag
	}
	logger.Debug("storage.put_object.success", "size", size, "etag", etag, "elapsed", time.Since(begin))
	return info, nil
}

func (s *store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	ctx, span, logger, finish := s.start(ctx, "get_object", container, key)
	defer span.End()
	begin := time.Now()

	logger.Trace("storage.get_object.begin")
	res, err := s.inner.GetObject(ctx, container, key)
	if err != nil {
		result := "error"
		if err == blob.ErrNotFound {
			result = "not_found"
		}
		finish(result, err)
		logger.Debug("storage.get_object."+result, "error", err, "elapsed", time.Since(begin))
		return res, err
	}
	finish("ok", nil)
	var size int64
	if res.Info != nil {
		size = res.Info.Size
	}
	logger.Debug("storage.get_object.success", "size", size, "elapsed", time.Since(begin))
	return res, nil
}

func (s *store) DeleteObject(ctx context.Context, container, key string) error {
	ctx, span, logger, finish := s.start(ctx, "delete_object", container, key)
	defer span.End()
	begin := time.Now()

	logger.Trace("storage.delete_object.begin")
	if err := s.inner.DeleteObject(ctx, container, key); err != nil {
		result := "error"
		if err == blob.ErrNotFound {
			result = "not_found"
		}
		finish(result, err)
		logger.Debug("storage.delete_object."+result, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Debug("storage.delete_object.success", "elapsed", time.Since(begin))
	return nil
}

func (s *store) Close() error {
	return s.inner.Close()
}
