// Package retry decorates a blob.Store with bounded exponential backoff for
// transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/clock"
)

// ErrNonReplayableBody is returned when a transient PutObject failure cannot
// be retried because the body cannot be rewound.
var ErrNonReplayableBody = errors.New("retry: non-replayable body")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner blob.Store, logger pslog.Logger, clk clock.Clock, cfg Config) blob.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type store struct {
	inner  blob.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	var result blob.GetResult
	err := s.withRetry(ctx, "get_object", container, key, func(ctx context.Context) error {
		var err error
		result, err = s.inner.GetObject(ctx, container, key)
		return err
	})
	return result, err
}

func (s *store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	var info *blob.ObjectInfo
	seeker, replayable := body.(io.Seeker)
	start := int64(0)
	if replayable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			replayable = false
		} else {
			start = pos
		}
	}
	attempt := 0
	err := s.withRetry(ctx, "put_object", container, key, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if !replayable {
				return ErrNonReplayableBody
			}
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("%w: rewind: %v", ErrNonReplayableBody, err)
			}
		}
		var err error
		info, err = s.inner.PutObject(ctx, container, key, body, opts)
		if err != nil && !replayable && s.cfg.MaxAttempts > 1 && blob.IsTransient(err) {
			return fmt.Errorf("%w: %w", ErrNonReplayableBody, err)
		}
		return err
	})
	return info, err
}

func (s *store) DeleteObject(ctx context.Context, container, key string) error {
	return s.withRetry(ctx, "delete_object", container, key, func(ctx context.Context) error {
		return s.inner.DeleteObject(ctx, container, key)
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, container, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrNonReplayableBody) || !blob.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage.retry.transient_error",
			"operation", op,
			"container", container,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
