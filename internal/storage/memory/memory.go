// Package memory is an in-process blob.Store intended for tests, local
// development and the verify command.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/clock"
	"pkt.systems/sqsext/internal/uuidv7"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Containers lists containers that exist up front. When AutoCreate is
	// false, writes to any other container fail with blob.ErrNotFound.
	Containers []string
	AutoCreate bool
	Clock      clock.Clock
}

// Store implements blob.Store in memory.
type Store struct {
	mu         sync.RWMutex
	containers map[string]map[string]*objectEntry
	autoCreate bool
	clock      clock.Clock
	closed     bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a store that creates containers on first write.
func New() *Store {
	return NewWithConfig(Config{AutoCreate: true})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	store := &Store{
		containers: make(map[string]map[string]*objectEntry),
		autoCreate: cfg.AutoCreate,
		clock:      clk,
	}
	for _, name := range cfg.Containers {
		if name = strings.TrimSpace(name); name != "" {
			store.containers[name] = make(map[string]*objectEntry)
		}
	}
	return store
}

// Close marks the store closed. Subsequent calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// CreateContainer makes container available for writes.
func (s *Store) CreateContainer(container string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[container]; !ok {
		s.containers[container] = make(map[string]*objectEntry)
	}
}

// PutObject stores or replaces the object at container/key.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("memory: put object %s/%s: nil body", container, key)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: put object %s/%s: %w", container, key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = blob.ContentTypeOctetStream
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory: store closed")
	}
	objs, ok := s.containers[container]
	if !ok {
		if !s.autoCreate {
			return nil, fmt.Errorf("memory: container %q: %w", container, blob.ErrNotFound)
		}
		objs = make(map[string]*objectEntry)
		s.containers[container] = objs
	}
	entry := &objectEntry{
		payload:     payload,
		etag:        uuidv7.NewString(),
		contentType: contentType,
		updated:     s.clock.Now(),
	}
	objs[key] = entry
	return entry.info(container, key), nil
}

// GetObject returns the payload stored at container/key.
func (s *Store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return blob.GetResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return blob.GetResult{}, fmt.Errorf("memory: store closed")
	}
	entry, ok := s.containers[container][key]
	if !ok {
		return blob.GetResult{}, blob.ErrNotFound
	}
	return blob.GetResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   entry.info(container, key),
	}, nil
}

// DeleteObject removes container/key, returning blob.ErrNotFound when absent.
func (s *Store) DeleteObject(ctx context.Context, container, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory: store closed")
	}
	objs, ok := s.containers[container]
	if !ok {
		return blob.ErrNotFound
	}
	if _, ok := objs[key]; !ok {
		return blob.ErrNotFound
	}
	delete(objs, key)
	return nil
}

// Keys lists the keys held in container in lexical order.
func (s *Store) Keys(container string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objs := s.containers[container]
	keys := make([]string, 0, len(objs))
	for key := range objs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the total number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, objs := range s.containers {
		n += len(objs)
	}
	return n
}

func (e *objectEntry) info(container, key string) *blob.ObjectInfo {
	return &blob.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
