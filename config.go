package sqsext

import (
	"fmt"
	"strings"
	"sync"

	"pkt.systems/sqsext/blob"
	"pkt.systems/sqsext/internal/codec"
)

// Wire constants shared with every reader and writer of pointer messages.
const (
	ReservedAttributeName       = codec.ReservedAttributeName
	LegacyReservedAttributeName = codec.LegacyReservedAttributeName
	Separator                   = codec.Separator
	Scheme                      = codec.Scheme
	DefaultMessageSizeThreshold = codec.DefaultMessageSizeThreshold
)

// Config holds the large payload policy. It is safe for concurrent use, but
// reconfiguring while operations are in flight gives no ordering guarantee
// beyond each operation seeing one consistent snapshot.
type Config struct {
	mu                 sync.RWMutex
	enabled            bool
	alwaysThroughStore bool
	threshold          int64
	prefixKeyWithQueue bool
	keyPrefix          string
	store              blob.Store
	container          string
}

// NewConfig returns a Config with defaults applied and support disabled.
func NewConfig() *Config {
	c := &Config{
		threshold:          DefaultMessageSizeThreshold,
		prefixKeyWithQueue: true,
	}
	c.DisableLargePayloadSupport()
	return c
}

// EnableLargePayloadSupport turns on offloading into container of store.
func (c *Config) EnableLargePayloadSupport(store blob.Store, container string) error {
	if store == nil {
		return fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if strings.TrimSpace(container) == "" {
		return fmt.Errorf("%w: container name is required", ErrConfiguration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
	c.container = container
	c.enabled = true
	return nil
}

// DisableLargePayloadSupport clears the store and container.
func (c *Config) DisableLargePayloadSupport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = nil
	c.container = ""
	c.keyPrefix = ""
	c.enabled = false
}

func (c *Config) IsLargePayloadSupportEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Config) IsAlwaysThroughStore() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alwaysThroughStore
}

// SetAlwaysThroughStore forces every message through the store regardless of size.
func (c *Config) SetAlwaysThroughStore(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alwaysThroughStore = v
}

// MessageSizeThreshold is the largest body, in bytes, sent inline.
func (c *Config) MessageSizeThreshold() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

func (c *Config) SetMessageSizeThreshold(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: message size threshold must be >= 0, got %d", ErrConfiguration, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = n
	return nil
}

func (c *Config) IsPrefixKeyWithQueue() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefixKeyWithQueue
}

// SetPrefixKeyWithQueue controls whether store keys start with the queue name.
func (c *Config) SetPrefixKeyWithQueue(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixKeyWithQueue = v
}

// SetKeyPrefix sets a path prepended to every composed store key, ahead of the
// queue name. Surrounding slashes are dropped.
func (c *Config) SetKeyPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyPrefix = strings.Trim(strings.TrimSpace(prefix), "/")
}

func (c *Config) KeyPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyPrefix
}

func (c *Config) Store() blob.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

func (c *Config) ContainerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.container
}

// Offloads reports whether a body of bodyLen bytes would be sent through the
// store under the current policy.
func (c *Config) Offloads(bodyLen int64) bool {
	extend, err := shouldExtend(c.snapshot(), bodyLen)
	return err == nil && extend
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	s := c.snapshot()
	if s.threshold < 0 {
		return fmt.Errorf("%w: message size threshold must be >= 0", ErrConfiguration)
	}
	if s.enabled && (s.store == nil || s.container == "") {
		return fmt.Errorf("%w: enabled support requires both store and container", ErrConfiguration)
	}
	if !s.enabled && (s.store != nil || s.container != "") {
		return fmt.Errorf("%w: store set while support is disabled", ErrConfiguration)
	}
	return nil
}

type configSnapshot struct {
	enabled            bool
	alwaysThroughStore bool
	threshold          int64
	prefixKeyWithQueue bool
	keyPrefix          string
	store              blob.Store
	container          string
}

func (c *Config) snapshot() configSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return configSnapshot{
		enabled:            c.enabled,
		alwaysThroughStore: c.alwaysThroughStore,
		threshold:          c.threshold,
		prefixKeyWithQueue: c.prefixKeyWithQueue,
		keyPrefix:          c.keyPrefix,
		store:              c.store,
		container:          c.container,
	}
}

func (s configSnapshot) composeKey(queueID string) string {
	return codec.PrefixKey(s.keyPrefix, codec.ComposeStoreKey(queueID, s.prefixKeyWithQueue))
}

func (s configSnapshot) policy() codec.Policy {
	return codec.Policy{AlwaysThroughStore: s.alwaysThroughStore, Threshold: s.threshold}
}
