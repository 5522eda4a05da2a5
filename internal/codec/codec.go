// Package codec holds the wire contract for offloaded payloads: the reserved
// attribute, the pointer body format and the composite receipt handle.
package codec

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Wire constants. Writers and readers must agree on every value here.
const (
	ReservedAttributeName       = "LargePayloadSize"
	LegacyReservedAttributeName = "SQSLargePayloadSize"
	ReservedAttributeDataType   = "Number"
	Separator                   = "-..SEPARATOR..-"
	Scheme                      = "s3"

	DefaultMessageSizeThreshold int64 = 262144
)

// ReservedAttributeNames lists every attribute name that marks a pointer message.
var ReservedAttributeNames = []string{ReservedAttributeName, LegacyReservedAttributeName}

// ErrMalformedURI reports a pointer body that is not a valid store URI.
var ErrMalformedURI = errors.New("codec: malformed store uri")

// Policy is the subset of configuration that drives the extension decision.
type Policy struct {
	AlwaysThroughStore bool
	Threshold          int64
}

// Location addresses a stored payload.
type Location struct {
	Container string
	Key       string
}

// String renders the location as a pointer body.
func (l Location) String() string {
	return BuildPointerBody(l.Container, l.Key)
}

// AckToken is a decoded receipt handle. Extended is false for plain handles.
type AckToken struct {
	Location
	Original string
	Extended bool
}

// NeedsExtension reports whether a body of bodyLen bytes must go through the store.
func NeedsExtension(bodyLen int64, policy Policy) bool {
	return policy.AlwaysThroughStore || bodyLen > policy.Threshold
}

// ComposeStoreKey returns a fresh random key, prefixed with queueID when
// prefix is set and queueID is non-empty.
func ComposeStoreKey(queueID string, prefix bool) string {
	id := uuid.NewString()
	queueID = strings.Trim(queueID, "/")
	if prefix && queueID != "" {
		return queueID + "/" + id
	}
	return id
}

// PrefixKey joins prefix and key with a single slash. An empty prefix leaves
// key unchanged.
func PrefixKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + strings.TrimPrefix(key, "/")
}

// QueueIDFromURL maps a queue destination to the identifier used in store keys.
// SQS queue URLs reduce to the queue name; anything else is used verbatim.
func QueueIDFromURL(queueURL string) string {
	queueURL = strings.TrimSpace(queueURL)
	if !strings.HasPrefix(queueURL, "http://") && !strings.HasPrefix(queueURL, "https://") {
		return queueURL
	}
	u, err := url.Parse(queueURL)
	if err != nil {
		return queueURL
	}
	p := strings.Trim(u.Path, "/")
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		p = p[idx+1:]
	}
	if p == "" {
		return u.Host
	}
	return p
}

// BuildPointerBody renders s3://container/key.
func BuildPointerBody(container, key string) string {
	return Scheme + "://" + container + "/" + key
}

// ParseStoreURI splits a pointer body into container and key.
func ParseStoreURI(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	if u.Scheme != Scheme {
		return Location{}, fmt.Errorf("%w: scheme %q, want %q", ErrMalformedURI, u.Scheme, Scheme)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("%w: missing container in %q", ErrMalformedURI, raw)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return Location{}, fmt.Errorf("%w: missing key in %q", ErrMalformedURI, raw)
	}
	return Location{Container: u.Host, Key: key}, nil
}

// EncodeAckToken joins a store location and the queue's receipt handle.
func EncodeAckToken(container, key, original, sep string) string {
	return container + "/" + key + sep + original
}

// DecodeAckToken reverses EncodeAckToken. Tokens that do not split into exactly
// two parts, or whose location part does not parse, are returned as plain handles.
func DecodeAckToken(token, sep string) AckToken {
	plain := AckToken{Original: token}
	if sep == "" {
		return plain
	}
	parts := strings.Split(token, sep)
	if len(parts) != 2 {
		return plain
	}
	loc, ok := parseLocation(parts[0])
	if !ok {
		return plain
	}
	return AckToken{Location: loc, Original: parts[1], Extended: true}
}

func parseLocation(s string) (Location, bool) {
	if strings.HasPrefix(s, Scheme+"://") {
		loc, err := ParseStoreURI(s)
		return loc, err == nil
	}
	container, key, ok := strings.Cut(s, "/")
	if !ok || container == "" || key == "" {
		return Location{}, false
	}
	return Location{Container: container, Key: key}, true
}

// IsReservedAttribute reports whether name marks a pointer message.
func IsReservedAttribute(name string) bool {
	for _, reserved := range ReservedAttributeNames {
		if name == reserved {
			return true
		}
	}
	return false
}
