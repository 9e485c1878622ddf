// Package cache implements the two-tier cache fronting upstream data:
// a bounded per-process L1 and a shared Redis L2 with keyed TTLs,
// single-flight miss deduplication and a best-effort invalidation bus.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever the envelope layout changes.
// Entries carrying an unrecognized version are treated as misses.
const SchemaVersion = 1

// Kind partitions the key space and selects the TTL tier.
type Kind string

const (
	KindBorrowRate   Kind = "borrow_rate"
	KindVolatility   Kind = "volatility"
	KindEventRisk    Kind = "event_risk"
	KindBrokerConfig Kind = "broker_config"
	KindCalculation  Kind = "calculation"
	KindMinRate      Kind = "min_rate"
)

// DefaultTTLs holds the per-kind freshness windows.
var DefaultTTLs = map[Kind]time.Duration{
	KindBorrowRate:   300 * time.Second,
	KindVolatility:   900 * time.Second,
	KindEventRisk:    3600 * time.Second,
	KindBrokerConfig: 1800 * time.Second,
	KindCalculation:  60 * time.Second,
	KindMinRate:      86400 * time.Second,
}

// ErrVersionSkew marks an envelope written by an incompatible build.
var ErrVersionSkew = errors.New("cache envelope version skew")

// Envelope is the self-describing serialized form of a cached value.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	InsertedAt    time.Time       `json:"inserted_at"`
	TTLSeconds    int64           `json:"ttl_seconds"`
}

// NewEnvelope wraps a value for storage.
func NewEnvelope(kind Kind, value any, ttl time.Duration, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal cache payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Kind:          kind,
		Payload:       payload,
		InsertedAt:    now.UTC(),
		TTLSeconds:    int64(ttl / time.Second),
	}, nil
}

// TTL returns the envelope's freshness window.
func (e Envelope) TTL() time.Duration { return time.Duration(e.TTLSeconds) * time.Second }

// ExpiresAt returns the instant the entry stops being fresh.
func (e Envelope) ExpiresAt() time.Time { return e.InsertedAt.Add(e.TTL()) }

// Fresh reports whether the entry may still be returned as a hit.
func (e Envelope) Fresh(now time.Time) bool { return !e.ExpiresAt().Before(now) }

// Encode serializes the envelope for the shared store.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses stored bytes, rejecting unknown versions.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode cache envelope: %w", err)
	}
	if e.SchemaVersion != SchemaVersion {
		return Envelope{}, fmt.Errorf("%w: got %d want %d", ErrVersionSkew, e.SchemaVersion, SchemaVersion)
	}
	return e, nil
}

// Decode unmarshals the payload into dest.
func (e Envelope) Decode(dest any) error {
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return fmt.Errorf("decode cache payload: %w", err)
	}
	return nil
}
