package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const envelopeVersion = 1

// Envelope wraps a stored value with its expiry for backends that have no
// native TTL support (bbolt, memory).
type Envelope struct {
	Ver       int       `json:"ver"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NewEnvelope seals value with an expiry ttl after now. A zero ttl never expires.
func NewEnvelope(value []byte, ttl time.Duration, now time.Time) *Envelope {
	env := &Envelope{
		Ver:   envelopeVersion,
		Value: append([]byte(nil), value...),
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl)
	}
	return env
}

// Expired reports whether the envelope's expiry is at or before now.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:       e.Ver,
		Value:     append([]byte(nil), e.Value...),
		ExpiresAt: e.ExpiresAt,
	}
}

// Increment treats the value as a base-10 counter and returns a copy holding
// the incremented count. The expiry is preserved.
func (e *Envelope) Increment() (*Envelope, int64, error) {
	n, err := strconv.ParseInt(string(e.Value), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("value is not a counter: %w", err)
	}
	n++
	next := e.Clone()
	next.Value = []byte(strconv.FormatInt(n, 10))
	return next, n, nil
}

// Encode serializes the envelope for byte-oriented backends.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses data produced by Encode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	return &env, nil
}
