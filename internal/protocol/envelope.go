// Package protocol defines the message envelope exchanged between the page,
// the content relay and the background process, together with the closed
// error taxonomy carried in structured error responses.
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// CurrentVersion is stamped on every envelope created by this module.
	CurrentVersion = "2.0.0"
	// MinimumVersion is the oldest sender version still accepted.
	MinimumVersion = "1.0.0"
	// DefaultMaxAge bounds how old an inbound timestamp may be.
	DefaultMaxAge = 30 * time.Second
)

// Envelope is the wire shape of every protocol message. Version and Timestamp
// are optional so that legacy senders which omit them are still accepted.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Version   string          `json:"version,omitempty"`
	Timestamp *int64          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// set by Decode when the field is present but not of its wire type
	badVersion   bool
	badTimestamp bool
}

// Decode parses raw bytes into an envelope. ok is false when the input is not
// a protocol message at all (not an object or no string type field); such
// input must be ignored without logging.
func Decode(raw []byte) (env *Envelope, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	rawType, present := fields["type"]
	if !present {
		return nil, false
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || typ == "" {
		return nil, false
	}

	env = &Envelope{Type: typ}
	if v, present := fields["requestId"]; present {
		_ = json.Unmarshal(v, &env.RequestID)
	}
	if v, present := fields["version"]; present && string(v) != "null" {
		if err := json.Unmarshal(v, &env.Version); err != nil {
			env.badVersion = true
		}
	}
	if v, present := fields["timestamp"]; present && string(v) != "null" {
		var ts int64
		if err := json.Unmarshal(v, &ts); err != nil {
			env.badTimestamp = true
		} else {
			env.Timestamp = &ts
		}
	}
	if v, present := fields["payload"]; present && string(v) != "null" {
		env.Payload = v
	}
	return env, true
}

// NewEnvelope completes a partially populated envelope: a missing version is
// set to CurrentVersion, a missing timestamp to now and a missing request id
// to a freshly generated one.
func NewEnvelope(partial Envelope, now time.Time) *Envelope {
	env := partial
	if env.Version == "" {
		env.Version = CurrentVersion
	}
	if env.Timestamp == nil {
		ts := now.UnixMilli()
		env.Timestamp = &ts
	}
	if env.RequestID == "" {
		env.RequestID = NewRequestID(now)
	}
	return &env
}

// WithPayload marshals v into the envelope payload.
func (e *Envelope) WithPayload(v any) (*Envelope, error) {
	if v == nil {
		e.Payload = nil
		return e, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	e.Payload = data
	return e, nil
}

// DecodePayload unmarshals the payload into v. An empty payload leaves v
// untouched.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

var requestSeq atomic.Uint64

// NewRequestID returns "<unix-ms>-<seq>-<random>". The millisecond prefix keeps
// ids roughly ordered, the sequence separates ids minted in the same
// millisecond and the random suffix keeps them unique across processes.
func NewRequestID(now time.Time) string {
	seq := requestSeq.Add(1)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(seq, 36) + "-" + suffix
}

// IsVersionSupported reports whether v is at least MinimumVersion. An empty
// version comes from a legacy sender and is accepted; a malformed one is not.
func IsVersionSupported(v string) bool {
	if v == "" {
		return true
	}
	got, ok := parseVersion(v)
	if !ok {
		return false
	}
	min, _ := parseVersion(MinimumVersion)
	for i := range got {
		if got[i] != min[i] {
			return got[i] > min[i]
		}
	}
	return true
}

// IsTimestampValid reports whether ts (unix ms) lies within
// (now-maxAge, now]. Stale and future timestamps are both rejected; a nil
// timestamp is accepted.
func IsTimestampValid(ts *int64, maxAge time.Duration, now time.Time) bool {
	if ts == nil {
		return true
	}
	nowMs := now.UnixMilli()
	return *ts > nowMs-maxAge.Milliseconds() && *ts <= nowMs
}

// VersionSupported is IsVersionSupported for a decoded envelope. A version
// that was sent with the wrong JSON type is never supported.
func (e *Envelope) VersionSupported() bool {
	return !e.badVersion && IsVersionSupported(e.Version)
}

// TimestampValid is IsTimestampValid for a decoded envelope. A timestamp that
// was sent with the wrong JSON type is never valid.
func (e *Envelope) TimestampValid(maxAge time.Duration, now time.Time) bool {
	return !e.badTimestamp && IsTimestampValid(e.Timestamp, maxAge, now)
}

func parseVersion(v string) ([3]int, bool) {
	var out [3]int
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
