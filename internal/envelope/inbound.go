// ABOUTME: Inbound envelope: the queued conversational message handed to the worker.
// ABOUTME: Decoding accepts RFC 3339 and naive ingress timestamps; keys are derived with BLAKE2b.

package envelope

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/coven-relay/internal/failure"
)

// Source tags where a message entered the system.
type Source string

const (
	SourceWhatsApp Source = "whatsapp"
	SourceAPI      Source = "api"
	SourceTelegram Source = "telegram"
	// SourceAI marks provider-produced turns in conversation history.
	SourceAI Source = "ai"
)

// DefaultSources are the ingress tags accepted without configuration.
var DefaultSources = []Source{SourceWhatsApp, SourceAPI, SourceTelegram}

// Inbound is one message awaiting processing. It is immutable once enqueued.
type Inbound struct {
	Source    Source    `json:"source" validate:"notblank,source"`
	UserID    string    `json:"user_id" validate:"notblank"`
	Message   string    `json:"message" validate:"notblank"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

type inboundWire struct {
	Source    Source          `json:"source"`
	UserID    string          `json:"user_id"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ingress timestamp. Values without a zone are UTC.
// An empty string yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON decodes the queue body shape.
func (in *Inbound) UnmarshalJSON(data []byte) error {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	var md Metadata
	if len(w.Metadata) > 0 {
		if err := md.UnmarshalJSON(w.Metadata); err != nil {
			return err
		}
	}
	*in = Inbound{
		Source:    w.Source,
		UserID:    w.UserID,
		Message:   w.Message,
		Timestamp: ts,
		Metadata:  md,
	}
	return nil
}

// MarshalJSON encodes the queue body shape.
func (in Inbound) MarshalJSON() ([]byte, error) {
	md, err := in.Metadata.MarshalJSON()
	if err != nil {
		return nil, err
	}
	w := inboundWire{
		Source:   in.Source,
		UserID:   in.UserID,
		Message:  in.Message,
		Metadata: md,
	}
	if !in.Timestamp.IsZero() {
		w.Timestamp = in.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// Decode parses a queue body. Malformed JSON is a ValidationError.
func Decode(body []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, failure.Validation("decoding inbound envelope", err)
	}
	return &in, nil
}

// IdempotencyKey derives the deduplication key for this envelope: the hex
// BLAKE2b-256 digest of user_id, timestamp and message separated by NUL bytes.
func (in *Inbound) IdempotencyKey() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(in.UserID))
	h.Write([]byte{0})
	if !in.Timestamp.IsZero() {
		h.Write([]byte(in.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	h.Write([]byte{0})
	h.Write([]byte(in.Message))
	return hex.EncodeToString(h.Sum(nil))
}

// ProviderHint returns the provider requested in metadata, if any.
func (in *Inbound) ProviderHint() string {
	return strings.TrimSpace(in.Metadata.GetString("provider"))
}
