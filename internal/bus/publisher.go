// ABOUTME: Response publisher and dead-letter sink built on a Publisher.
// ABOUTME: Publish failures are classified as transient so the envelope is redelivered.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/failure"
)

// ResponsePublisher emits serialized outbound envelopes.
type ResponsePublisher struct {
	pub     Publisher
	subject string
}

// NewResponsePublisher publishes to subject on pub.
func NewResponsePublisher(pub Publisher, subject string) *ResponsePublisher {
	return &ResponsePublisher{pub: pub, subject: subject}
}

// Publish sends payload unchanged.
func (p *ResponsePublisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.pub.Publish(ctx, p.subject, payload); err != nil {
		return failure.Transient(fmt.Sprintf("publishing to %s", p.subject), err)
	}
	return nil
}

// DeadLetterRecord is what the dead-letter sink stores for a failed message.
type DeadLetterRecord struct {
	Payload         json.RawMessage `json:"payload"`
	Error           string          `json:"error"`
	Code            string          `json:"code"`
	DeliveryAttempt int             `json:"delivery_attempt"`
	FailedAt        time.Time       `json:"failed_at"`
}

// DeadLetter records permanently failed messages.
type DeadLetter struct {
	pub     Publisher
	subject string
	now     func() time.Time
}

// NewDeadLetter publishes dead-letter records to subject on pub.
func NewDeadLetter(pub Publisher, subject string) *DeadLetter {
	return &DeadLetter{pub: pub, subject: subject, now: time.Now}
}

// Send records payload with the failure that made it undeliverable.
func (d *DeadLetter) Send(ctx context.Context, payload []byte, attempt int, cause error) error {
	rec := DeadLetterRecord{
		Payload:         rawPayload(payload),
		Code:            failure.Code(cause),
		DeliveryAttempt: attempt,
		FailedAt:        d.now().UTC().Truncate(time.Second),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dead-letter record: %w", err)
	}
	if err := d.pub.Publish(ctx, d.subject, data); err != nil {
		return failure.Transient(fmt.Sprintf("publishing to %s", d.subject), err)
	}
	return nil
}

// rawPayload embeds valid JSON as-is and anything else as a JSON string.
func rawPayload(payload []byte) json.RawMessage {
	if len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
