// ABOUTME: Processing states and the Outcome reported for one envelope.
// ABOUTME: Failure states carry the classified error that produced them.

package pipeline

import (
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
)

// State is a step of the processing state machine.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateContextFetched  State = "CONTEXT_FETCHED"
	StateCompleted       State = "COMPLETED_BY_PROVIDER"
	StatePersisted       State = "PERSISTED"
	StatePublished       State = "PUBLISHED"
	StateAcked           State = "ACKED"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateFailedPermanent State = "FAILED_PERMANENT"
)

// Terminal reports whether the unit of work is resolved from the
// consumer's point of view.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateFailedPermanent
}

// Outcome is the result of processing one envelope.
type Outcome struct {
	Key       string // idempotency key; empty if the envelope never decoded
	UserID    string
	State     State
	Outbound  *envelope.Outbound
	Payload   []byte // published bytes
	Duplicate bool   // result was already persisted and has been republished
	Err       error
}

// Succeeded reports whether the envelope was published.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil && o.State == StatePublished
}

// Retryable reports whether the failure should be left for redelivery.
func (o *Outcome) Retryable() bool {
	return o.State == StateFailedRetryable
}

// Permanent reports whether the failure must be dead-lettered.
func (o *Outcome) Permanent() bool {
	return o.State == StateFailedPermanent
}

func failedState(err error) State {
	if failure.IsPermanent(err) {
		return StateFailedPermanent
	}
	return StateFailedRetryable
}
