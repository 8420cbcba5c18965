// Package envelope defines the messages that flow through the relay: the
// queued Inbound envelope, the published Outbound envelope, and the ordered
// Metadata mapping both carry.
//
// Every Inbound envelope has a deterministic idempotency key so redelivered
// copies can be recognized after the first copy has been stored.
package envelope
