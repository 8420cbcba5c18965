// Package consumer pulls inbound envelopes from a bus.Source and drives each
// through a bounded pool of workers. Success is acked, retryable failures
// are left unacked for redelivery, and permanent failures are dead-lettered
// then acked.
package consumer
