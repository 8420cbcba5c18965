// Package pipeline drives one inbound envelope through the processing state
// machine: validation, context fetch, completion, idempotent persistence and
// publication. It reports an Outcome the consumer maps to ack, withheld ack,
// or dead-letter.
package pipeline
