// Package store persists conversation history for the relay.
//
// # Data Model
//
//   - Conversation: one summary row per user (last_activity, message_count,
//     last_message, last_response)
//   - Turn: one message or provider response, ordered per user by seq
//   - ExchangeRecord: the idempotency record written with each committed
//     exchange, holding the serialized outbound envelope
//
// # Write Discipline
//
// Conversations are append-only. CommitExchange writes both turns of an
// exchange, bumps message_count by two and records the idempotency key in a
// single transaction, so message_count always equals the number of turns.
// The SQLite store uses one connection, which serializes writers.
//
// Turn timestamps are assigned by the store and clamped so they never go
// backwards within a conversation.
//
// # Schema
//
// Migrations live in the migrations subpackage and are applied with
// golang-migrate on open.
package store
