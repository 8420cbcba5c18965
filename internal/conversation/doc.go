// Package conversation is the relay's only path to conversation history.
//
// # History
//
// History is the context store client. Fetch returns the bounded context
// window for a user (empty for unknown users) and Append adds a single turn.
// Unreadable stored history is logged and treated as empty so a bad row
// never blocks new messages.
//
// # Writer
//
// Writer is the result writer. For each answered envelope it commits the
// inbound turn, the response turn, the summary update and the idempotency
// record in one store transaction:
//
//	res, err := writer.Write(ctx, in, completion, elapsed, time.Now())
//
// The serialized outbound envelope is stored with the idempotency record.
// A redelivered envelope receives the stored bytes back with
// Result.Duplicate set, so republishing it yields identical content.
//
// Storage failures surface as failure.TransientDependencyError.
package conversation
