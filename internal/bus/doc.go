// Package bus defines the message channel abstractions the relay consumes
// from and publishes to, plus the response publisher and dead-letter sink
// built on them. The memory subpackage backs tests and single-process runs;
// the jetstream subpackage backs production deployments.
package bus
