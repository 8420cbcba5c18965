// Package relay wires the configured store, bus, providers, pipeline and
// consumer into one process and serves its HTTP and gRPC health surfaces.
package relay
