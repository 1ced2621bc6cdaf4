// Package store provides concurrency-safe keyed storage for connection
// and request records, plus the per-participant notification inboxes.
//
// Two implementations satisfy connection.Store: an in-memory sharded
// store for single-process deployments and a NATS JetStream KV store for
// durable multi-instance ones. Callers depend on the interface only;
// swapping implementations never changes caller contracts.
//
// A connection is addressable by both its ID and its LinkID. Exactly one
// record exists per connection; the link index maps LinkID to ID rather
// than holding a second copy, so the two lookup paths can never diverge.
package store
