// Package nats implements a client for a text-based publish/subscribe
// messaging protocol carried over a single persistent socket.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Connect to a nats://, tls://, ws:// or wss:// URL
//   - Publish, Subscribe, Request and Wait as needed
//   - Close when finished
//
// Inbound messages are decoded and dispatched by a single background
// goroutine in wire arrival order; subscription handlers run synchronously
// on that goroutine and are never invoked concurrently with each other.
// Close unblocks the dispatch goroutine even while it is mid-read, so a
// client can always be shut down promptly.
//
// Exported client APIs are safe for concurrent use. Errors are typed
// package errors created with NewError and classify connection, protocol,
// server, timeout and payload-size failures.
//
// Integration tests are environment-gated and use NATS_TEST_URI.
package nats
