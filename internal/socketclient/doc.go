// Package socketclient provides a reconnecting WebSocket client for
// the relay. It keeps one chat exchange in flight at a time, batches
// streamed deltas for display and resumes its session after a
// reconnect.
package socketclient
