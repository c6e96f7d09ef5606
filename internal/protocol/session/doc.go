// Package session owns the link-level settings and handshake envelopes shared
// by clients and servers.
//
// Ownership boundary:
// - channel types and per-type heartbeat intervals
// - reconnection attempts and backoff
// - link request/ack control envelopes carried during the handshake
// - transport security validation
package session
