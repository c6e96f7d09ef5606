// Package protocol owns the wire contract of the link transport.
//
// Ownership boundary:
// - way: packet purpose codes and the reserved control range
// - frame: fixed packet header and body chunk headers
// - crypt: channel ciphers and key agreement
// - body: streamed body variants
// - packet: the framed unit exchanged on a channel
// - tlv: field records carried by the handshake payloads
// - session: handshake payloads, reliability and transport-security config
package protocol
