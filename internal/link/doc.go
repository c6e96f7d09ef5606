// Package link runs sessions over one or more encrypted channels.
//
// A Session owns one Channel per declared channel type. Each channel has a
// read worker, a serialized writer, and a heartbeat loop that drives its
// Liveness. Control carries headers and small bodies; DataFile carries
// data-link bodies so large transfers do not stall control traffic.
//
// Clients reconnect a broken session by re-running the handshake on every
// channel with the session id; servers hold the session for the resume
// window and fail it if no Control channel returns in time.
package link
