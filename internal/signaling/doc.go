// Package signaling implements the PeerJS-compatible WebSocket signaling
// surface: connection admission, the per-connection receive loop and the
// auxiliary HTTP endpoints PeerJS clients call before connecting.
package signaling
