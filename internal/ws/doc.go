// Package ws serves session streams over WebSocket.
//
// The package implements:
//   - Hub: fans one session's frames out to its attached clients
//   - HubManager: the hubs of all sessions, keyed by session ID
//   - Handler: upgrades stream requests and pumps frames both ways
//   - Service: turns session events into output, state_change and
//     session_dead frames
//
// A client attaching to a running session first receives the buffered
// history as one output frame and the current idle state. Input frames are
// written to the session's PTY. A resize from one client resizes the PTY
// and is relayed to the other clients so they can adopt the geometry.
// Requests for unknown or ended sessions are still upgraded; the client is
// sent session_not_found or session_dead and disconnected, so it can tell a
// permanent end from a network failure.
package ws
