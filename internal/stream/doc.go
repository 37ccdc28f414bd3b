// Package stream is the client side of a terminal session stream.
//
// The package implements:
//   - ConnectionManager: owns the one live channel of a session, reconnects
//     after transient failures and stops for good on session_dead or
//     session_not_found
//   - ResizeSynchronizer: turns viewport pixels into cols/rows, filters
//     jitter, debounces bursts and suppresses resize ping-pong between two
//     clients attached to the same session
//   - VisibilityReconciler: heals the connection and geometry when the host
//     comes back to the foreground or rotates
//   - Controller: wires the three together for one terminal view
//
// Every ConnectionManager runs a single event loop. Transport goroutines
// post events tagged with the generation of the channel they belong to;
// events from an older generation are dropped.
package stream
