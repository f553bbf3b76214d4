// Package transport implements the byte-stream collaborator used by
// connection controllers.
//
// A Dialer opens a Conn asynchronously and reports progress through Events:
//   - OnOpen once the handshake completes
//   - OnMessage for every text frame received
//   - OnClose exactly once when a connection that was not closed locally ends,
//     including dial failures
//
// The default Dialer is a gorilla/websocket client with optional
// transport-level ping/pong stale detection.
package transport
