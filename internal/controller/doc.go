// Package controller implements the Connection Controller: the per-resource
// actor that owns one transport connection and shares it between
// subscribers.
//
// The Controller:
//   - Opens at most one transport for its path, optionally negotiating
//     sub-protocols first
//   - Reconnects on a fixed interval after any close or failed attempt
//   - Pings every subscriber on its own keepalive schedule and evicts the
//     ones that stop answering
//   - Tears itself down (optionally after a close delay) once the last
//     subscriber leaves
//
// All state is owned by a single goroutine that drains a mailbox of typed
// commands and events; subscriber callbacks run on per-subscriber delivery
// goroutines, never on the controller loop.
package controller
