// Package mailbox provides the unbounded FIFO queue used for actor mailboxes
// and per-subscriber callback delivery.
//
// Posting never blocks, so timer callbacks and transport read loops can hand
// work to a controller without waiting on it.
package mailbox
