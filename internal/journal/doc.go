// Package journal persists controller lifecycle events to PostgreSQL.
//
// The journal is a lifecycle.Observer. Events are queued without blocking the
// controller and written in batches with append-only semantics; replayed
// event IDs are skipped with ON CONFLICT DO NOTHING.
package journal
