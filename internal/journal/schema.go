package journal

import "context"

// Schema creates the events table if it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_lifecycle_events (
	event_id      UUID PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	controller_id UUID NOT NULL,
	path          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	subscriber_id UUID,
	error         TEXT,
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_lifecycle_events_path_time
	ON stream_lifecycle_events (path, occurred_at);
`

const insertEvent = `
	INSERT INTO stream_lifecycle_events
		(event_id, instance_id, controller_id, path, kind, subscriber_id, error, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (event_id) DO NOTHING
`

// EnsureSchema creates the journal table and index.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}
