package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"

	"github.com/rickgao/streammux/internal/lifecycle"
	"github.com/rickgao/streammux/internal/mailbox"
)

// DB is the subset of *pgxpool.Pool the writer needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config holds writer settings.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // events queued beyond this are dropped
}

// DefaultConfig returns default writer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts writer activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

type row struct {
	EventID      uuid.UUID
	ControllerID uuid.UUID
	Path         string
	Kind         string
	SubscriberID *uuid.UUID
	Error        *string
	OccurredAt   time.Time
}

// Writer batches lifecycle events into the journal table.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     DB

	input *mailbox.Buffer[lifecycle.Event]

	batch   []row
	batchMu sync.Mutex

	cancel   context.CancelFunc
	consumed chan struct{}
	wg       sync.WaitGroup

	metrics Metrics
}

var _ lifecycle.Observer = (*Writer)(nil)

// NewWriter creates a writer for db.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "journal"),
		db:     db,
		input:  mailbox.New[lifecycle.Event](cfg.BatchSize),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Observe queues e. It never blocks; events beyond BufferSize are dropped.
func (w *Writer) Observe(e lifecycle.Event) {
	if w.input.Len() >= w.cfg.BufferSize || !w.input.Post(e) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.consumed = make(chan struct{})

	w.wg.Add(1)
	go w.consumeLoop(ctx)
	go w.flushLoop(ctx)

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, writes them and stops the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	// Closing the input lets consumeLoop drain what is queued and return.
	w.input.Close()

	var err error
	if w.consumed != nil {
		select {
		case <-w.consumed:
		case <-ctx.Done():
			w.logger.Warn("journal writer stop timed out")
			err = multierr.Append(err, ctx.Err())
		}
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	if ferr := w.flush(ctx); ferr != nil {
		err = multierr.Append(err, fmt.Errorf("final flush: %w", ferr))
	}

	w.logger.Info("journal writer stopped", "inserts", w.Stats().Inserts)
	return err
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop(ctx context.Context) {
	defer close(w.consumed)

	for {
		e, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handleEvent(ctx, e)
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("periodic flush failed", "error", err)
			}
		}
	}
}

func (w *Writer) handleEvent(ctx context.Context, e lifecycle.Event) {
	r := transform(e)

	w.batchMu.Lock()
	w.batch = append(w.batch, r)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		if err := w.flush(ctx); err != nil {
			w.logger.Error("batch flush failed", "error", err)
		}
	}
}

func transform(e lifecycle.Event) row {
	r := row{
		EventID:      e.ID,
		ControllerID: e.ControllerID,
		Path:         e.Path,
		Kind:         string(e.Kind),
		OccurredAt:   e.At,
	}
	if e.ID == uuid.Nil {
		r.EventID = uuid.New()
	}
	if e.SubscriberID != uuid.Nil {
		id := e.SubscriberID
		r.SubscriberID = &id
	}
	if e.Err != nil {
		msg := e.Err.Error()
		r.Error = &msg
	}
	return r
}

// flush writes the current batch. A failed batch is dropped and counted.
func (w *Writer) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return fmt.Errorf("insert %d events: %w", len(batch), err)
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed lifecycle events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.EventID, w.cfg.InstanceID, r.ControllerID, r.Path, r.Kind,
			r.SubscriberID, r.Error, r.OccurredAt,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer func() {
		err = multierr.Append(err, results.Close())
	}()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
