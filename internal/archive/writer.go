package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/stream"
)

const insertMessage = `
	INSERT INTO messages (id, room_id, sender_id, content, created_at, received_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
`

// DB is the part of pgxpool.Pool the writer uses.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Observer receives flush outcomes, e.g. for metrics.
type Observer interface {
	Flushed(inserted, conflicts int, d time.Duration)
	FlushFailed(n int)
}

type nopObserver struct{}

func (nopObserver) Flushed(int, int, time.Duration) {}
func (nopObserver) FlushFailed(int)                 {}

// Config configures a Writer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Metrics tracks writer performance.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

type row struct {
	model.Message
	ReceivedAt time.Time
}

// Writer archives messages.
type Writer struct {
	cfg      Config
	db       DB
	logger   *slog.Logger
	observer Observer

	input *stream.Buffer[row]

	batch   []row
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer. observer may be nil.
func NewWriter(cfg Config, db DB, observer Observer, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Writer{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		observer: observer,
		input:    stream.NewBuffer[row](cfg.BatchSize),
		batch:    make([]row, 0, cfg.BatchSize),
	}
}

// Add queues m for archiving. Returns false after Stop.
func (w *Writer) Add(m model.Message) bool {
	return w.input.Push(row{Message: m, ReceivedAt: time.Now()})
}

// Start begins consuming queued messages.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	if w.cfg.FlushInterval > 0 {
		w.wg.Add(1)
		go w.flushLoop(time.NewTicker(w.cfg.FlushInterval))
	}

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued messages, flushes, and stops the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	// Closing the input lets consumeLoop drain what is queued and exit.
	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("archive writer stopped")
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	w.flush()
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// Pending returns the number of messages not yet flushed.
func (w *Writer) Pending() int {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.input.Len() + len(w.batch)
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		r, ok := w.input.Pop()
		if !ok {
			return
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, r)
		shouldFlush := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if shouldFlush {
			w.flush()
		}
	}
}

func (w *Writer) flushLoop(ticker *time.Ticker) {
	defer w.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		w.observer.FlushFailed(len(batch))
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	elapsed := time.Since(start)
	w.observer.Flushed(len(batch)-conflicts, conflicts, elapsed)
	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", elapsed,
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertMessage, r.ID, r.RoomID, r.SenderID, r.Content, r.CreatedAt, r.ReceivedAt)
	}

	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		// Final flush after shutdown still gets a bounded attempt.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

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
