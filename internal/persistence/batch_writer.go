// Package persistence writes the execution journal off the hot path.
package persistence

import (
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers writes and commits them in one transaction per flush.
type BatchWriter struct {
	db       *sql.DB
	log      *slog.Logger
	buffer   []WriteOp
	mu       sync.Mutex
	flushMu  sync.Mutex
	maxSize  int
	interval time.Duration
	full     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
}

// Stats are the cumulative counters of a writer.
type Stats struct {
	TotalWrites  uint64 `json:"totalWrites"`
	TotalBatches uint64 `json:"totalBatches"`
	TotalErrors  uint64 `json:"totalErrors"`
	Pending      int    `json:"pending"`
}

// NewBatchWriter starts a writer that flushes every interval or once maxSize
// operations are buffered.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, logger *slog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       db,
		log:      logger.With("component", "batch_writer"),
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		full:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch. A full buffer wakes the
// background loop; the flush itself never runs on the caller.
func (bw *BatchWriter) Write(query string, args ...any) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, WriteOp{Query: query, Args: args})
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		select {
		case bw.full <- struct{}{}:
		default:
		}
	}
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)

	tx, err := bw.db.Begin()
	if err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error("begin transaction failed", "error", err)
		return err
	}

	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			bw.log.Error("journal write failed, batch rolled back", "error", err, "ops", len(ops))
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error("commit failed", "error", err)
		return err
	}

	bw.log.Debug("flushed", "ops", len(ops))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.full:
			_ = bw.Flush()
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				bw.log.Warn("final flush failed", "error", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Stats() Stats {
	return Stats{
		TotalWrites:  bw.totalWrites.Load(),
		TotalBatches: bw.totalBatches.Load(),
		TotalErrors:  bw.totalErrors.Load(),
		Pending:      bw.Pending(),
	}
}

// Close stops the background loop after a final flush. No flush is running
// once it returns.
func (bw *BatchWriter) Close() error {
	close(bw.done)
	bw.wg.Wait()
	return nil
}
