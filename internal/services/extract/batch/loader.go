// Package batch implements the Streaming Batch Loader: a bounded-memory
// buffer that accumulates fetched records and flushes them to the
// warehouse in fixed-size batches, applying Transform immediately before
// each flush
package batch

import (
	"context"

	"rangefeed/internal/platform/logger"
	"rangefeed/internal/services/extract/domain"
)

// DefaultCapacity is the buffer ceiling B used when none is configured
const DefaultCapacity = 100_000

// Loader satisfies domain.BatchSink
type Loader struct {
	capacity  int
	buf       []domain.Record
	transform domain.Transformer
	wh        domain.Warehouse
	log       logger.Logger

	flushCount int
	loadedCount int
}

// New builds a Loader. capacity <= 0 selects DefaultCapacity
func New(transform domain.Transformer, wh domain.Warehouse, capacity int) *Loader {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Loader{
		capacity:  capacity,
		buf:       make([]domain.Record, 0, capacity),
		transform: transform,
		wh:        wh,
		log:       *logger.Named("batch"),
	}
}

var _ domain.BatchSink = (*Loader)(nil)

// Len returns the current buffer size
func (l *Loader) Len() int { return len(l.buf) }

// Accumulate appends rec to the buffer, flushing automatically once the
// buffer reaches capacity
func (l *Loader) Accumulate(ctx context.Context, rec domain.Record) error {
	l.buf = append(l.buf, rec)
	if len(l.buf) >= l.capacity {
		_, err := l.Flush(ctx)
		return err
	}
	return nil
}

// Flush applies Transform to the whole buffer and loads it into the
// warehouse, then clears the buffer and releases its backing array so
// peak memory does not accumulate across many flushes. Returns the
// number of records the warehouse reports as loaded
func (l *Loader) Flush(ctx context.Context) (int, error) {
	if len(l.buf) == 0 {
		return 0, nil
	}

	batch := l.transform.Transform(l.buf)
	n, err := l.wh.LoadBatch(ctx, batch)
	l.buf = make([]domain.Record, 0, l.capacity)
	if err != nil {
		return 0, err
	}

	l.flushCount++
	l.loadedCount += n
	l.log.Info().Int("records", n).Msg("batch: flushed")
	return n, nil
}

// FlushCount reports how many flushes (full or residual) have completed
// successfully so far in this run
func (l *Loader) FlushCount() int { return l.flushCount }

// LoadedCount reports how many records have been successfully loaded into
// the warehouse so far in this run, used to report partial progress when
// a later stage aborts the run
func (l *Loader) LoadedCount() int { return l.loadedCount }
