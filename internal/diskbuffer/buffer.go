package diskbuffer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcore/pipeline/internal/ledger"
	"github.com/flowcore/pipeline/internal/logging"
)

// Buffer is a complete durable buffer instance: a ledger plus the
// writer and reader tasks that share it. Callers obtain one via Open,
// use Writer/Reader to move records, and call Close (or cancel the
// context passed to Run) to shut it down.
type Buffer struct {
	opts   Options
	ledger *ledger.Ledger
	writer *Writer
	reader *Reader
}

// Open wires a ledger, writer, and reader together over one directory,
// performing startup reconciliation before returning (spec.md §4.3).
func Open(opts Options) (*Buffer, error) {
	l, err := ledger.Open(ledger.Options{
		Dir:           opts.Dir,
		FlushInterval: opts.FlushInterval,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	w, err := OpenWriter(l, opts)
	if err != nil {
		return nil, err
	}

	r, err := OpenReader(l, opts)
	if err != nil {
		w.Close()
		return nil, err
	}

	return &Buffer{opts: opts, ledger: l, writer: w, reader: r}, nil
}

// Writer returns the buffer's writer half.
func (b *Buffer) Writer() *Writer { return b.writer }

// Reader returns the buffer's reader half.
func (b *Buffer) Reader() *Reader { return b.reader }

// Run drives the buffer's background maintenance (periodic forced
// ledger flushes) until ctx is cancelled, at which point it raises the
// ledger's shutdown signal so any goroutine blocked in Writer.WriteRecord
// or Reader.Next wakes with ErrShuttingDown, and returns once the flush
// loop has stopped. It does not wait for those woken callers to return.
//
// Run is optional: callers that flush explicitly after every write (or
// don't need periodic fsyncs) can skip it and just call Close directly.
func (b *Buffer) Run(ctx context.Context) error {
	interval := b.opts.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.ledger.Shutdown()
				return nil
			case <-ticker.C:
				if err := b.writer.Flush(true); err != nil {
					logging.OrDefault(b.opts.Logger).Warnf(logging.NSWriter+"periodic flush failed: %v", err)
				}
			}
		}
	})
	return g.Wait()
}

// Close flushes and closes the writer, closes the reader's file
// handle, and raises the ledger shutdown signal so no goroutine is
// left blocked.
func (b *Buffer) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	b.ledger.Shutdown()
	if werr != nil {
		return werr
	}
	return rerr
}
