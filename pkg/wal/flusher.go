package wal

import (
	"context"
	"errors"
	"time"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/listener"
)

// Flusher flushes the writer on a fixed interval so that appended records
// become visible to readers without an explicit Flush call.
type Flusher struct {
	ticker *time.Ticker
	l      *listener.Listener[time.Time]
}

func NewFlusher(w *Writer, interval time.Duration) *Flusher {
	f := &Flusher{ticker: time.NewTicker(interval)}
	f.l = listener.New("wal-flusher", f.ticker.C, func(time.Time) error {
		err := w.Flush()
		if errors.Is(err, dberrors.ErrWriterFailed) || errors.Is(err, dberrors.ErrClosed) {
			return listener.ErrStop
		}
		return err
	}, listener.WithStopHandler[time.Time](f.ticker.Stop))
	return f
}

func (f *Flusher) Start(ctx context.Context) { f.l.Start(ctx) }

func (f *Flusher) Stop() { f.l.Stop() }
