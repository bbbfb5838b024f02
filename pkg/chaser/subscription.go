package chaser

import (
	"context"

	"eventdb/pkg/checkpoint"
)

// Subscription delivers every record from a starting position on a channel
// until its context is cancelled or a read fails.
type Subscription struct {
	ch     chan Result
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

func Subscribe(ctx context.Context, log Log, writer checkpoint.Checkpoint, from int64) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ch:     make(chan Result, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	cursor := NewCursor(log, writer, from)

	go func() {
		defer close(s.done)
		defer close(s.ch)
		for {
			res, err := cursor.ReadNext(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.err = err
				}
				return
			}
			select {
			case s.ch <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// Records is closed when the subscription ends.
func (s *Subscription) Records() <-chan Result { return s.ch }

// Err is the read error that ended the subscription, if any. Valid after Records is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close cancels the subscription and waits for its goroutine.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}
