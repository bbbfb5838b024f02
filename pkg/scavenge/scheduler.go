package scavenge

import (
	"context"
	"errors"
	"time"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/listener"
)

// Scheduler runs a scavenge on a fixed interval.
type Scheduler struct {
	ticker *time.Ticker
	l      *listener.Listener[time.Time]
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(s *Scavenger, interval time.Duration) *Scheduler {
	sc := &Scheduler{ticker: time.NewTicker(interval)}
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	sc.l = listener.New("scavenge-scheduler", sc.ticker.C, func(time.Time) error {
		_, err := s.Run(sc.ctx)
		switch {
		case errors.Is(err, dberrors.ErrScavengeRunning):
			s.log.Info("skipping scheduled scavenge, one is already running")
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, dberrors.ErrClosed):
			return listener.ErrStop
		}
		return err
	}, listener.WithStopHandler[time.Time](sc.ticker.Stop))
	return sc
}

func (sc *Scheduler) Start(ctx context.Context) {
	context.AfterFunc(ctx, sc.cancel)
	sc.l.Start(ctx)
}

// Stop cancels a run in progress and waits for it to return.
func (sc *Scheduler) Stop() {
	sc.cancel()
	sc.l.Stop()
}
