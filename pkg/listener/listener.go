package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")

	// ErrStop can be returned by a handler to end the listener loop.
	ErrStop = errors.New("listener: stop requested")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Option[T any] func(*Listener[T])

// WithStopHandler runs fn once after the loop has exited.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = fn }
}

// WithErrorHandler replaces the default handler error logging.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(l *Listener[T]) { l.errHandler = fn }
}

// Listener feeds every value received on in to handler from a single goroutine.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()
	errHandler  func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
	}
	l.errHandler = func(err error) {
		slog.Error("listener handler failed", "listener", l.name, "error", err)
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped), errors.Is(err, ErrStop):
				return
			case err != nil:
				l.errHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
