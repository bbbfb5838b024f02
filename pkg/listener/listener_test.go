package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestListenerHandlesInOrder(t *testing.T) {
	in := make(chan int, 10)
	var (
		mu  sync.Mutex
		got []int
	)
	l := New("test", in, func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	l.Start(context.Background())

	for i := 0; i < 5; i++ {
		in <- i
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 values, got %d", len(got))
	}
}

func TestListenerReportsErrorsAndKeepsRunning(t *testing.T) {
	in := make(chan int)
	errs := make(chan error, 2)
	var handled atomic.Int32

	l := New("test", in, func(v int) error {
		handled.Add(1)
		if v < 0 {
			return errors.New("negative")
		}
		return nil
	}, WithErrorHandler[int](func(err error) { errs <- err }))
	l.Start(context.Background())

	in <- -1
	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}

	in <- 1
	l.Stop()
	if handled.Load() != 2 {
		t.Fatalf("expected 2 handled values, got %d", handled.Load())
	}
}

func TestListenerStopHandlerAndClosedInput(t *testing.T) {
	in := make(chan int)
	var stopped atomic.Bool
	l := New("test", in, func(int) error { return nil }, WithStopHandler[int](func() { stopped.Store(true) }))
	l.Start(context.Background())
	close(in)
	l.Stop()

	if !stopped.Load() {
		t.Fatal("stop handler not called")
	}
}
