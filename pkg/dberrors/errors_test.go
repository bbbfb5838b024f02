package dberrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCorruptionErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("failed to open db: %w", Corrupt("/data/chunk-000000.000000", "bad footer magic %x", 0xdead))

	if !errors.Is(err, ErrCorruptDatabase) {
		t.Fatalf("expected errors.Is(err, ErrCorruptDatabase), got %v", err)
	}

	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptionError in chain")
	}
	if ce.Path != "/data/chunk-000000.000000" {
		t.Fatalf("unexpected path %q", ce.Path)
	}
	if ce.Reason != "bad footer magic dead" {
		t.Fatalf("unexpected reason %q", ce.Reason)
	}
}

func TestCorruptionErrorWithoutPath(t *testing.T) {
	err := Corrupt("", "writer checkpoint is %d but no chunks exist", 80)
	want := "eventdb: corrupted database: writer checkpoint is 80 but no chunks exist"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
