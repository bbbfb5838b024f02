package main

import (
	"context"
	"fmt"
	"log/slog"

	"eventdb/pkg/checkpoint"
	"eventdb/pkg/scavenge"
	"eventdb/pkg/store"
)

// runScavenge waits for the index to cover the whole log first, since
// chunks past the indexed position are skipped.
func runScavenge(ctx context.Context, es *store.Store) (scavenge.Result, error) {
	writer, err := es.ReadCheckpoint(checkpoint.Writer)
	if err != nil {
		return scavenge.Result{}, err
	}
	if err := es.WaitIndexed(ctx, writer); err != nil {
		return scavenge.Result{}, fmt.Errorf("failed to wait for the index: %w", err)
	}
	slog.Info("index caught up, scavenging", "position", writer)
	return es.Scavenge(ctx)
}
