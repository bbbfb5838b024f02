package index

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff/v4"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/listener"
	"eventdb/pkg/memtable"
	"eventdb/pkg/persistence"
)

// freeze swaps in a new active memtable and queues the old one for flushing.
func (idx *TableIndex) freeze() {
	idx.viewMu.Lock()
	old := idx.view.Load()
	if old.active.Len() == 0 {
		idx.viewMu.Unlock()
		return
	}
	idx.view.Store(&view{
		active: memtable.New(old.active.CoveredTo()),
		frozen: append(slices.Clone(old.frozen), old.active),
		levels: old.levels,
	})
	idx.viewMu.Unlock()

	idx.logger.Debug("memtable frozen", "entries", old.active.Len(), "covered", old.active.CoveredTo())
	select {
	case idx.flushCh <- struct{}{}:
	default:
	}
}

// FlushFrozen writes every frozen memtable to a level 0 PTable, oldest first.
func (idx *TableIndex) FlushFrozen() error {
	idx.flushMu.Lock()
	defer idx.flushMu.Unlock()

	for {
		if idx.closed.Load() {
			return dberrors.ErrClosed
		}
		v := idx.view.Load()
		if len(v.frozen) == 0 {
			return nil
		}
		if err := idx.flushOne(v.frozen[0]); err != nil {
			return err
		}
	}
}

func (idx *TableIndex) flushOne(mt *memtable.Table) error {
	id := idx.manifest.GetNextTableID()
	t, err := persistence.WriteSortedSet(idx.manifest.TablePath(id), id, mt, idx.opts.BloomFPRate, idx.opts.Clock.Now(), idx.tableOptions())
	if err != nil {
		return fmt.Errorf("failed to write ptable: %w", err)
	}

	idx.viewMu.Lock()
	cur := idx.view.Load()
	levels := cloneLevels(cur.levels)
	if len(levels) == 0 {
		levels = append(levels, nil)
	}
	levels[0] = append(levels[0], t)
	if err := idx.manifest.Replace(tableInfos(levels), mt.CoveredTo()); err != nil {
		idx.viewMu.Unlock()
		t.MarkForDeletion()
		return err
	}
	idx.view.Store(&view{
		active: cur.active,
		frozen: slices.DeleteFunc(slices.Clone(cur.frozen), func(f *memtable.Table) bool { return f == mt }),
		levels: levels,
	})
	idx.viewMu.Unlock()

	idx.reportTables(levels)
	idx.logger.Info("ptable flushed", "table", t.ID(), "entries", t.Len(), "covered", t.CoveredTo())

	if len(levels[0]) > idx.opts.CompactThreshold {
		select {
		case idx.mergeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Checkpoint freezes the active memtable and flushes it synchronously.
func (idx *TableIndex) Checkpoint() error {
	idx.freeze()
	return idx.FlushFrozen()
}

// Compact merges every level holding more than the threshold into a single
// table on the next level, until no level is over the threshold.
func (idx *TableIndex) Compact() error {
	idx.compactMu.Lock()
	defer idx.compactMu.Unlock()

	for {
		if idx.closed.Load() {
			return dberrors.ErrClosed
		}
		v := idx.view.Load()
		level := -1
		for i, l := range v.levels {
			if len(l) > idx.opts.CompactThreshold {
				level = i
				break
			}
		}
		if level < 0 {
			return nil
		}
		if err := idx.mergeLevel(level, v.levels[level]); err != nil {
			return err
		}
	}
}

func (idx *TableIndex) mergeLevel(level int, inputs []*persistence.PTable) error {
	// newest first
	sources := slices.Clone(inputs)
	slices.Reverse(sources)

	id := idx.manifest.GetNextTableID()
	merged, err := persistence.Merge(idx.manifest.TablePath(id), id, sources, idx.distinct, idx.opts.BloomFPRate, idx.opts.Clock.Now(), idx.tableOptions())
	if err != nil {
		return fmt.Errorf("failed to merge level %d: %w", level, err)
	}

	idx.viewMu.Lock()
	cur := idx.view.Load()
	levels := cloneLevels(cur.levels)
	levels[level] = slices.DeleteFunc(levels[level], func(t *persistence.PTable) bool {
		return slices.Contains(inputs, t)
	})
	if len(levels) == level+1 {
		levels = append(levels, nil)
	}
	levels[level+1] = append(levels[level+1], merged)
	if err := idx.manifest.Replace(tableInfos(levels), idx.manifest.CommittedPosition()); err != nil {
		idx.viewMu.Unlock()
		merged.MarkForDeletion()
		return err
	}
	idx.view.Store(&view{active: cur.active, frozen: cur.frozen, levels: levels})
	idx.viewMu.Unlock()

	for _, t := range inputs {
		t.MarkForDeletion()
	}
	idx.m.IndexMerges.Inc()
	idx.reportTables(levels)
	idx.logger.Info("ptables merged", "level", level, "inputs", len(inputs), "table", merged.ID(), "entries", merged.Len())
	return nil
}

// distinct tells merges whether two entries sharing hash and number belong
// to different streams. An older entry whose record is gone is dropped.
func (idx *TableIndex) distinct(newer, older memtable.Entry) (bool, error) {
	olderStream, err := idx.streamAt(older.Position)
	if err != nil || olderStream == "" {
		return false, err
	}
	newerStream, err := idx.streamAt(newer.Position)
	if err != nil {
		return false, err
	}
	return newerStream != olderStream, nil
}

// Jobs returns the background flusher and merger. A job that keeps failing
// after JobRetries attempts is reported through OnFatal.
func (idx *TableIndex) Jobs() []listener.Job {
	onErr := func(name string) func(error) {
		return func(err error) {
			idx.logger.Error("index job failed", "job", name, "error", err)
			if idx.opts.OnFatal != nil {
				idx.opts.OnFatal(fmt.Errorf("index %s failed: %w", name, err))
			}
		}
	}
	flusher := listener.New("index-flusher", idx.flushCh, func(struct{}) error {
		return stopOnClose(idx.retry("flush", idx.FlushFrozen))
	}, listener.WithErrorHandler[struct{}](onErr("flush")))
	merger := listener.New("index-merger", idx.mergeCh, func(struct{}) error {
		return stopOnClose(idx.retry("merge", idx.Compact))
	}, listener.WithErrorHandler[struct{}](onErr("merge")))
	return []listener.Job{flusher, merger}
}

func (idx *TableIndex) retry(name string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if errors.Is(err, dberrors.ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			idx.logger.Warn("index job attempt failed", "job", name, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithMaxRetries(idx.opts.Backoff(), uint64(max(idx.opts.JobRetries, 0))))
}

// RunJobs runs the background jobs until ctx is done.
func (idx *TableIndex) RunJobs(ctx context.Context) error {
	jobs := idx.Jobs()
	for _, j := range jobs {
		j.Start(ctx)
	}
	<-ctx.Done()
	for _, j := range jobs {
		j.Stop()
	}
	return nil
}

func cloneLevels(levels [][]*persistence.PTable) [][]*persistence.PTable {
	out := make([][]*persistence.PTable, len(levels))
	for i, l := range levels {
		out[i] = slices.Clone(l)
	}
	return out
}

func tableInfos(levels [][]*persistence.PTable) [][]persistence.TableInfo {
	out := make([][]persistence.TableInfo, len(levels))
	for i, level := range levels {
		for _, t := range level {
			out[i] = append(out[i], persistence.TableInfo{
				ID:        t.ID(),
				File:      persistence.TableFileName(t.ID()),
				Entries:   t.Len(),
				CoveredTo: t.CoveredTo(),
			})
		}
	}
	return out
}
