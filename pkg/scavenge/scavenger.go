package scavenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"eventdb/pkg/chunk"
	"eventdb/pkg/db"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
	"eventdb/pkg/metrics"
)

// Index is the part of the stream index the scavenger consults.
type Index interface {
	Get(stream string, number int64) (int64, error)
	IsStreamDeleted(stream string) (bool, error)
	BuiltPosition() int64
}

type Options struct {
	// Throttle is the pause between two chunks.
	Throttle time.Duration
	Metrics  *metrics.Metrics
}

// Result summarizes one scavenge run.
type Result struct {
	ChunksScavenged int   `json:"chunks_scavenged"`
	RecordsRemoved  int64 `json:"records_removed"`
	BytesReclaimed  int64 `json:"bytes_reclaimed"`
}

// Scavenger rewrites completed chunks without their dead records. Kept
// records retain their logical positions, so readers and the index are
// unaffected by a rewrite.
type Scavenger struct {
	db      *db.DB
	idx     Index
	opts    Options
	m       *metrics.Metrics
	log     *slog.Logger
	running atomic.Bool
}

func New(d *db.DB, idx Index, opts Options) *Scavenger {
	return &Scavenger{
		db:   d,
		idx:  idx,
		opts: opts,
		m:    metrics.Or(opts.Metrics),
		log:  slog.Default().With("component", "scavenger"),
	}
}

// Run scavenges every completed chunk the index fully covers. Only one run
// may be in progress at a time.
func (s *Scavenger) Run(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, dberrors.ErrScavengeRunning
	}
	defer s.running.Store(false)

	chunks, release := s.db.Manager().AcquireAll()
	defer release()

	start := time.Now()
	built := s.idx.BuiltPosition()
	st := &state{idx: s.idx, log: s.db, deleted: make(map[string]bool)}

	var res Result
	for i, c := range chunks {
		if !c.IsCompleted() || c.LogicalEnd() > built {
			break
		}
		if i > 0 && s.opts.Throttle > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.opts.Throttle):
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		removed, reclaimed, err := s.scavengeChunk(c, st)
		if err != nil {
			return res, fmt.Errorf("failed to scavenge chunk %d: %w", c.Number(), err)
		}
		if removed == 0 {
			continue
		}
		res.ChunksScavenged++
		res.RecordsRemoved += removed
		res.BytesReclaimed += reclaimed
	}

	s.log.Info("scavenge finished",
		"chunks", res.ChunksScavenged,
		"records_removed", res.RecordsRemoved,
		"bytes_reclaimed", res.BytesReclaimed,
		"took", time.Since(start),
	)
	return res, nil
}

type keptRecord struct {
	pos  int64
	body []byte
}

func (s *Scavenger) scavengeChunk(c *chunk.Chunk, st *state) (removed, reclaimed int64, err error) {
	var kept []keptRecord
	err = c.Scan(func(pos int64, body []byte) error {
		rec, err := logrecord.Decode(body)
		if err != nil {
			return dberrors.Corrupt(c.Path(), "record at %d: %v", pos, err)
		}
		live, err := st.isLive(rec)
		if err != nil {
			return err
		}
		if live {
			kept = append(kept, keptRecord{pos: pos, body: body})
		} else {
			removed++
		}
		return nil
	})
	if err != nil || removed == 0 {
		return 0, 0, err
	}

	h := c.Header()
	h.Version++
	h.Scavenged = true
	h.CreatedAt = s.db.Clock().Now()
	out, err := chunk.Create(s.db.Namer().TempFilename(), h, chunk.Options{BufferSize: s.db.BufferSize()})
	if err != nil {
		return 0, 0, err
	}
	for _, r := range kept {
		if err := out.AppendAt(r.pos, r.body); err != nil {
			out.Discard()
			return 0, 0, err
		}
	}
	if err := out.CompleteScavenged(c.LogicalEnd()); err != nil {
		out.Discard()
		return 0, 0, err
	}
	if err := out.Rename(s.db.Namer().FilenameFor(h.Number, h.Version)); err != nil {
		out.Discard()
		return 0, 0, err
	}
	if err := s.db.Manager().Switch(out); err != nil {
		out.Discard()
		return 0, 0, err
	}

	reclaimed = c.Footer().DataSize - out.Footer().DataSize
	s.m.ScavengedChunks.Inc()
	s.m.ScavengedRecords.Add(float64(removed))
	s.m.ScavengedBytes.Add(float64(reclaimed))
	s.log.Info("chunk scavenged",
		"chunk", h.Number,
		"version", h.Version,
		"kept", len(kept),
		"removed", removed,
	)
	return removed, reclaimed, nil
}

type recordReader interface {
	ReadRecord(pos int64) (logrecord.Record, error)
}

// state caches stream deletion lookups for one run.
type state struct {
	idx     Index
	log     recordReader
	deleted map[string]bool
}

func (st *state) isDeleted(stream string) (bool, error) {
	if d, ok := st.deleted[stream]; ok {
		return d, nil
	}
	d, err := st.idx.IsStreamDeleted(stream)
	if err != nil {
		return false, err
	}
	st.deleted[stream] = d
	return d, nil
}

func (st *state) isLive(rec logrecord.Record) (bool, error) {
	switch r := rec.(type) {
	case *logrecord.System:
		return true, nil
	case *logrecord.Prepare:
		if r.IsTombstone() {
			return true, nil
		}
		deleted, err := st.isDeleted(r.EventStreamID)
		if err != nil || deleted {
			return false, err
		}
		if !r.SelfCommitted() {
			return true, nil
		}
		pos, err := st.idx.Get(r.EventStreamID, r.EventNumber)
		if errors.Is(err, dberrors.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return pos == r.LogPosition, nil
	case *logrecord.Commit:
		prep, err := st.log.ReadRecord(r.TransactionPosition)
		if errors.Is(err, dberrors.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		p, ok := prep.(*logrecord.Prepare)
		if !ok {
			return false, nil
		}
		deleted, err := st.isDeleted(p.EventStreamID)
		return !deleted, err
	default:
		return true, nil
	}
}
