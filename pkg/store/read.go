package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"eventdb/pkg/chaser"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/index"
	"eventdb/pkg/logrecord"
)

// Get returns the log position of event number of stream.
func (s *Store) Get(stream string, number int64) (int64, error) {
	pos, err := s.idx.Get(stream, number)
	if errors.Is(err, dberrors.ErrNotFound) {
		if p, ok := s.pending.get(stream, number); ok {
			return p, nil
		}
	}
	return pos, err
}

// LastEventNumber returns the number of the last event of stream,
// NoEventNumber when it has none.
func (s *Store) LastEventNumber(stream string) (int64, error) {
	if n, ok := s.pending.last(stream); ok {
		return n, nil
	}
	return s.idx.LastEventNumber(stream)
}

func (s *Store) isDeleted(stream string) (bool, error) {
	if n, ok := s.pending.last(stream); ok && n == logrecord.DeletedStreamEventNumber {
		return true, nil
	}
	return s.idx.IsStreamDeleted(stream)
}

// ReadEvent reads event number of stream.
func (s *Store) ReadEvent(stream string, number int64) (Event, error) {
	if stream == "" {
		return Event{}, fmt.Errorf("%w: empty stream id", dberrors.ErrInvalidArgument)
	}
	if err := s.checkNotDeleted(stream); err != nil {
		return Event{}, err
	}
	pos, err := s.Get(stream, number)
	if err != nil {
		return Event{}, err
	}
	return s.readEvent(pos, number)
}

// ReadStreamForward returns up to maxCount events of stream with numbers
// from from onwards, in ascending order.
func (s *Store) ReadStreamForward(ctx context.Context, stream string, from int64, maxCount int) ([]Event, error) {
	events, err := s.streamEvents(stream, maxCount)
	if err != nil {
		return nil, err
	}
	start, _ := slices.BinarySearchFunc(events, from, func(e index.EventPosition, n int64) int {
		return cmp.Compare(e.Number, n)
	})
	end := start + min(maxCount, len(events)-start)
	return s.readEvents(ctx, events[start:end])
}

// ReadStreamBackward returns up to maxCount events of stream with numbers
// up to from, in descending order. A negative from starts at the last event.
func (s *Store) ReadStreamBackward(ctx context.Context, stream string, from int64, maxCount int) ([]Event, error) {
	events, err := s.streamEvents(stream, maxCount)
	if err != nil {
		return nil, err
	}
	end := len(events)
	if from >= 0 {
		end, _ = slices.BinarySearchFunc(events, from+1, func(e index.EventPosition, n int64) int {
			return cmp.Compare(e.Number, n)
		})
	}
	selected := slices.Clone(events[max(0, end-maxCount):end])
	slices.Reverse(selected)
	return s.readEvents(ctx, selected)
}

// ReadAllForward returns up to maxCount durable records starting at
// position from, which must be a record boundary, and the position to
// continue from.
func (s *Store) ReadAllForward(ctx context.Context, from int64, maxCount int) ([]chaser.Result, int64, error) {
	if from < 0 || maxCount <= 0 {
		return nil, 0, fmt.Errorf("%w: from %d, count %d", dberrors.ErrInvalidArgument, from, maxCount)
	}
	cursor := chaser.NewCursor(s.db, s.writerCp, from)
	var out []chaser.Result
	for len(out) < maxCount {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		res, ok, err := cursor.TryReadNext()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		out = append(out, res)
	}
	return out, cursor.Position(), nil
}

// streamEvents merges indexed and pending events of stream by number.
func (s *Store) streamEvents(stream string, maxCount int) ([]index.EventPosition, error) {
	if stream == "" {
		return nil, fmt.Errorf("%w: empty stream id", dberrors.ErrInvalidArgument)
	}
	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: count %d", dberrors.ErrInvalidArgument, maxCount)
	}
	if err := s.checkNotDeleted(stream); err != nil {
		return nil, err
	}

	indexed, err := s.idx.Range(stream)
	if err != nil {
		return nil, err
	}
	pending := s.pending.events(stream)
	if len(pending) == 0 {
		if len(indexed) == 0 {
			return nil, fmt.Errorf("%w: stream %s", dberrors.ErrNotFound, stream)
		}
		return indexed, nil
	}

	byNumber := make(map[int64]int64, len(indexed)+len(pending))
	for _, e := range indexed {
		byNumber[e.Number] = e.Position
	}
	for _, e := range pending {
		if e.Number != logrecord.DeletedStreamEventNumber {
			byNumber[e.Number] = e.Position
		}
	}
	out := make([]index.EventPosition, 0, len(byNumber))
	for n, pos := range byNumber {
		out = append(out, index.EventPosition{Number: n, Position: pos})
	}
	slices.SortFunc(out, func(a, b index.EventPosition) int { return cmp.Compare(a.Number, b.Number) })
	return out, nil
}

func (s *Store) readEvents(ctx context.Context, events []index.EventPosition) ([]Event, error) {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := s.readEvent(e.Position, e.Number)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) readEvent(pos, number int64) (Event, error) {
	rec, err := s.db.ReadRecord(pos)
	if err != nil {
		return Event{}, err
	}
	p, ok := rec.(*logrecord.Prepare)
	if !ok {
		return Event{}, dberrors.Corrupt("", "record at %d is a %s, not an event", pos, rec.Type())
	}
	return eventFrom(p, number), nil
}

func (s *Store) checkNotDeleted(stream string) error {
	deleted, err := s.isDeleted(stream)
	if err != nil {
		return err
	}
	if deleted {
		return fmt.Errorf("%w: %s", dberrors.ErrStreamDeleted, stream)
	}
	return nil
}

// WaitIndexed blocks until every record below pos is indexed.
func (s *Store) WaitIndexed(ctx context.Context, pos int64) error {
	for {
		seen := s.chaserCp.Read()
		if s.idx.BuiltPosition() >= pos {
			return nil
		}
		if _, err := s.chaserCp.Wait(ctx, seen); err != nil {
			return err
		}
	}
}
