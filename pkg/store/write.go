package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"eventdb/pkg/chunk"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/logrecord"
)

// WriteEvents appends events to stream as self-committed prepares and
// returns once they are durable. expected is the number of the last event
// in the stream, ExpectedNoStream or ExpectedAny.
func (s *Store) WriteEvents(ctx context.Context, stream string, expected int64, events []EventData) (WriteResult, error) {
	if err := validateWrite(ctx, stream, expected, len(events)); err != nil {
		return WriteResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.checkExpected(stream, expected)
	if err != nil {
		return WriteResult{}, err
	}

	now := s.db.Clock().Now()
	recs := make([]logrecord.Record, len(events))
	for i, e := range events {
		recs[i] = &logrecord.Prepare{
			TransactionPosition: -1,
			Flags:               prepareFlags(e) | logrecord.FlagIsCommitted | logrecord.FlagTransactionBegin | logrecord.FlagTransactionEnd,
			EventStreamID:       stream,
			ExpectedVersion:     expected,
			EventNumber:         current + 1 + int64(i),
			EventID:             eventID(e),
			Timestamp:           now,
			EventType:           e.Type,
			Data:                e.Data,
			Metadata:            e.Metadata,
		}
	}
	if err := s.checkSizes(recs); err != nil {
		return WriteResult{}, err
	}

	positions, err := s.writer.AppendBatch(recs)
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.writer.Flush(); err != nil {
		return WriteResult{}, err
	}
	for i, pos := range positions {
		s.pending.add(stream, current+1+int64(i), pos, pos)
	}
	s.pending.prune(s.idx.BuiltPosition())
	return WriteResult{
		FirstEventNumber: current + 1,
		LastEventNumber:  current + int64(len(events)),
		Position:         positions[len(positions)-1],
	}, nil
}

// WriteTransaction appends events as one two-phase transaction: a prepare
// per event followed by a commit that assigns the event numbers.
func (s *Store) WriteTransaction(ctx context.Context, stream string, expected int64, events []EventData) (WriteResult, error) {
	if err := validateWrite(ctx, stream, expected, len(events)); err != nil {
		return WriteResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.checkExpected(stream, expected)
	if err != nil {
		return WriteResult{}, err
	}

	now := s.db.Clock().Now()
	recs := make([]logrecord.Record, 0, len(events)+1)
	for i, e := range events {
		flags := prepareFlags(e)
		if i == 0 {
			flags |= logrecord.FlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= logrecord.FlagTransactionEnd
		}
		recs = append(recs, &logrecord.Prepare{
			TransactionPosition: -1,
			TransactionOffset:   int32(i),
			Flags:               flags,
			EventStreamID:       stream,
			ExpectedVersion:     expected,
			EventNumber:         logrecord.NoEventNumber,
			EventID:             eventID(e),
			Timestamp:           now,
			EventType:           e.Type,
			Data:                e.Data,
			Metadata:            e.Metadata,
		})
	}
	recs = append(recs, &logrecord.Commit{
		TransactionPosition: -1,
		FirstEventNumber:    current + 1,
		CorrelationID:       uuid.New(),
		Timestamp:           now,
	})
	if err := s.checkSizes(recs); err != nil {
		return WriteResult{}, err
	}

	positions, err := s.writer.AppendTransaction(recs)
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.writer.Flush(); err != nil {
		return WriteResult{}, err
	}
	commitPos := positions[len(positions)-1]
	for i := range events {
		s.pending.add(stream, current+1+int64(i), positions[i], commitPos)
	}
	s.pending.prune(s.idx.BuiltPosition())
	return WriteResult{
		FirstEventNumber: current + 1,
		LastEventNumber:  current + int64(len(events)),
		Position:         positions[len(positions)-1],
	}, nil
}

// DeleteStream hard-deletes stream by writing its tombstone. The stream can
// never be written again; its events are removed by the next scavenge.
func (s *Store) DeleteStream(ctx context.Context, stream string, expected int64) (int64, error) {
	if err := validateWrite(ctx, stream, expected, 1); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.checkExpected(stream, expected); err != nil {
		return 0, err
	}
	pos, err := s.writer.Append(&logrecord.Prepare{
		TransactionPosition: -1,
		Flags:               logrecord.FlagStreamDelete | logrecord.FlagIsCommitted | logrecord.FlagTransactionBegin | logrecord.FlagTransactionEnd,
		EventStreamID:       stream,
		ExpectedVersion:     expected,
		EventNumber:         logrecord.DeletedStreamEventNumber,
		EventID:             uuid.New(),
		Timestamp:           s.db.Clock().Now(),
	})
	if err != nil {
		return 0, err
	}
	if err := s.writer.Flush(); err != nil {
		return 0, err
	}
	s.pending.add(stream, logrecord.DeletedStreamEventNumber, pos, pos)
	s.pending.prune(s.idx.BuiltPosition())
	s.log.Info("stream deleted", "stream", stream, "position", pos)
	return pos, nil
}

// WriteEpoch appends an epoch record and moves the epoch checkpoint to it.
// Epoch numbers must increase.
func (s *Store) WriteEpoch(ctx context.Context, epochNumber int64) (logrecord.Epoch, error) {
	if err := ctx.Err(); err != nil {
		return logrecord.Epoch{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := int64(-1)
	last, lastPos, err := s.LastEpoch()
	switch {
	case err == nil:
		if epochNumber <= last.EpochNumber {
			return logrecord.Epoch{}, fmt.Errorf("%w: epoch %d is not after %d", dberrors.ErrInvalidArgument, epochNumber, last.EpochNumber)
		}
		prev = lastPos
	case !errors.Is(err, dberrors.ErrNotFound):
		return logrecord.Epoch{}, err
	}
	if epochNumber < 0 {
		return logrecord.Epoch{}, fmt.Errorf("%w: negative epoch %d", dberrors.ErrInvalidArgument, epochNumber)
	}

	epoch := logrecord.Epoch{EpochNumber: epochNumber, EpochID: uuid.New(), PreviousEpochPosition: prev}
	pos, err := s.writer.Append(&logrecord.System{
		Timestamp:  s.db.Clock().Now(),
		SystemType: logrecord.SystemEpoch,
		Data:       logrecord.EncodeEpoch(epoch),
	})
	if err != nil {
		return logrecord.Epoch{}, err
	}
	if err := s.writer.Flush(); err != nil {
		return logrecord.Epoch{}, err
	}
	if err := s.epochCp.Write(pos); err != nil {
		return logrecord.Epoch{}, err
	}
	s.m.Checkpoint.WithLabelValues(s.epochCp.Name()).Set(float64(pos))
	s.log.Info("epoch written", "epoch", epochNumber, "position", pos)
	return epoch, nil
}

// LastEpoch returns the epoch the epoch checkpoint points at, and its position.
func (s *Store) LastEpoch() (logrecord.Epoch, int64, error) {
	pos := s.epochCp.Read()
	rec, err := s.db.ReadRecord(pos)
	if err != nil {
		return logrecord.Epoch{}, 0, err
	}
	sys, ok := rec.(*logrecord.System)
	if !ok || sys.SystemType != logrecord.SystemEpoch {
		return logrecord.Epoch{}, 0, fmt.Errorf("%w: no epoch written", dberrors.ErrNotFound)
	}
	epoch, err := logrecord.DecodeEpoch(sys)
	if err != nil {
		return logrecord.Epoch{}, 0, err
	}
	return epoch, pos, nil
}

// checkExpected returns the current version of stream after checking it
// against expected. Callers hold writeMu.
func (s *Store) checkExpected(stream string, expected int64) (int64, error) {
	current, ok := s.pending.last(stream)
	if !ok {
		var err error
		if current, err = s.idx.LastEventNumber(stream); err != nil {
			return 0, err
		}
	}
	if current == logrecord.DeletedStreamEventNumber {
		return 0, fmt.Errorf("%w: %s", dberrors.ErrStreamDeleted, stream)
	}
	if expected != ExpectedAny && expected != current {
		return 0, fmt.Errorf("%w: stream %s is at %d, expected %d", dberrors.ErrWrongExpectedVersion, stream, current, expected)
	}
	return current, nil
}

func (s *Store) checkSizes(recs []logrecord.Record) error {
	for _, rec := range recs {
		body, err := logrecord.Encode(logrecord.WithPosition(rec, 0))
		if err != nil {
			return fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
		}
		if size := chunk.FrameSize(len(body)); size > s.db.ChunkSize() {
			return fmt.Errorf("%w: record of %d bytes does not fit in a chunk", dberrors.ErrInvalidArgument, size)
		}
	}
	return nil
}

func validateWrite(ctx context.Context, stream string, expected int64, events int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stream == "" {
		return fmt.Errorf("%w: empty stream id", dberrors.ErrInvalidArgument)
	}
	if expected < ExpectedAny {
		return fmt.Errorf("%w: expected version %d", dberrors.ErrInvalidArgument, expected)
	}
	if events == 0 {
		return fmt.Errorf("%w: no events", dberrors.ErrInvalidArgument)
	}
	return nil
}

func eventID(e EventData) uuid.UUID {
	if e.ID == uuid.Nil {
		return uuid.New()
	}
	return e.ID
}
