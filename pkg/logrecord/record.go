package logrecord

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type Type uint8

const (
	TypePrepare Type = iota
	TypeCommit
	TypeSystem
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "prepare"
	case TypeCommit:
		return "commit"
	case TypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

type PrepareFlags uint16

const (
	FlagData PrepareFlags = 1 << iota
	FlagTransactionBegin
	FlagTransactionEnd
	FlagStreamDelete
	FlagIsCommitted
	FlagIsJSON
)

func (f PrepareFlags) Has(flag PrepareFlags) bool { return f&flag == flag }

const (
	// DeletedStreamEventNumber is the event number of a hard-delete tombstone.
	DeletedStreamEventNumber int64 = math.MaxInt64

	// NoEventNumber marks a prepare whose number is assigned by its commit.
	NoEventNumber int64 = -1
)

// Record is one entry of the transaction log: a *Prepare, *Commit or *System.
type Record interface {
	Type() Type
	Position() int64
	isRecord()
}

// Prepare carries one event, or a tombstone when FlagStreamDelete is set.
type Prepare struct {
	LogPosition         int64
	TransactionPosition int64
	TransactionOffset   int32
	Flags               PrepareFlags
	EventStreamID       string
	ExpectedVersion     int64
	EventNumber         int64
	EventID             uuid.UUID
	CorrelationID       uuid.UUID
	Timestamp           time.Time
	EventType           string
	Data                []byte
	Metadata            []byte
}

func (*Prepare) Type() Type        { return TypePrepare }
func (p *Prepare) Position() int64 { return p.LogPosition }
func (*Prepare) isRecord()         {}

func (p *Prepare) IsTombstone() bool { return p.Flags.Has(FlagStreamDelete) }

// SelfCommitted reports whether the prepare needs no separate commit record.
func (p *Prepare) SelfCommitted() bool { return p.Flags.Has(FlagIsCommitted) }

// ResolvedEventNumber returns the event number of a prepare given the first
// event number of its commit. Self-committed prepares know their own number.
func (p *Prepare) ResolvedEventNumber(firstEventNumber int64) int64 {
	if p.SelfCommitted() || p.EventNumber != NoEventNumber {
		return p.EventNumber
	}
	return firstEventNumber + int64(p.TransactionOffset)
}

// Commit finalizes a two-phase transaction started at TransactionPosition.
type Commit struct {
	LogPosition         int64
	TransactionPosition int64
	FirstEventNumber    int64
	CorrelationID       uuid.UUID
	Timestamp           time.Time
}

func (*Commit) Type() Type        { return TypeCommit }
func (c *Commit) Position() int64 { return c.LogPosition }
func (*Commit) isRecord()         {}

type SystemType uint8

const (
	SystemEpoch SystemType = iota
)

type System struct {
	LogPosition int64
	Timestamp   time.Time
	SystemType  SystemType
	Data        []byte
}

func (*System) Type() Type        { return TypeSystem }
func (s *System) Position() int64 { return s.LogPosition }
func (*System) isRecord()         {}

// Epoch is the payload of a SystemEpoch record.
type Epoch struct {
	EpochNumber           int64
	EpochID               uuid.UUID
	PreviousEpochPosition int64
}

// WithPosition returns a copy of rec stamped with pos. A prepare or commit
// with a negative transaction position starts its own transaction at pos.
func WithPosition(rec Record, pos int64) Record {
	if IsNil(rec) {
		return rec
	}
	switch r := rec.(type) {
	case *Prepare:
		cp := *r
		cp.LogPosition = pos
		if cp.TransactionPosition < 0 {
			cp.TransactionPosition = pos
		}
		return &cp
	case *Commit:
		cp := *r
		cp.LogPosition = pos
		if cp.TransactionPosition < 0 {
			cp.TransactionPosition = pos
		}
		return &cp
	case *System:
		cp := *r
		cp.LogPosition = pos
		return &cp
	default:
		panic("logrecord: unknown record type")
	}
}

// WithTransaction returns rec joined to the transaction at txPos when it has
// no transaction position yet.
func WithTransaction(rec Record, txPos int64) Record {
	if IsNil(rec) {
		return rec
	}
	switch r := rec.(type) {
	case *Prepare:
		if r.TransactionPosition >= 0 {
			return r
		}
		cp := *r
		cp.TransactionPosition = txPos
		return &cp
	case *Commit:
		if r.TransactionPosition >= 0 {
			return r
		}
		cp := *r
		cp.TransactionPosition = txPos
		return &cp
	default:
		return rec
	}
}

// IsNil reports whether rec is nil or holds a nil record pointer.
func IsNil(rec Record) bool {
	switch r := rec.(type) {
	case nil:
		return true
	case *Prepare:
		return r == nil
	case *Commit:
		return r == nil
	case *System:
		return r == nil
	}
	return false
}
