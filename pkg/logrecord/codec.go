package logrecord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	formatVersion uint8 = 1

	// nilLength marks a nil byte slice, so empty and nil survive a round trip
	nilLength = math.MaxUint32
)

var (
	ErrCorruptRecord   = errors.New("logrecord: corrupt record")
	ErrUnknownType     = errors.New("logrecord: unknown record type")
	ErrUnsupportedVers = errors.New("logrecord: unsupported format version")
	ErrNilRecord       = errors.New("logrecord: nil record")
)

// Encode serializes rec into its on-disk body. Framing and checksums are added by the chunk.
func Encode(rec Record) ([]byte, error) {
	if IsNil(rec) {
		return nil, ErrNilRecord
	}
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(rec.Type()), formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Position()))

	switch r := rec.(type) {
	case *Prepare:
		if len(r.EventStreamID) == 0 {
			return nil, fmt.Errorf("prepare at %d: empty stream id", r.LogPosition)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Flags))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.TransactionPosition))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.TransactionOffset))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.ExpectedVersion))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.EventNumber))
		buf = append(buf, r.EventID[:]...)
		buf = append(buf, r.CorrelationID[:]...)
		buf = appendTime(buf, r.Timestamp)
		buf = appendBytes(buf, []byte(r.EventStreamID))
		buf = appendBytes(buf, []byte(r.EventType))
		buf = appendBytes(buf, r.Data)
		buf = appendBytes(buf, r.Metadata)
	case *Commit:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.TransactionPosition))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.FirstEventNumber))
		buf = append(buf, r.CorrelationID[:]...)
		buf = appendTime(buf, r.Timestamp)
	case *System:
		buf = append(buf, byte(r.SystemType))
		buf = appendTime(buf, r.Timestamp)
		buf = appendBytes(buf, r.Data)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, rec)
	}

	return buf, nil
}

// Decode parses a body produced by Encode.
func Decode(body []byte) (Record, error) {
	d := decoder{buf: body}

	typ := Type(d.u8())
	if v := d.u8(); d.err == nil && v != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVers, v)
	}
	pos := int64(d.u64())

	var rec Record
	switch typ {
	case TypePrepare:
		p := &Prepare{LogPosition: pos}
		p.Flags = PrepareFlags(d.u16())
		p.TransactionPosition = int64(d.u64())
		p.TransactionOffset = int32(d.u32())
		p.ExpectedVersion = int64(d.u64())
		p.EventNumber = int64(d.u64())
		p.EventID = d.uuid()
		p.CorrelationID = d.uuid()
		p.Timestamp = d.time()
		p.EventStreamID = string(d.bytes())
		p.EventType = string(d.bytes())
		p.Data = d.bytes()
		p.Metadata = d.bytes()
		rec = p
	case TypeCommit:
		c := &Commit{LogPosition: pos}
		c.TransactionPosition = int64(d.u64())
		c.FirstEventNumber = int64(d.u64())
		c.CorrelationID = d.uuid()
		c.Timestamp = d.time()
		rec = c
	case TypeSystem:
		s := &System{LogPosition: pos}
		s.SystemType = SystemType(d.u8())
		s.Timestamp = d.time()
		s.Data = d.bytes()
		rec = s
	default:
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}

	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, len(d.buf))
	}
	return rec, nil
}

// EncodeEpoch serializes the payload of a SystemEpoch record.
func EncodeEpoch(e Epoch) []byte {
	buf := make([]byte, 0, 32)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.EpochNumber))
	buf = append(buf, e.EpochID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.PreviousEpochPosition))
	return buf
}

// DecodeEpoch parses the payload of a SystemEpoch record.
func DecodeEpoch(s *System) (Epoch, error) {
	if s.SystemType != SystemEpoch {
		return Epoch{}, fmt.Errorf("%w: system record %d is not an epoch", ErrCorruptRecord, s.SystemType)
	}
	d := decoder{buf: s.Data}
	e := Epoch{
		EpochNumber:           int64(d.u64()),
		EpochID:               d.uuid(),
		PreviousEpochPosition: int64(d.u64()),
	}
	if d.err != nil {
		return Epoch{}, d.err
	}
	return e, nil
}

func appendBytes(buf, b []byte) []byte {
	if b == nil {
		return binary.LittleEndian.AppendUint32(buf, nilLength)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// appendTime writes a presence byte and the nanoseconds since the Unix epoch.
func appendTime(buf []byte, t time.Time) []byte {
	if t.IsZero() {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return binary.LittleEndian.AppendUint64(buf, uint64(t.UnixNano()))
}

// decoder consumes a body front to back and latches the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrCorruptRecord, n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], d.take(16))
	return id
}

func (d *decoder) time() time.Time {
	switch d.u8() {
	case 0:
		return time.Time{}
	case 1:
		ns := int64(d.u64())
		if d.err != nil {
			return time.Time{}
		}
		return time.Unix(0, ns).UTC()
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: bad time marker", ErrCorruptRecord)
		}
		return time.Time{}
	}
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err != nil || n == nilLength {
		return nil
	}
	if n > math.MaxInt32 {
		d.err = fmt.Errorf("%w: length %d", ErrCorruptRecord, n)
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
