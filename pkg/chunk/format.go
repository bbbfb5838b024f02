package chunk

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"eventdb/pkg/dberrors"
)

const (
	HeaderSize      = 128
	FooterSize      = 128
	FrameOverhead   = 8
	PosMapEntrySize = 16

	CurrentFormat uint8 = 1

	headerMagic = "EVCH"
	footerMagic = "EVFT"

	flagScavenged = 1 << 0
	flagCompleted = 1 << 0

	headerCRCOffset = 40
	footerCRCOffset = 40
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed prefix of every chunk file.
type Header struct {
	FormatVersion uint8
	Scavenged     bool
	Number        int32
	Version       int32
	LogicalStart  int64
	// Capacity is the number of data bytes the chunk may hold.
	Capacity  int64
	CreatedAt time.Time
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], headerMagic)
	buf[4] = h.FormatVersion
	if h.Scavenged {
		buf[5] |= flagScavenged
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Number))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Version))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.LogicalStart))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Capacity))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.CreatedAt.UnixNano()))
	binary.LittleEndian.PutUint32(buf[headerCRCOffset:headerCRCOffset+4], crc32.Checksum(buf[:headerCRCOffset], crcTable))
	return buf
}

func unmarshalHeader(path string, buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, dberrors.Corrupt(path, "short chunk header: %d bytes", len(buf))
	}
	if string(buf[0:4]) != headerMagic {
		return Header{}, dberrors.Corrupt(path, "bad chunk header magic %q", buf[0:4])
	}
	want := binary.LittleEndian.Uint32(buf[headerCRCOffset : headerCRCOffset+4])
	if crc32.Checksum(buf[:headerCRCOffset], crcTable) != want {
		return Header{}, dberrors.Corrupt(path, "chunk header checksum mismatch")
	}

	h := Header{
		FormatVersion: buf[4],
		Scavenged:     buf[5]&flagScavenged != 0,
		Number:        int32(binary.LittleEndian.Uint32(buf[8:12])),
		Version:       int32(binary.LittleEndian.Uint32(buf[12:16])),
		LogicalStart:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		Capacity:      int64(binary.LittleEndian.Uint64(buf[24:32])),
		CreatedAt:     time.Unix(0, int64(binary.LittleEndian.Uint64(buf[32:40]))).UTC(),
	}
	if h.FormatVersion != CurrentFormat {
		return Header{}, dberrors.Corrupt(path, "unsupported chunk format %d", h.FormatVersion)
	}
	if h.Capacity <= 0 || h.LogicalStart < 0 || h.Number < 0 || h.Version < 0 {
		return Header{}, dberrors.Corrupt(path, "invalid chunk header values")
	}
	return h, nil
}

// Footer is written once when a chunk is completed.
type Footer struct {
	Completed   bool
	RecordCount int32
	MapCount    int32
	LogicalEnd  int64
	// DataSize is the number of physical record bytes after the header.
	DataSize int64
	// Checksum is xxhash64 over header, data and position map.
	Checksum uint64
}

func (f Footer) marshal() []byte {
	buf := make([]byte, FooterSize)
	copy(buf[0:4], footerMagic)
	if f.Completed {
		buf[4] |= flagCompleted
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.RecordCount))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.MapCount))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.LogicalEnd))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(f.DataSize))
	binary.LittleEndian.PutUint64(buf[32:40], f.Checksum)
	binary.LittleEndian.PutUint32(buf[footerCRCOffset:footerCRCOffset+4], crc32.Checksum(buf[:footerCRCOffset], crcTable))
	return buf
}

// unmarshalFooter returns ok=false when buf does not hold a valid footer.
func unmarshalFooter(buf []byte) (Footer, bool) {
	if len(buf) < FooterSize || string(buf[0:4]) != footerMagic {
		return Footer{}, false
	}
	want := binary.LittleEndian.Uint32(buf[footerCRCOffset : footerCRCOffset+4])
	if crc32.Checksum(buf[:footerCRCOffset], crcTable) != want {
		return Footer{}, false
	}
	f := Footer{
		Completed:   buf[4]&flagCompleted != 0,
		RecordCount: int32(binary.LittleEndian.Uint32(buf[8:12])),
		MapCount:    int32(binary.LittleEndian.Uint32(buf[12:16])),
		LogicalEnd:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		DataSize:    int64(binary.LittleEndian.Uint64(buf[24:32])),
		Checksum:    binary.LittleEndian.Uint64(buf[32:40]),
	}
	return f, f.Completed
}

// PosMapEntry maps a record's logical position to its offset in a scavenged chunk's data area.
type PosMapEntry struct {
	LogicalPosition int64
	PhysicalOffset  int64
}

func (e PosMapEntry) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.LogicalPosition))
	return binary.LittleEndian.AppendUint64(buf, uint64(e.PhysicalOffset))
}

func frameHeader(body []byte) [4]byte {
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(len(body)))
	return h
}

func frameTrailer(body []byte) [4]byte {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], crc32.Checksum(body, crcTable))
	return t
}

// FrameSize is the on-disk size of a record body once framed.
func FrameSize(bodyLen int) int64 {
	return int64(bodyLen) + FrameOverhead
}
