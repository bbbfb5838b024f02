package store

import (
	"time"

	"github.com/google/uuid"

	"eventdb/pkg/logrecord"
)

// Expected versions accepted by the write operations besides a concrete
// event number.
const (
	ExpectedAny      int64 = -2
	ExpectedNoStream int64 = -1
)

// EventData is an event to be written.
type EventData struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Data     []byte    `json:"data"`
	Metadata []byte    `json:"metadata,omitempty"`
	IsJSON   bool      `json:"is_json"`
}

// Event is an event read back from the log.
type Event struct {
	Stream   string    `json:"stream"`
	Number   int64     `json:"number"`
	Position int64     `json:"position"`
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Data     []byte    `json:"data"`
	Metadata []byte    `json:"metadata,omitempty"`
	IsJSON   bool      `json:"is_json"`
	Created  time.Time `json:"created"`
}

// WriteResult describes a successful write.
type WriteResult struct {
	FirstEventNumber int64 `json:"first_event_number"`
	LastEventNumber  int64 `json:"last_event_number"`
	// Position is the log position of the last written record.
	Position int64 `json:"position"`
}

func eventFrom(p *logrecord.Prepare, number int64) Event {
	return Event{
		Stream:   p.EventStreamID,
		Number:   number,
		Position: p.LogPosition,
		ID:       p.EventID,
		Type:     p.EventType,
		Data:     p.Data,
		Metadata: p.Metadata,
		IsJSON:   p.Flags.Has(logrecord.FlagIsJSON),
		Created:  p.Timestamp,
	}
}

func prepareFlags(e EventData) logrecord.PrepareFlags {
	flags := logrecord.FlagData
	if e.IsJSON {
		flags |= logrecord.FlagIsJSON
	}
	return flags
}
