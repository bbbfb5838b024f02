package http

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"eventdb/pkg/store"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// eventRequest is one event of a write request. Data and metadata are raw JSON.
type eventRequest struct {
	ID       uuid.UUID       `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (e eventRequest) toEventData() store.EventData {
	return store.EventData{
		ID:       e.ID,
		Type:     e.Type,
		Data:     e.Data,
		Metadata: e.Metadata,
		IsJSON:   true,
	}
}

// eventResponse renders JSON payloads inline and anything else as base64.
type eventResponse struct {
	Stream   string    `json:"stream"`
	Number   int64     `json:"number"`
	Position int64     `json:"position"`
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Data     any       `json:"data,omitempty"`
	Metadata any       `json:"metadata,omitempty"`
	Created  time.Time `json:"created"`
}

func newEventResponse(e store.Event) eventResponse {
	return eventResponse{
		Stream:   e.Stream,
		Number:   e.Number,
		Position: e.Position,
		ID:       e.ID,
		Type:     e.Type,
		Data:     payload(e.Data, e.IsJSON),
		Metadata: payload(e.Metadata, e.IsJSON),
		Created:  e.Created,
	}
}

func payload(b []byte, isJSON bool) any {
	if len(b) == 0 {
		return nil
	}
	if isJSON && json.Valid(b) {
		return json.RawMessage(b)
	}
	return b
}

type writeResponse struct {
	store.WriteResult
	Stream string `json:"stream"`
}

type deleteResponse struct {
	Stream   string `json:"stream"`
	Position int64  `json:"position"`
}
