package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"eventdb/pkg/dberrors"
	"eventdb/pkg/scavenge"
	"eventdb/pkg/store"
)

// Client talks to the admin HTTP API of a running eventdb.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

// Event is an event as the API returns it. Data and Metadata hold raw JSON.
type Event struct {
	Stream   string          `json:"stream"`
	Number   int64           `json:"number"`
	Position int64           `json:"position"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// NewEvent is an event to write. Data must be valid JSON.
type NewEvent struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Checkpoints(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	if err := c.do(ctx, http.MethodGet, "/checkpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) WriteEvents(ctx context.Context, stream string, expected int64, events []NewEvent) (store.WriteResult, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("encode events: %w", err)
	}
	var res store.WriteResult
	err = c.do(ctx, http.MethodPost, streamPath(stream)+"?expected="+strconv.FormatInt(expected, 10), body, &res)
	return res, err
}

func (c *Client) ReadEvent(ctx context.Context, stream string, number int64) (Event, error) {
	var e Event
	err := c.do(ctx, http.MethodGet, streamPath(stream)+"/events/"+strconv.FormatInt(number, 10), nil, &e)
	return e, err
}

// ReadStream reads up to count events. backward with a negative from starts at the last event.
func (c *Client) ReadStream(ctx context.Context, stream string, from int64, count int, backward bool) ([]Event, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("count", strconv.Itoa(count))
	if backward {
		q.Set("direction", "backward")
	}
	var out []Event
	if err := c.do(ctx, http.MethodGet, streamPath(stream)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteStream(ctx context.Context, stream string, expected int64) error {
	return c.do(ctx, http.MethodDelete, streamPath(stream)+"?expected="+strconv.FormatInt(expected, 10), nil, nil)
}

func (c *Client) Scavenge(ctx context.Context) (scavenge.Result, error) {
	var res scavenge.Result
	err := c.do(ctx, http.MethodPost, "/admin/scavenge", nil, &res)
	return res, err
}

func streamPath(stream string) string {
	return "/streams/" + url.PathEscape(stream)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s body (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s", errorFor(resp.StatusCode, path), env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}

func errorFor(status int, path string) error {
	switch status {
	case http.StatusBadRequest:
		return dberrors.ErrInvalidArgument
	case http.StatusNotFound:
		return dberrors.ErrNotFound
	case http.StatusGone:
		return dberrors.ErrStreamDeleted
	case http.StatusConflict:
		if path == "/admin/scavenge" {
			return dberrors.ErrScavengeRunning
		}
		return dberrors.ErrWrongExpectedVersion
	case http.StatusServiceUnavailable:
		return dberrors.ErrClosed
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}
