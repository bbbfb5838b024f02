package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"eventdb/pkg/config"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/scavenge"
	"eventdb/pkg/store"
)

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%s", rr.Body.String())
	return resp
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	cfg := config.Default().DB
	cfg.Path = t.TempDir()
	cfg.Chunk.Size = 64 * 1024
	cfg.Writer.FlushInterval = 0

	reg := prometheus.NewRegistry()
	es, err := store.Open(cfg, store.WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })
	return NewServer(es, reg, config.ServerConfig{}), es
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, s.createRouter(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, StatusOK, decodeResp(t, rr).Status)
}

func TestWriteReadDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.createRouter()

	rr := do(t, h, http.MethodPost, "/streams/orders-1?expected=no_stream",
		`[{"type":"created","data":{"sku":"a"}},{"type":"paid","data":{"amount":3}}]`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/streams/orders-1?expected=no_stream", `[{"type":"again","data":{}}]`)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, "/streams/orders-1/events/1", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var single struct {
		Data eventResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &single))
	require.Equal(t, "paid", single.Data.Type)
	require.JSONEq(t, `{"amount":3}`, string(rawData(t, rr)))

	rr = do(t, h, http.MethodGet, "/streams/orders-1?direction=backward&count=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var page struct {
		Data []eventResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	require.Equal(t, int64(1), page.Data[0].Number)

	rr = do(t, h, http.MethodDelete, "/streams/orders-1?expected=1", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/streams/orders-1", "")
	require.Equal(t, http.StatusGone, rr.Code)
	require.Equal(t, StatusError, decodeResp(t, rr).Status)
}

// rawData returns the data payload of a single event response.
func rawData(t *testing.T, rr *httptest.ResponseRecorder) json.RawMessage {
	t.Helper()
	var resp struct {
		Data struct {
			Data json.RawMessage `json:"data"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Data.Data
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.createRouter()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"bad expected", http.MethodPost, "/streams/s?expected=soon", `[{"type":"a"}]`, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/streams/s", `{"type":"a"}`, http.StatusBadRequest},
		{"empty batch", http.MethodPost, "/streams/s", `[]`, http.StatusBadRequest},
		{"missing type", http.MethodPost, "/streams/s", `[{"data":{}}]`, http.StatusBadRequest},
		{"bad count", http.MethodGet, "/streams/s?count=0", "", http.StatusBadRequest},
		{"bad direction", http.MethodGet, "/streams/s?direction=sideways", "", http.StatusBadRequest},
		{"bad number", http.MethodGet, "/streams/s/events/x", "", http.StatusBadRequest},
		{"unknown stream", http.MethodGet, "/streams/nobody", "", http.StatusNotFound},
		{"method not allowed", http.MethodPost, "/health", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.target, tt.body)
			require.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestCheckpointsAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.createRouter()

	rr := do(t, h, http.MethodPost, "/streams/s", `[{"type":"a","data":{}}]`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodGet, "/checkpoints", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var cps struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cps))
	require.Positive(t, cps.Data["writer"])
	require.Contains(t, cps.Data, "chaser")

	rr = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "eventdb_writer_records_total")
}

type scavengeStub struct {
	iEventStore
	err error
}

func (s scavengeStub) Scavenge(context.Context) (scavenge.Result, error) {
	return scavenge.Result{ChunksScavenged: 2, RecordsRemoved: 7}, s.err
}

func TestScavengeHandler(t *testing.T) {
	s := NewServer(scavengeStub{}, prometheus.NewRegistry(), config.ServerConfig{})
	rr := do(t, s.createRouter(), http.MethodPost, "/admin/scavenge", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Data scavenge.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.EqualValues(t, 7, resp.Data.RecordsRemoved)

	s = NewServer(scavengeStub{err: dberrors.ErrScavengeRunning}, prometheus.NewRegistry(), config.ServerConfig{})
	rr = do(t, s.createRouter(), http.MethodPost, "/admin/scavenge", "")
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestExpectedParam(t *testing.T) {
	tests := map[string]int64{"": store.ExpectedAny, "any": store.ExpectedAny, "no_stream": store.ExpectedNoStream, "4": 4}
	for in, want := range tests {
		got, err := expectedParam(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := expectedParam("-3")
	require.Error(t, err)
}
