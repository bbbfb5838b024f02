package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	httpserver "eventdb/internal/http"
	"eventdb/pkg/config"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/store"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default().DB
	cfg.Path = t.TempDir()
	cfg.Chunk.Size = 64 * 1024
	cfg.Writer.FlushInterval = 0

	reg := prometheus.NewRegistry()
	es, err := store.Open(cfg, store.WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })

	srv := httptest.NewServer(httpserver.NewServer(es, reg, config.ServerConfig{}).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	res, err := c.WriteEvents(ctx, "user/7", store.ExpectedNoStream, []NewEvent{
		{Type: "registered", Data: json.RawMessage(`{"name":"ada"}`)},
		{Type: "renamed", Data: json.RawMessage(`{"name":"grace"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.LastEventNumber)

	e, err := c.ReadEvent(ctx, "user/7", 1)
	require.NoError(t, err)
	require.Equal(t, "renamed", e.Type)
	require.JSONEq(t, `{"name":"grace"}`, string(e.Data))

	events, err := c.ReadStream(ctx, "user/7", -1, 10, true)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(1), events[0].Number)

	_, err = c.WriteEvents(ctx, "user/7", 0, []NewEvent{{Type: "late", Data: json.RawMessage(`{}`)}})
	require.ErrorIs(t, err, dberrors.ErrWrongExpectedVersion)

	require.NoError(t, c.DeleteStream(ctx, "user/7", store.ExpectedAny))
	_, err = c.ReadEvent(ctx, "user/7", 0)
	require.ErrorIs(t, err, dberrors.ErrStreamDeleted)

	cps, err := c.Checkpoints(ctx)
	require.NoError(t, err)
	require.Positive(t, cps["writer"])

	_, err = c.Scavenge(ctx)
	require.NoError(t, err)

	_, err = c.ReadStream(ctx, "nobody", 0, 10, false)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}
