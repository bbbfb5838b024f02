package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventdb/pkg/config"
	"eventdb/pkg/dberrors"
	"eventdb/pkg/scavenge"
	"eventdb/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 2113
	defaultShutdownTimeout = time.Second * 5
	defaultReadCount       = 20
	maxReadCount           = 4096
	maxBodyBytes           = 16 << 20
)

type iEventStore interface {
	WriteEvents(ctx context.Context, stream string, expected int64, events []store.EventData) (store.WriteResult, error)
	DeleteStream(ctx context.Context, stream string, expected int64) (int64, error)
	ReadEvent(stream string, number int64) (store.Event, error)
	ReadStreamForward(ctx context.Context, stream string, from int64, maxCount int) ([]store.Event, error)
	ReadStreamBackward(ctx context.Context, stream string, from int64, maxCount int) ([]store.Event, error)
	Checkpoints() map[string]int64
	Scavenge(ctx context.Context) (scavenge.Result, error)
}

// Server exposes the event store over HTTP.
type Server struct {
	store      iEventStore
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	URL        string
	addr       string
	readHeader time.Duration
	log        *slog.Logger
}

// NewServer creates a new server instance. Metrics are served from gatherer.
func NewServer(es iEventStore, gatherer prometheus.Gatherer, cfg config.ServerConfig) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		store:      es,
		gatherer:   gatherer,
		URL:        "http://localhost:" + strconv.Itoa(port),
		addr:       ":" + strconv.Itoa(port),
		readHeader: readHeader,
		log:        slog.Default().With("component", "http"),
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler returns the API handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/checkpoints", s.handleCheckpoints)

	r.Route("/streams/{stream}", func(r chi.Router) {
		r.Get("/", s.handleReadStream)
		r.Post("/", s.handleWrite)
		r.Delete("/", s.handleDelete)
		r.Get("/events/{number}", s.handleReadEvent)
	})

	r.Post("/admin/scavenge", s.handleScavenge)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeader,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrStreamDeleted):
		return http.StatusGone
	case errors.Is(err, dberrors.ErrWrongExpectedVersion), errors.Is(err, dberrors.ErrScavengeRunning):
		return http.StatusConflict
	case errors.Is(err, dberrors.ErrClosed), errors.Is(err, dberrors.ErrWriterFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewDataResponse(s.store.Checkpoints()))
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	stream := streamParam(r)
	q := r.URL.Query()

	count, err := intParam(q.Get("count"), defaultReadCount)
	if err != nil || count <= 0 || count > maxReadCount {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("count must be between 1 and "+strconv.Itoa(maxReadCount)))
		return
	}

	var events []store.Event
	switch direction := strings.ToLower(q.Get("direction")); direction {
	case "", "forward":
		from, err := int64Param(q.Get("from"), 0)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid from"))
			return
		}
		events, err = s.store.ReadStreamForward(r.Context(), stream, from, count)
		if err != nil {
			s.writeError(w, err)
			return
		}
	case "backward":
		from, err := int64Param(q.Get("from"), -1)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid from"))
			return
		}
		events, err = s.store.ReadStreamBackward(r.Context(), stream, from, count)
		if err != nil {
			s.writeError(w, err)
			return
		}
	default:
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Unknown direction "+direction))
		return
	}

	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = newEventResponse(e)
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(out))
}

func (s *Server) handleReadEvent(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number < 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid event number"))
		return
	}
	e, err := s.store.ReadEvent(streamParam(r), number)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(newEventResponse(e)))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	stream := streamParam(r)
	expected, err := expectedParam(r.URL.Query().Get("expected"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	var body []eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid events: "+err.Error()))
		return
	}
	events := make([]store.EventData, len(body))
	for i, e := range body {
		if e.Type == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing event type"))
			return
		}
		events[i] = e.toEventData()
	}

	res, err := s.store.WriteEvents(r.Context(), stream, expected, events)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDataResponse(writeResponse{WriteResult: res, Stream: stream}))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	stream := streamParam(r)
	expected, err := expectedParam(r.URL.Query().Get("expected"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	pos, err := s.store.DeleteStream(r.Context(), stream, expected)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(deleteResponse{Stream: stream, Position: pos}))
}

func (s *Server) handleScavenge(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Scavenge(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(res))
}

// streamParam returns the stream id. chi routes on the raw path when the
// request escapes characters such as '/'.
func streamParam(r *http.Request) string {
	v := chi.URLParam(r, "stream")
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func int64Param(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// expectedParam accepts "any", "no_stream" or an event number.
func expectedParam(v string) (int64, error) {
	switch v {
	case "", "any":
		return store.ExpectedAny, nil
	case "no_stream":
		return store.ExpectedNoStream, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < store.ExpectedAny {
		return 0, fmt.Errorf("invalid expected version %q", v)
	}
	return n, nil
}
