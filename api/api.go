// Package api serves the read-only status surface of the archive plus the
// downstream processed acknowledgement, over chi.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/chanarchive/cursor"
	"github.com/hazyhaar/chanarchive/schedule"
	"github.com/hazyhaar/chanarchive/shield"
)

const maxListLimit = 1000

// Archive is the part of *cursor.Service the API reads.
type Archive interface {
	Channels(ctx context.Context) ([]*cursor.Channel, error)
	Status(ctx context.Context, channelID string) (*cursor.ChannelStatus, error)
	Runs(ctx context.Context, channelID string, limit int) ([]*cursor.Run, error)
	Messages(ctx context.Context, channelID string, opts cursor.ListOptions) ([]*cursor.Message, error)
	MarkProcessed(ctx context.Context, channelID string, ids []int64) (int64, error)
}

// Jobs lists scheduled jobs. *schedule.Scheduler satisfies it.
type Jobs interface {
	Entries() []schedule.Entry
}

// Server holds the handlers.
type Server struct {
	archive Archive
	jobs    Jobs
	logger  *slog.Logger
}

// New creates a Server. jobs may be nil when no scheduler runs.
func New(archive Archive, jobs Jobs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{archive: archive, jobs: jobs, logger: logger}
}

// Handler returns the router with the shield stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(s.logger) {
		r.Use(mw)
	}
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/jobs", s.handleJobs)
	r.Route("/channels", func(r chi.Router) {
		r.Get("/", s.handleChannels)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleChannel)
			r.Get("/runs", s.handleRuns)
			r.Get("/messages", s.handleMessages)
			r.Post("/messages/processed", s.handleProcessed)
		})
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	entries := []schedule.Entry{}
	if s.jobs != nil {
		if e := s.jobs.Entries(); e != nil {
			entries = e
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := s.archive.Channels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if chs == nil {
		chs = []*cursor.Channel{}
	}
	writeJSON(w, http.StatusOK, chs)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.archive.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runs, err := s.archive.Runs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*cursor.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := cursor.ListOptions{
		After:           int64(after),
		Limit:           limit,
		UnprocessedOnly: r.URL.Query().Get("unprocessed") == "1",
	}
	msgs, err := s.archive.Messages(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*cursor.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ProcessedRequest is the body of POST /channels/{id}/messages/processed.
type ProcessedRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	var req ProcessedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if len(req.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("message_ids required"))
		return
	}
	n, err := s.archive.MarkProcessed(r.Context(), chi.URLParam(r, "id"), req.MessageIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	shield.GetLogger(r.Context()).Error("api: request failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// queryInt reads a non-negative integer parameter, capped at maxListLimit
// for "limit".
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	if key == "limit" && n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
