// Package api serves cached build sessions and the live session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joescharf/apex/internal/llm"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/store"
)

// Live is the session currently being followed, if any.
type Live interface {
	State() *models.BuildSession
	Subscribe() (<-chan *models.BuildSession, func())
	SendMessage(ctx context.Context, content string) error
	Cancel(ctx context.Context) error
}

// Summarizer writes a report on a build session.
type Summarizer interface {
	SummarizeBuild(ctx context.Context, s *models.BuildSession) (*llm.BuildReport, error)
}

// Server provides the REST API handlers.
type Server struct {
	store  store.Store
	live   Live
	llm    Summarizer
	static http.Handler
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLive exposes a followed session under /api/v1/live.
func WithLive(l Live) Option { return func(s *Server) { s.live = l } }

// WithSummarizer enables POST /api/v1/builds/{id}/summary.
func WithSummarizer(sum Summarizer) Option { return func(s *Server) { s.llm = sum } }

// WithStatic serves h for every path outside the API.
func WithStatic(h http.Handler) Option { return func(s *Server) { s.static = h } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates a new API server.
func NewServer(st store.Store, opts ...Option) *Server {
	s := &Server{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Streaming routes must outlive the request timeout.
		r.Get("/live/events", s.liveEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/builds", s.listBuilds)
			r.Get("/builds/{id}", s.getBuild)
			r.Delete("/builds/{id}", s.deleteBuild)
			r.Get("/builds/{id}/events", s.listEvents)
			r.Get("/builds/{id}/chat", s.getChat)
			r.Get("/builds/{id}/thoughts", s.getThoughts)

			r.Get("/live", s.getLive)
			r.Post("/live/messages", s.postLiveMessage)
			r.Post("/live/cancel", s.cancelLive)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			r.Post("/builds/{id}/summary", s.summarizeBuild)
		})
	})

	if s.static != nil {
		r.NotFound(s.static.ServeHTTP)
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

// --- Builds ---

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BuildListFilter{
		Status:   models.BuildStatus(q.Get("status")),
		LiveOnly: q.Get("live") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	builds, err := s.store.ListBuilds(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if builds == nil {
		builds = []*models.BuildSession{}
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) loadBuild(w http.ResponseWriter, r *http.Request) (*models.BuildSession, bool) {
	id := chi.URLParam(r, "id")
	b, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return b, true
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	if b, ok := s.loadBuild(w, r); ok {
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) deleteBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteBuild(r.Context(), id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []*store.RecordedEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	if b, ok := s.loadBuild(w, r); ok {
		writeJSON(w, http.StatusOK, b.Chat.Items())
	}
}

func (s *Server) getThoughts(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	limit := models.ThoughtCapacity
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	thoughts := b.Thoughts.Last(limit)
	if thoughts == nil {
		thoughts = []models.AIThought{}
	}
	writeJSON(w, http.StatusOK, thoughts)
}

func (s *Server) summarizeBuild(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "summaries need anthropic.api_key to be configured")
		return
	}
	b, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	report, err := s.llm.SummarizeBuild(r.Context(), b)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Live session ---

func (s *Server) liveState(w http.ResponseWriter) (*models.BuildSession, bool) {
	if s.live == nil {
		writeError(w, http.StatusNotFound, "no live session")
		return nil, false
	}
	st := s.live.State()
	if st == nil {
		writeError(w, http.StatusNotFound, "no live session")
		return nil, false
	}
	return st, true
}

func (s *Server) getLive(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.liveState(w); ok {
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) postLiveMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.liveState(w); !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.live.SendMessage(r.Context(), body.Content); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelLive(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.liveState(w); !ok {
		return
	}
	if err := s.live.Cancel(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// liveEvents streams the live session as server-sent events. Each event
// carries a complete snapshot; the current one is sent first.
func (s *Server) liveEvents(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusNotFound, "no live session")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsubscribe := s.live.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if st := s.live.State(); st != nil {
		if err := writeSSE(w, st); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if st == nil {
				continue
			}
			if err := writeSSE(w, st); err != nil {
				s.logger.Debug("sse write", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, st *models.BuildSession) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
	return err
}
