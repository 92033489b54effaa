// Package server exposes the engine over HTTP JSON + SSE. Completion
// endpoints build a root runnable per request and stream its events;
// everything else is thin CRUD over the memory facade, the settings store,
// and the archive manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nevindra/reverie"
	"github.com/nevindra/reverie/archive"
)

// ProviderResolver returns the LLM provider for a named model endpoint.
// An empty name resolves the default endpoint.
type ProviderResolver func(ctx context.Context, name string) (reverie.Provider, error)

// Server holds the engine's wired collaborators and the HTTP mux.
type Server struct {
	memory    *reverie.Memory
	clock     *reverie.Clock
	settings  reverie.SettingsStore
	idx       reverie.Indexer
	archives  *archive.Manager
	providers ProviderResolver
	tools     *reverie.ToolCollection

	reflectionEvery int
	logger          *slog.Logger
	tracer          reverie.Tracer

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer handed to agents and flows.
func WithTracer(t reverie.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithReflectionEvery overrides the background writer cadence.
func WithReflectionEvery(n int) Option {
	return func(s *Server) { s.reflectionEvery = n }
}

// New wires a Server. settings and archives may be nil; their endpoints
// then answer 404.
func New(memory *reverie.Memory, settings reverie.SettingsStore, idx reverie.Indexer,
	archives *archive.Manager, providers ProviderResolver, tools *reverie.ToolCollection,
	opts ...Option) *Server {
	s := &Server{
		memory:    memory,
		clock:     memory.Clock(),
		settings:  settings,
		idx:       idx,
		archives:  archives,
		providers: providers,
		tools:     tools,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("POST /v1/flow/completions", s.handleFlowCompletions)

	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PUT /v1/sessions/{id}", s.handleRenameSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)

	s.mux.HandleFunc("GET /v1/sessions/{id}/time", s.handleGetTime)
	s.mux.HandleFunc("POST /v1/sessions/{id}/time/seek", s.handleSeek)
	s.mux.HandleFunc("POST /v1/sessions/{id}/time/nudge", s.handleNudge)
	s.mux.HandleFunc("POST /v1/sessions/{id}/time/speed", s.handleSpeed)

	s.mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleGetMessages)
	s.mux.HandleFunc("DELETE /v1/messages/{id}", s.handleDeleteMessage)

	s.mux.HandleFunc("GET /v1/sessions/{id}/relations", s.handleListRelations)
	s.mux.HandleFunc("POST /v1/sessions/{id}/relations", s.handleSetRelation)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/relations/{rid}", s.handleDeleteRelation)

	s.mux.HandleFunc("GET /v1/sessions/{id}/frontend-messages", s.handleListFrontendMessages)
	s.mux.HandleFunc("POST /v1/sessions/{id}/frontend-messages", s.handleAddFrontendMessage)

	s.mux.HandleFunc("POST /v1/search/messages", s.handleSearchMessages)
	s.mux.HandleFunc("POST /v1/search/scenarios", s.handleSearchScenarios)
	s.mux.HandleFunc("POST /v1/search/schedules", s.handleSearchSchedules)

	s.mux.HandleFunc("GET /v1/characters", s.handleListCharacters)
	s.mux.HandleFunc("POST /v1/characters", s.handleCreateCharacter)
	s.mux.HandleFunc("GET /v1/characters/{id}", s.handleGetCharacter)
	s.mux.HandleFunc("PUT /v1/characters/{id}", s.handleUpdateCharacter)
	s.mux.HandleFunc("DELETE /v1/characters/{id}", s.handleDeleteCharacter)

	s.mux.HandleFunc("GET /v1/models", s.handleListModels)
	s.mux.HandleFunc("POST /v1/models", s.handleCreateModel)
	s.mux.HandleFunc("GET /v1/models/{id}", s.handleGetModel)
	s.mux.HandleFunc("PUT /v1/models/{id}", s.handleUpdateModel)
	s.mux.HandleFunc("DELETE /v1/models/{id}", s.handleDeleteModel)

	s.mux.HandleFunc("GET /v1/archives", s.handleListArchives)
	s.mux.HandleFunc("POST /v1/archives", s.handleCreateArchive)
	s.mux.HandleFunc("POST /v1/archives/reset", s.handleResetWorking)
	s.mux.HandleFunc("POST /v1/archives/{name}/load", s.handleLoadArchive)
	s.mux.HandleFunc("PUT /v1/archives/{name}", s.handleOverwriteArchive)
	s.mux.HandleFunc("DELETE /v1/archives/{name}", s.handleDeleteArchive)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP statuses: validation 400,
// missing 404, conflicts 409, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		invalid  *reverie.ErrInvalid
		notFound *reverie.ErrNotFound
		conflict *reverie.ErrConflict
	)
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &reverie.ErrInvalid{Op: "request", Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}
