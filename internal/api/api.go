// Package api serves the IDE over HTTP: runtime control, file operations
// through the sync engine, conflict resolution, the agent loop, the streaming
// generation endpoint and a websocket terminal for the dev server.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"

	"github.com/joescharf/forge/internal/agent"
	"github.com/joescharf/forge/internal/filesync"
	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/runtime"
	"github.com/joescharf/forge/internal/store"
	"github.com/joescharf/forge/internal/templates"
	"github.com/joescharf/forge/internal/workspace"
)

// Deps are the components the server exposes. Store and Generation may be
// nil: run history and the generation endpoint then answer 503.
type Deps struct {
	Runtime    *runtime.Runtime
	Sync       *filesync.Engine
	Workspace  *workspace.Workspace
	Runner     *agent.Runner
	Store      store.Store
	Generation llm.Transport
	Logger     *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	rt     *runtime.Runtime
	sync   *filesync.Engine
	ws     *workspace.Workspace
	runner *agent.Runner
	store  store.Store
	gen    llm.Transport
	logger *slog.Logger

	term *terminal
	runs sync.WaitGroup

	devMu sync.Mutex
	dev   *runtime.DevServer
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		rt:     d.Runtime,
		sync:   d.Sync,
		ws:     d.Workspace,
		runner: d.Runner,
		store:  d.Store,
		gen:    d.Generation,
		logger: logger,
		term:   newTerminal(),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/runtime", s.runtimeStatus)
	mux.HandleFunc("POST /api/v1/runtime/boot", s.bootRuntime)
	mux.HandleFunc("POST /api/v1/runtime/mount", s.mountTemplate)
	mux.HandleFunc("POST /api/v1/runtime/install", s.installDependencies)
	mux.HandleFunc("POST /api/v1/runtime/dev", s.startDevServer)
	mux.HandleFunc("DELETE /api/v1/runtime/dev", s.stopDevServer)
	mux.HandleFunc("GET /api/v1/runtime/console", s.consoleLines)
	mux.HandleFunc("GET /api/v1/runtime/terminal", s.terminalSocket)

	mux.HandleFunc("GET /api/v1/templates", s.listTemplates)

	mux.HandleFunc("GET /api/v1/files", s.fileTree)
	mux.HandleFunc("POST /api/v1/files", s.createFile)
	mux.HandleFunc("POST /api/v1/files/rename", s.renameFile)
	mux.HandleFunc("GET /api/v1/files/{path...}", s.readFile)
	mux.HandleFunc("PUT /api/v1/files/{path...}", s.writeFile)
	mux.HandleFunc("DELETE /api/v1/files/{path...}", s.deleteFile)

	mux.HandleFunc("GET /api/v1/editor/tabs", s.listTabs)
	mux.HandleFunc("POST /api/v1/editor/tabs", s.openTab)
	mux.HandleFunc("DELETE /api/v1/editor/tabs/{path...}", s.closeTab)

	mux.HandleFunc("GET /api/v1/sync", s.syncStatus)
	mux.HandleFunc("GET /api/v1/sync/pending", s.pendingChanges)
	mux.HandleFunc("POST /api/v1/sync/flush", s.flushPending)
	mux.HandleFunc("PUT /api/v1/sync/autosave", s.setAutoSave)
	mux.HandleFunc("GET /api/v1/sync/conflicts", s.listConflicts)
	mux.HandleFunc("POST /api/v1/sync/conflicts/resolve", s.resolveConflict)

	mux.HandleFunc("POST /api/v1/agent/run", s.runAgent)
	mux.HandleFunc("GET /api/v1/agent/state", s.agentState)
	mux.HandleFunc("GET /api/v1/agent/progress", s.agentProgress)
	mux.HandleFunc("GET /api/v1/agent/logs", s.agentLogs)
	mux.HandleFunc("POST /api/v1/agent/rollback", s.rollbackAgent)
	mux.HandleFunc("POST /api/v1/agent/reset", s.resetAgent)
	mux.HandleFunc("POST /api/v1/agent/cancel", s.cancelAgent)
	mux.HandleFunc("GET /api/v1/agent/runs", s.listRuns)
	mux.HandleFunc("GET /api/v1/agent/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/v1/agent/runs/{id}/logs", s.runLogs)

	mux.HandleFunc("POST /api/v1/ai/agent", s.generate)

	mux.Handle("GET /metrics", metrics.Handler())

	return corsMiddleware(mux)
}

// Close cancels the agent run in progress, stops the dev server and waits
// for background runs to settle.
func (s *Server) Close() {
	if s.runner != nil {
		s.runner.Cancel()
	}
	s.devMu.Lock()
	if s.dev != nil {
		_ = s.dev.Kill()
		s.dev = nil
	}
	s.devMu.Unlock()
	s.runs.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
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

// writeErr maps err onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, runtime.ErrInvalidPath),
		errors.Is(err, filesync.ErrInvalidResolution),
		errors.Is(err, templates.ErrUnknown):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, filesync.ErrNoConflict):
		return http.StatusNotFound
	case errors.Is(err, filesync.ErrConflict),
		errors.Is(err, filesync.ErrMergeConflict),
		errors.Is(err, agent.ErrBusy),
		errors.Is(err, agent.ErrInvalidTransition),
		errors.Is(err, agent.ErrNothingToRollback):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrRuntimeUnavailable),
		errors.Is(err, filesync.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}
