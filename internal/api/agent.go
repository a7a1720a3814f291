package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/store"
)

const defaultRunListLimit = 50

// RunAgentRequest is the JSON body for POST /api/v1/agent/run.
type RunAgentRequest struct {
	Request string `json:"request"`
	// Wait holds the response until the run settles and returns its final state.
	Wait bool `json:"wait"`
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	var req RunAgentRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}
	if s.runner.Store().State().Processing {
		writeError(w, http.StatusConflict, "agent is already processing a request")
		return
	}

	if req.Wait {
		final, err := s.runner.Run(r.Context(), req.Request)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, final)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.runner.Run(context.Background(), req.Request); err != nil {
			s.logger.Warn("agent run not started", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) agentState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Store().State())
}

func (s *Server) agentProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Store().Progress())
}

func (s *Server) agentLogs(w http.ResponseWriter, r *http.Request) {
	var logs []models.LogEntry
	if runID := r.URL.Query().Get("run"); runID != "" {
		logs = s.runner.Store().RunLogs(runID)
	} else {
		logs = s.runner.Store().Logs()
	}
	if n := queryInt(r, "limit"); n > 0 && len(logs) > n {
		logs = logs[len(logs)-n:]
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) rollbackAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Rollback(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Store().State())
}

func (s *Server) resetAgent(w http.ResponseWriter, r *http.Request) {
	s.runner.Reset()
	writeJSON(w, http.StatusOK, s.runner.Store().State())
}

func (s *Server) cancelAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.runner.Cancel()})
}

// --- Run history ---

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	q := r.URL.Query()
	filter := store.RunListFilter{
		State: models.AgentState(q.Get("state")),
		Open:  q.Get("open") == "true",
		Limit: defaultRunListLimit,
	}
	if n := queryInt(r, "limit"); n > 0 {
		filter.Limit = n
	}
	runs, err := s.store.ListAgentRuns(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*models.AgentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	run, err := s.store.GetAgentRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) runLogs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetAgentRun(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	logs, err := s.store.ListAgentLogs(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
