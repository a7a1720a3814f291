package api

import (
	"net/http"
	"time"

	"github.com/joescharf/forge/internal/models"
)

// SyncStatusResponse is the JSON response for GET /api/v1/sync.
type SyncStatusResponse struct {
	Status       models.SyncStatus `json:"status"`
	LastError    string            `json:"lastError,omitempty"`
	LastSyncTime *time.Time        `json:"lastSyncTime,omitempty"`
	AutoSave     bool              `json:"autoSave"`
	Pending      int               `json:"pending"`
	Conflicts    int               `json:"conflicts"`
}

// ResolveConflictRequest is the JSON body for POST /api/v1/sync/conflicts/resolve.
// Content, when set, is a manual merge and Resolution is ignored.
type ResolveConflictRequest struct {
	Path       string                    `json:"path"`
	Resolution models.ConflictResolution `json:"resolution"`
	Content    *string                   `json:"content,omitempty"`
}

func (s *Server) syncStatusResponse() SyncStatusResponse {
	resp := SyncStatusResponse{
		Status:    s.sync.Status(),
		AutoSave:  s.sync.AutoSave(),
		Pending:   len(s.sync.PendingChanges()),
		Conflicts: len(s.sync.Conflicts()),
	}
	if err := s.sync.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	if t := s.sync.LastSyncTime(); !t.IsZero() {
		resp.LastSyncTime = &t
	}
	return resp
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncStatusResponse())
}

func (s *Server) pendingChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.PendingChanges())
}

func (s *Server) flushPending(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.FlushPendingChanges(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.syncStatusResponse())
}

func (s *Server) setAutoSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.sync.SetAutoSave(req.Enabled)
	writeJSON(w, http.StatusOK, s.syncStatusResponse())
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Conflicts())
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveConflictRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	var err error
	if req.Content != nil {
		err = s.sync.ResolveWithContent(r.Context(), req.Path, *req.Content)
	} else {
		err = s.sync.ResolveConflict(r.Context(), req.Path, req.Resolution)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.syncStatusResponse())
}
