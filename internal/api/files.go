package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/joescharf/forge/internal/filesync"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/runtime"
	"github.com/joescharf/forge/internal/workspace"
)

// FileResponse is the JSON response for reading a file.
type FileResponse struct {
	Path     string               `json:"path"`
	Content  string               `json:"content"`
	Language string               `json:"language"`
	Metadata *models.FileMetadata `json:"metadata,omitempty"`
}

// WriteFileRequest is the JSON body for PUT /api/v1/files/{path}.
type WriteFileRequest struct {
	Content string              `json:"content"`
	Origin  models.ChangeOrigin `json:"origin"`
}

// CreateFileRequest is the JSON body for POST /api/v1/files.
type CreateFileRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Directory bool   `json:"directory"`
}

// RenameFileRequest is the JSON body for POST /api/v1/files/rename.
type RenameFileRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConflictResponse is returned with 409 when a write is held by a conflict.
type ConflictResponse struct {
	Error    string               `json:"error"`
	Conflict *models.FileConflict `json:"conflict,omitempty"`
}

func (s *Server) fileTree(w http.ResponseWriter, r *http.Request) {
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		paths := s.ws.Tree.Search(q)
		if paths == nil {
			paths = []string{}
		}
		writeJSON(w, http.StatusOK, paths)
		return
	}
	nodes := s.ws.Tree.Nodes()
	if nodes == nil {
		nodes = []*models.FileNode{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	p, err := runtime.CleanPath(r.PathValue("path"))
	if err != nil {
		writeErr(w, err)
		return
	}
	content, err := s.rt.ReadFile(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := FileResponse{Path: p, Content: content, Language: workspace.LanguageFromPath(p)}
	if meta, ok := s.sync.Metadata(p); ok {
		resp.Metadata = &meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	var req WriteFileRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := runtime.CleanPath(r.PathValue("path"))
	if err != nil {
		writeErr(w, err)
		return
	}

	switch req.Origin {
	case "", models.OriginEditor:
		// Editor changes are debounced; the tab tracks the unsaved content.
		if err := s.sync.ScheduleWrite(p, req.Content); err != nil {
			writeErr(w, err)
			return
		}
		s.ws.Buffers.Update(p, req.Content)
		writeJSON(w, http.StatusAccepted, map[string]any{"path": p, "pending": true})
	case models.OriginRuntime, models.OriginFileTree, models.OriginAgent:
		if err := s.sync.Write(r.Context(), p, req.Content, req.Origin); err != nil {
			s.writeWriteErr(w, p, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": p, "pending": false})
	default:
		writeError(w, http.StatusBadRequest, "invalid origin: "+string(req.Origin))
	}
}

func (s *Server) writeWriteErr(w http.ResponseWriter, p string, err error) {
	var ce *filesync.ConflictError
	if errors.As(err, &ce) {
		resp := ConflictResponse{Error: err.Error()}
		if c, ok := s.sync.Conflict(p); ok {
			resp.Conflict = &c
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeErr(w, err)
}

func (s *Server) createFile(w http.ResponseWriter, r *http.Request) {
	var req CreateFileRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	if req.Directory {
		if err := s.rt.Mkdir(r.Context(), req.Path); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.ws.Tree.Refresh(r.Context()); err != nil {
			s.logger.Warn("file tree refresh failed", "error", err)
		}
	} else if err := s.sync.CreateFile(r.Context(), req.Path, req.Content); err != nil {
		writeErr(w, err)
		return
	}
	p, _ := runtime.CleanPath(req.Path)
	writeJSON(w, http.StatusCreated, map[string]any{"path": p, "directory": req.Directory})
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.DeleteFile(r.Context(), r.PathValue("path")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameFile(w http.ResponseWriter, r *http.Request) {
	var req RenameFileRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	if err := s.sync.RenameFile(r.Context(), req.From, req.To); err != nil {
		writeErr(w, err)
		return
	}
	to, _ := runtime.CleanPath(req.To)
	writeJSON(w, http.StatusOK, map[string]string{"path": to})
}

// --- Editor tabs ---

func (s *Server) listTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.Buffers.Tabs())
}

func (s *Server) openTab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := runtime.CleanPath(req.Path)
	if err != nil || p == "" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	// Record the runtime content as the synced base so later edits to this
	// file can be checked for conflicts.
	if _, open := s.ws.Buffers.Get(p); !open {
		if err := s.sync.Pull(r.Context(), p); err != nil {
			writeErr(w, err)
			return
		}
	}
	content, ok := s.ws.FileContent(p)
	if !ok {
		content, err = s.rt.ReadFile(r.Context(), p)
		if err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.ws.Buffers.Open(p, content))
}

func (s *Server) closeTab(w http.ResponseWriter, r *http.Request) {
	p, err := runtime.CleanPath(r.PathValue("path"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !s.ws.Buffers.Close(p) {
		writeError(w, http.StatusNotFound, "tab not open: "+p)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
