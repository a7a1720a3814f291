package api

import (
	"net/http"
	"sort"

	"github.com/joescharf/forge/internal/runtime"
	"github.com/joescharf/forge/internal/templates"
	"github.com/joescharf/forge/internal/workspace"
)

// RuntimeStatusResponse is the JSON response for GET /api/v1/runtime.
type RuntimeStatusResponse struct {
	Status    runtime.Status     `json:"status"`
	Ready     bool               `json:"ready"`
	Root      string             `json:"root,omitempty"`
	Ports     map[int]string     `json:"ports"`
	Processes []*runtime.Process `json:"processes"`
	DevServer bool               `json:"devServer"`
}

func (s *Server) runtimeStatus(w http.ResponseWriter, r *http.Request) {
	s.devMu.Lock()
	dev := s.dev != nil
	s.devMu.Unlock()

	writeJSON(w, http.StatusOK, RuntimeStatusResponse{
		Status:    s.rt.Status(),
		Ready:     s.rt.Ready(),
		Root:      s.rt.Root(),
		Ports:     s.rt.Ports(),
		Processes: s.rt.Processes(),
		DevServer: dev,
	})
}

func (s *Server) bootRuntime(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Boot(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ws.Tree.Refresh(r.Context()); err != nil {
		s.logger.Warn("file tree refresh failed", "error", err)
	}
	s.runtimeStatus(w, r)
}

// MountRequest is the JSON body for POST /api/v1/runtime/mount.
type MountRequest struct {
	Template string `json:"template"`
	Force    bool   `json:"force"`
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, templates.List())
}

// mountTemplate writes a starter project into the sandbox. A non-empty
// sandbox is refused unless force is set.
func (s *Server) mountTemplate(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	files, err := templates.Files(req.Template)
	if err != nil {
		writeErr(w, err)
		return
	}
	empty, err := s.rt.Empty(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if !empty && !req.Force {
		writeError(w, http.StatusConflict, "sandbox is not empty")
		return
	}
	if err := s.rt.Mount(r.Context(), files); err != nil {
		writeErr(w, err)
		return
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
		if err := s.sync.Pull(r.Context(), p); err != nil {
			s.logger.Warn("pull mounted file failed", "path", p, "error", err)
		}
	}
	sort.Strings(paths)
	if err := s.ws.Tree.Refresh(r.Context()); err != nil {
		s.logger.Warn("file tree refresh failed", "error", err)
	}
	s.logger.Info("template mounted", "template", req.Template, "files", len(files))
	writeJSON(w, http.StatusCreated, map[string]any{"files": paths})
}

func (s *Server) installDependencies(w http.ResponseWriter, r *http.Request) {
	res, err := s.rt.InstallDependencies(r.Context(), s.consoleOutput)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) startDevServer(w http.ResponseWriter, r *http.Request) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.dev != nil {
		writeError(w, http.StatusConflict, "dev server already running")
		return
	}

	dev, err := s.rt.StartDevServer(r.Context(), s.consoleOutput)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.dev = dev
	go func() {
		<-dev.Done()
		s.devMu.Lock()
		if s.dev == dev {
			s.dev = nil
		}
		s.devMu.Unlock()
		s.term.publish(terminalMessage{Type: "exit"})
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": dev.ID()})
}

func (s *Server) stopDevServer(w http.ResponseWriter, r *http.Request) {
	s.devMu.Lock()
	dev := s.dev
	s.dev = nil
	s.devMu.Unlock()
	if dev == nil {
		writeError(w, http.StatusNotFound, errDevServerStopped.Error())
		return
	}
	if err := dev.Kill(); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) devServer() *runtime.DevServer {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.dev
}

func (s *Server) consoleLines(w http.ResponseWriter, r *http.Request) {
	lines := s.ws.Console.Lines()
	if lines == nil {
		lines = []workspace.ConsoleLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// consoleOutput records a line of process output and forwards it to
// connected terminals.
func (s *Server) consoleOutput(line string) {
	s.ws.Console.Append(line)
	s.term.publish(terminalMessage{Type: "output", Data: line})
}
