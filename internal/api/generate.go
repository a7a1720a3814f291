package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/metrics"
)

// generate proxies one phase request to the generation transport and streams
// the answer back as server-sent events: a frame per fragment, a final frame
// carrying the full content, then [DONE]. Fields other than phase, system and
// prompt are forwarded as the payload.
func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		writeError(w, http.StatusServiceUnavailable, "generation service not configured")
		return
	}
	var body map[string]any
	if !decodeJSON(r, &body) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	phase, _ := body["phase"].(string)
	system, _ := body["system"].(string)
	prompt, _ := body["prompt"].(string)
	if !llm.Phase(phase).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid phase: %q", phase))
		return
	}
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	delete(body, "phase")
	delete(body, "system")
	delete(body, "prompt")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	p := llm.Phase(phase)
	start := time.Now()
	full, err := s.gen.Stream(r.Context(), llm.Request{
		Phase:   p,
		System:  system,
		Prompt:  prompt,
		Payload: body,
	}, func(fragment string) {
		writeEvent(w, llm.StreamEvent{Content: fragment, Phase: p})
		flusher.Flush()
	})
	metrics.RecordGeneration(phase, err == nil, time.Since(start))
	if err != nil {
		s.logger.Warn("generation failed", "phase", phase, "error", err)
		writeEvent(w, llm.StreamEvent{Error: err.Error(), Phase: p})
	} else {
		writeEvent(w, llm.StreamEvent{Done: true, Phase: p, FullContent: full})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, ev llm.StreamEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}
