// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mnemo/pkg/agent"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/session"
)

// sessionInfo is the created-session shape in the create response.
type sessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleListSessions serves GET /sessions. Sessions that never accumulated
// a message are hidden by the manager.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	metas, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if metas == nil {
		metas = []session.Metadata{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":       metas,
		"count":          len(metas),
		"currentSession": s.deps.Sessions.Current(),
		"processingTime": time.Since(start).Milliseconds(),
	})
}

// handleCreateSession serves POST /sessions. The body is optional; without
// a requested id the manager generates one.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, "invalid request body", nil)
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), req.SessionID)
	if err != nil {
		writeFault(w, r, err)
		return
	}

	meta := sess.Metadata()
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": sessionInfo{ID: meta.ID, CreatedAt: meta.CreatedAt},
		"created": true,
	})
}

// handleCurrentSession serves GET /sessions/current.
func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	current := s.deps.Sessions.Current()
	if current == "" {
		writeError(w, r, http.StatusNotFound, CodeSessionNotFound, "no current session", nil)
		return
	}

	meta, err := s.deps.Sessions.Get(r.Context(), current)
	if err != nil {
		writeSessionFault(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": meta.ID,
		"metadata":  meta,
		"isCurrent": true,
	})
}

// handleGetSession serves GET /sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionFault(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": meta.ID,
		"metadata":  meta,
		"isCurrent": meta.ID == s.deps.Sessions.Current(),
	})
}

// handleLoadSession serves POST /sessions/{id}/load: hydrate the session
// and return its history. Currency follows conversation, not loading: a
// session becomes current when a turn runs under it, so a loaded-but-idle
// session stays deletable.
func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.deps.Sessions.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionFault(w, r, err)
		return
	}

	history := sess.Conversation().RawMessages()
	if history == nil {
		history = []llm.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":           sess.ID(),
		"loaded":              true,
		"conversationHistory": history,
	})
}

// handleHistory serves GET /sessions/{id}/history without loading the
// session into the cache. The source field reports which storage tier
// served the read.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	messages, source, err := s.deps.Sessions.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionFault(w, r, err)
		return
	}
	if messages == nil {
		messages = []llm.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":      sanitizedID(chi.URLParam(r, "id")),
		"history":        messages,
		"count":          len(messages),
		"source":         source,
		"processingTime": time.Since(start).Milliseconds(),
	})
}

// handleDeleteSession serves DELETE /sessions/{id}. The current session is
// refused with a validation error.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := sanitizedID(chi.URLParam(r, "id"))

	if err := s.deps.Sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionFault(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  id,
		"deleted":    true,
		"successful": true,
	})
}

// handleStats serves GET /sessions/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	runtimeStats := map[string]any{}
	optimization := map[string]any{}
	if s.deps.Stats != nil {
		if rs := s.deps.Stats.RuntimeStats(); rs != nil {
			runtimeStats = rs
		}
		if os := s.deps.Stats.OptimizationStatus(); os != nil {
			optimization = os
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionStats":       s.deps.Sessions.Stats(),
		"runtimeStats":       runtimeStats,
		"optimizationStatus": optimization,
	})
}

// runRequest is the POST /sessions/{id}/run body.
type runRequest struct {
	Input    string `json:"input"`
	ImageRef string `json:"imageRef,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
}

// handleRun serves POST /sessions/{id}/run: one conversational turn.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, "invalid request body", nil)
		return
	}

	var image *llm.Image
	if req.ImageRef != "" {
		image = &llm.Image{URI: req.ImageRef}
	}

	id := chi.URLParam(r, "id")
	if req.Stream {
		s.runStreaming(w, r, id, req.Input, image)
		return
	}

	result, err := s.deps.Agent.Run(r.Context(), id, req.Input, image, nil)
	if err != nil {
		writeFault(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":      result.SessionID,
		"response":       result.Text,
		"processingTime": time.Since(start).Milliseconds(),
	})
}

// runStreaming streams the turn as server-sent events: text deltas as
// "message" events, then one "done" event with the turn summary. Errors
// after the stream opens arrive as an "error" event since the status line
// is already on the wire.
func (s *Server) runStreaming(w http.ResponseWriter, r *http.Request, id, input string, image *llm.Image) {
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, CodeInternalError, "streaming unsupported by connection", nil)
		return
	}

	// Streaming turns are exempt from the write deadline; the model may
	// legitimately take longer than the request timeout to finish talking.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := func(text string) {
		sendEvent(w, flusher, "message", map[string]any{"text": text})
	}

	result, err := s.deps.Agent.Run(r.Context(), id, input, image, &agent.RunOptions{Stream: true, Sink: sink})
	if err != nil {
		_, code := statusAndCode(err)
		sendEvent(w, flusher, "error", map[string]any{
			"code":    code,
			"message": shortMessage(err),
		})
		return
	}

	sendEvent(w, flusher, "done", map[string]any{
		"sessionId":      result.SessionID,
		"response":       result.Text,
		"processingTime": time.Since(start).Milliseconds(),
	})
}

// handleHealthz serves GET /healthz. Degraded backends (vector store on its
// in-memory fallback, disabled embeddings) surface in the component map.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.deps.Health != nil {
		components, healthy := s.deps.Health.Health(r.Context())
		if !healthy {
			payload["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		for name, state := range components {
			payload[name] = state
		}
	}

	writeJSON(w, status, payload)
}

// decodeBody decodes an optional JSON body. An empty body yields the zero
// request.
func decodeBody(r *http.Request, into any) error {
	err := json.NewDecoder(r.Body).Decode(into)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sanitizedID normalizes a path id the same way the session manager does,
// so responses echo the id actually used.
func sanitizedID(raw string) string {
	if id, ok := session.SanitizeID(raw); ok {
		return id
	}
	return raw
}

// sendEvent writes one server-sent event and flushes it to the client.
func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
