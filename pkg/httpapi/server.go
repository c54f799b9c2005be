// Package httpapi exposes the kernel's method calls over the HTTP/WS
// surface: agent lifecycle, messaging, board/worker/workspace views, and
// the live event stream. Errors inside a running agent surface as event
// emissions, not HTTP failures; error statuses come only from malformed
// requests, unknown ids, a failed agent start, and a failed journal read.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wangtian24/agiraph/pkg/board"
	"github.com/wangtian24/agiraph/pkg/coordinator"
	"github.com/wangtian24/agiraph/pkg/kernel"
	"github.com/wangtian24/agiraph/pkg/telemetry"
)

// Server routes the public surface onto a kernel registry.
type Server struct {
	registry *kernel.Registry
	tel      telemetry.Bundle
	upgrader websocket.Upgrader
}

// New builds a Server over registry.
func New(registry *kernel.Registry, tel telemetry.Bundle) *Server {
	if tel.Log == nil {
		tel = telemetry.Noop()
	}
	return &Server{
		registry: registry,
		tel:      tel,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler returns the mounted route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.startAgent)
		r.Get("/", s.listAgents)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.agentSummary)
			r.Delete("/", s.deleteAgent)
			r.Post("/send", s.sendMessage)
			r.Post("/respond", s.respond)
			r.Post("/stop", s.stopAgent)
			r.Get("/conversation", s.conversation)
			r.Get("/board", s.boardView)
			r.Get("/board/{nodeID}", s.nodeDetail)
			r.Get("/workers", s.workers)
			r.Get("/workspace", s.workspaceFile)
			r.Get("/workspace/*", s.workspaceFile)
			r.Get("/memory", s.memoryFile)
			r.Get("/memory/*", s.memoryFile)
			r.Get("/events", s.events)
		})
	})
	return r
}

func (s *Server) agent(w http.ResponseWriter, r *http.Request) (*kernel.Agent, bool) {
	id := chi.URLParam(r, "id")
	a, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return nil, false
	}
	return a, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type startRequest struct {
	Goal  string `json:"goal"`
	Model string `json:"model"`
	Mode  string `json:"mode"`
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Goal == "" {
		http.Error(w, "goal is required", http.StatusBadRequest)
		return
	}
	mode := coordinator.ModeFinite
	if req.Mode == string(coordinator.ModeInfinite) {
		mode = coordinator.ModeInfinite
	}
	a, err := s.registry.Start(r.Context(), req.Goal, mode, req.Model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, a.Summary())
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) agentSummary(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Summary())
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// sendMessage always succeeds once the message is queued; delivery problems
// surface as message.undeliverable events, never as HTTP failures.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	a.SendMessage(r.Context(), req.To, req.Content)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type respondRequest struct {
	Response string `json:"response"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	a.Respond(r.Context(), req.Response)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	a.Stop(r.Context())
	writeJSON(w, http.StatusAccepted, a.Summary())
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Coord.Conversation())
}

type nodeView struct {
	board.Node
	Published []string `json:"published,omitempty"`
}

func (s *Server) boardView(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Board.All())
}

func (s *Server) nodeDetail(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	n, found := a.Board.Get(nodeID)
	if !found {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, nodeView{Node: n, Published: a.Scope.PublishedFiles(a.RunID(), nodeID)})
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Pool.All())
}

func (s *Server) workspaceFile(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	rel := chi.URLParam(r, "*")
	if rel == "" {
		rel = "."
	}
	data, err := a.WorkspaceFile(rel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) memoryFile(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	rel := chi.URLParam(r, "*")
	if rel == "" {
		rel = "index.md"
	}
	data, err := a.MemoryFile(rel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

// events serves both the JSON backfill (plain GET, ?limit=N) and the live
// WebSocket stream (upgrade requests). A consumer that reads the backfill
// and then connects live deduplicates on each event's (type, ts) key.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		events, err := a.Log.Recent(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.Log.Subscribe()
	defer sub.Close()

	// Reader goroutine: its only job is to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
