// Package httpapi is the REST adapter: a thin translation layer onto the
// room service, scheduler, and knowledge store. The core itself exposes no
// HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/parleylabs/parley/internal/knowledge"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/scheduler"
	"github.com/parleylabs/parley/internal/store"
)

// Server holds the adapter's dependencies. Engine may be nil when serving a
// store without a running scheduler (inspection mode).
type Server struct {
	svc    *rooms.Service
	engine *scheduler.Engine
}

func NewServer(svc *rooms.Service, engine *scheduler.Engine) *Server {
	return &Server{svc: svc, engine: engine}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleRetireAgent)
	mux.HandleFunc("GET /v1/agents/{id}/knowledge", s.handleGetKnowledge)
	mux.HandleFunc("PUT /v1/agents/{id}/knowledge", s.handlePutKnowledge)
	mux.HandleFunc("GET /v1/agents/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /v1/agents/{id}/poke", s.handlePoke)
	mux.HandleFunc("GET /v1/rooms/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/rooms/{id}/messages", s.handlePostMessage)
	return mux
}

// ListenAndServe runs the adapter until the server errors out.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	slog.Info("rest adapter listening", "addr", addr)
	return srv.ListenAndServe()
}

type agentView struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Kind         store.AgentKind   `json:"kind"`
	Model        string            `json:"model,omitempty"`
	Status       store.AgentStatus `json:"status"`
	TokenBudget  int               `json:"token_budget"`
	IntervalSecs float64           `json:"interval_secs"`
	WPM          int               `json:"wpm"`
	IsArchitect  bool              `json:"is_architect"`
	MayCreate    bool              `json:"may_create_agents"`
	Billboard    string            `json:"billboard,omitempty"`
	SleepUntil   *time.Time        `json:"sleep_until,omitempty"`
	Rooms        []int64           `json:"rooms"`
}

func (s *Server) agentView(a *store.Agent) (*agentView, error) {
	mems, err := s.svc.Store().ListMembershipsForAgent(a.ID)
	if err != nil {
		return nil, err
	}
	roomIDs := make([]int64, 0, len(mems))
	for _, m := range mems {
		roomIDs = append(roomIDs, m.RoomID)
	}
	return &agentView{
		ID:           a.ID,
		Name:         a.Name,
		Kind:         a.Kind,
		Model:        a.Model,
		Status:       a.Status,
		TokenBudget:  a.TokenBudget,
		IntervalSecs: a.IntervalSecs,
		WPM:          a.WPM,
		IsArchitect:  a.IsArchitect,
		MayCreate:    a.MayCreateAgents,
		Billboard:    a.Billboard,
		SleepUntil:   a.SleepUntil,
		Rooms:        roomIDs,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"running": s.engine != nil}
	if s.engine != nil {
		out["engine"] = s.engine.Status()
	}
	agents, err := s.svc.Store().ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out["agents"] = len(agents)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.Store().ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]*agentView, 0, len(agents))
	for _, a := range agents {
		v, err := s.agentView(a)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string  `json:"name"`
		SeedPrompt   string  `json:"seed_prompt"`
		Kind         string  `json:"kind"`
		Model        string  `json:"model"`
		InRoomID     *int64  `json:"in_room_id"`
		TokenBudget  int     `json:"token_budget"`
		IntervalSecs float64 `json:"interval_secs"`
		WPM          int     `json:"wpm"`
		MayCreate    bool    `json:"may_create_agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	kind := store.KindBot
	if req.Kind == string(store.KindPersona) {
		kind = store.KindPersona
	}
	ag, err := s.svc.CreateAgent(rooms.CreateParams{
		Name:         req.Name,
		SeedPrompt:   req.SeedPrompt,
		Kind:         kind,
		Model:        req.Model,
		InRoomID:     req.InRoomID,
		TokenBudget:  req.TokenBudget,
		IntervalSecs: req.IntervalSecs,
		WPM:          req.WPM,
		MayCreate:    req.MayCreate,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	v, err := s.agentView(ag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	v, err := s.agentView(ag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRetireAgent(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteAgent(ag.ID); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, rooms.ErrArchitect) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": ag.Knowledge})
}

func (s *Server) handlePutKnowledge(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	var req struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	doc := knowledge.FromMap(ag.Knowledge)
	if err := doc.Set(req.Path, req.Value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	ag.Knowledge = doc.Map()
	if err := s.svc.Store().SaveAgent(ag); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": ag.Knowledge})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	if s.engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": s.engine.History().For(ag.ID)})
}

func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusConflict, errors.New("engine is not running"))
		return
	}
	s.engine.Poke(ag.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.loadAgent(w, r) // room id == agent id
	if !ok {
		return
	}
	msgs, err := s.svc.Store().ListMessagesForRoom(ag.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be a sequence number"))
			return
		}
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.Seq > seq {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	views := make([]*messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

type messageView struct {
	ID         int64             `json:"id"`
	RoomID     int64             `json:"room_id"`
	SenderID   *int64            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Seq        int64             `json:"seq"`
	Type       store.MessageType `json:"type"`
	ReplyTo    *int64            `json:"reply_to,omitempty"`
}

func newMessageView(m *store.Message) *messageView {
	return &messageView{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Seq:        m.Seq,
		Type:       m.Type,
		ReplyTo:    m.ReplyTo,
	}
}

// handlePostMessage posts into a room as the Architect.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadAgent(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
		ReplyTo *int64 `json:"reply_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	arch, err := s.svc.Store().GetArchitect()
	if err != nil {
		writeError(w, http.StatusConflict, errors.New("no architect on the roster"))
		return
	}
	msg, err := s.svc.PostMessage(room.ID, &arch.ID, arch.Name, req.Content, store.MessageText, req.ReplyTo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMessageView(msg))
}

func (s *Server) loadAgent(w http.ResponseWriter, r *http.Request) (*store.Agent, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("id must be numeric"))
		return nil, false
	}
	ag, err := s.svc.Store().GetAgent(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("agent %d not found", id))
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return ag, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
