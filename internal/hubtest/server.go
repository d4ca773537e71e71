// Package hubtest runs an in-process hub double for package tests: the agent
// REST surface over an in-memory store, a websocket endpoint speaking the
// private-channel subscribe protocol, and per-operation fault injection.
// It is imported only from _test files.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentmc-ai/supervisor/internal/hubapi"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// Operation names accepted by Fail. They mirror the agent API verbs.
const (
	OpListRequestedSessions = "listRequestedSessions"
	OpClaimSession          = "claimSession"
	OpAuthenticateSocket    = "authenticateSocket"
	OpCreateSignal          = "createSignal"
	OpListSignals           = "listSignals"
	OpCloseSession          = "closeSession"
	OpGetInstructions       = "getInstructions"
	OpHeartbeat             = "heartbeat"
	OpListAgents            = "listAgents"
	OpListDueRecurringRuns  = "listDueRecurringRuns"
	OpCompleteRecurringRun  = "completeRecurringRun"
	OpMarkNotificationRead  = "markNotificationRead"
	OpSubscribe             = "subscribe"
)

type sessionState struct {
	session   hubapi.Session
	requested bool
	closed    bool
	status    string
	signals   []protocol.Signal
	nextID    int64
}

type fault struct {
	status int
	times  int // <= 0 means until cleared
}

// CloseCall is one recorded closeSession request.
type CloseCall struct {
	SessionID int64
	Status    string
}

// Server is one fake hub instance bound to a random local port.
type Server struct {
	APIKey string

	httpSrv   *httptest.Server
	jwtSecret []byte

	mu            sync.Mutex
	sessions      map[int64]*sessionState
	bundleVersion string
	bundleFiles   []hubapi.BundleFile
	defaults      map[string]any
	agentID       int64
	agents        []hubapi.AgentRow
	dueRuns       []hubapi.RecurringRun
	claimTokens   map[int64]string
	completions   map[int64]hubapi.RunCompletion
	heartbeats    []hubapi.HeartbeatReport
	closeCalls    []CloseCall
	readMarks     []string
	faults        map[string]*fault
	subs          map[string][]*socketConn
}

// NewServer starts a fake hub. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		APIKey:      "test-key-" + uuid.NewString()[:8],
		jwtSecret:   []byte("hubtest-secret"),
		sessions:    make(map[int64]*sessionState),
		defaults:    map[string]any{"heartbeat_interval_seconds": 300},
		claimTokens: make(map[int64]string),
		completions: make(map[int64]hubapi.RunCompletion),
		faults:      make(map[string]*fault),
		subs:        make(map[string][]*socketConn),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/socket", s.handleSocket)
	r.Route("/api/agent", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/sessions/requested", s.handleListRequested)
		r.Post("/sessions/{id}/claim", s.handleClaim)
		r.Post("/sessions/{id}/socket-auth", s.handleSocketAuth)
		r.Post("/sessions/{id}/signals", s.handleCreateSignal)
		r.Get("/sessions/{id}/signals", s.handleListSignals)
		r.Post("/sessions/{id}/close", s.handleCloseSession)
		r.Get("/instructions", s.handleInstructions)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Get("/agents", s.handleListAgents)
		r.Get("/recurring-task-runs/due", s.handleDueRuns)
		r.Post("/recurring-task-runs/{id}/complete", s.handleCompleteRun)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
	})

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL returns the hub base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// Client returns a hub API client authenticated against this server.
func (s *Server) Client() *hubapi.Client {
	return hubapi.New(s.httpSrv.URL, s.APIKey, "hubtest")
}

// Close shuts the server down and drops all socket subscribers.
func (s *Server) Close() {
	s.DropSockets()
	s.httpSrv.Close()
}

// Fail arms one operation to answer with status for the next times calls.
// times <= 0 keeps the fault until ClearFail.
func (s *Server) Fail(op string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{status: status, times: times}
}

// ClearFail disarms one operation's fault.
func (s *Server) ClearFail(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, op)
}

func (s *Server) takeFault(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faults[op]
	if !ok {
		return 0
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(s.faults, op)
		}
	}
	return f.status
}

// AddRequestedSession registers a session awaiting a claim and returns it.
// Its socket descriptor points at this server's websocket endpoint.
func (s *Server) AddRequestedSession(id int64) hubapi.Session {
	host := strings.TrimPrefix(s.httpSrv.URL, "http://")
	sess := hubapi.Session{
		ID:     id,
		Status: "requested",
		Socket: hubapi.SocketInfo{
			Channel: "private-session-" + strconv.FormatInt(id, 10),
			Event:   "signal",
			Key:     "app-local",
			Host:    host,
			Scheme:  "ws",
			Path:    "/socket",
			Cluster: "local",
		},
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sessionState{session: sess, requested: true, status: "requested"}
	return sess
}

// PushSignal appends one signal to a session and broadcasts it to channel
// subscribers, returning the stored signal.
func (s *Server) PushSignal(sessionID int64, sender, signalType string, payload map[string]any) protocol.Signal {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return protocol.Signal{}
	}
	st.nextID++
	sig := protocol.Signal{
		ID:        st.nextID,
		SessionID: sessionID,
		Sender:    sender,
		Type:      signalType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	st.signals = append(st.signals, sig)
	channel := st.session.Socket.Channel
	s.mu.Unlock()

	s.broadcast(channel, sig)
	return sig
}

// Signals returns a copy of one session's signal log.
func (s *Server) Signals(sessionID int64) []protocol.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]protocol.Signal, len(st.signals))
	copy(out, st.signals)
	return out
}

// SessionStatus returns the session's current status ("" when unknown).
func (s *Server) SessionStatus(sessionID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.status
	}
	return ""
}

// CloseCalls returns every closeSession call received.
func (s *Server) CloseCalls() []CloseCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CloseCall, len(s.closeCalls))
	copy(out, s.closeCalls)
	return out
}

// SetBundle installs the served instruction bundle.
func (s *Server) SetBundle(version string, files []hubapi.BundleFile, defaults map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundleVersion = version
	s.bundleFiles = files
	if defaults != nil {
		s.defaults = defaults
	}
}

// SetAgentID sets the agent id reported by getInstructions.
func (s *Server) SetAgentID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = id
}

// SetAgents installs the listAgents roster.
func (s *Server) SetAgents(rows []hubapi.AgentRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = rows
}

// AddDueRun queues one recurring run for the next due listing.
func (s *Server) AddDueRun(run hubapi.RecurringRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dueRuns = append(s.dueRuns, run)
}

// Completions returns received run completions keyed by run id.
func (s *Server) Completions() map[int64]hubapi.RunCompletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]hubapi.RunCompletion, len(s.completions))
	for k, v := range s.completions {
		out[k] = v
	}
	return out
}

// Heartbeats returns every heartbeat report received.
func (s *Server) Heartbeats() []hubapi.HeartbeatReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hubapi.HeartbeatReport, len(s.heartbeats))
	copy(out, s.heartbeats)
	return out
}

// NotificationReads returns the ids marked read, in order.
func (s *Server) NotificationReads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.readMarks))
	copy(out, s.readMarks)
	return out
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListRequested(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpListRequestedSessions); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	s.mu.Lock()
	out := make([]hubapi.Session, 0)
	for _, st := range s.sessions {
		if st.requested && !st.closed {
			out = append(out, st.session)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpClaimSession); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok || st.closed {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !st.requested {
		writeError(w, http.StatusConflict, "session already claimed")
		return
	}
	st.requested = false
	st.status = "active"
	st.session.Status = "active"
	writeJSON(w, http.StatusOK, st.session)
}

func (s *Server) handleSocketAuth(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpAuthenticateSocket); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	var req struct {
		SocketID    string `json:"socket_id"`
		ChannelName string `json:"channel_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SocketID == "" || req.ChannelName == "" {
		writeError(w, http.StatusUnprocessableEntity, "socket_id and channel_name are required")
		return
	}
	id := pathID(r)
	s.mu.Lock()
	st, ok := s.sessions[id]
	valid := ok && !st.closed && st.session.Socket.Channel == req.ChannelName
	s.mu.Unlock()
	if !valid {
		writeError(w, http.StatusNotFound, "unknown session channel")
		return
	}
	token, err := s.signChannel(req.ChannelName, req.SocketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign channel")
		return
	}
	writeJSON(w, http.StatusOK, hubapi.SocketAuth{Auth: token})
}

func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpCreateSignal); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	var req struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeError(w, http.StatusUnprocessableEntity, "type is required")
		return
	}
	id := pathID(r)
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok || st.closed {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	st.nextID++
	sig := protocol.Signal{
		ID:        st.nextID,
		SessionID: id,
		Sender:    protocol.SenderAgent,
		Type:      req.Type,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	st.signals = append(st.signals, sig)
	channel := st.session.Socket.Channel
	s.mu.Unlock()

	s.broadcast(channel, sig)
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpListSignals); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	id := pathID(r)
	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	exclude := r.URL.Query().Get("exclude_sender")

	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok || st.closed {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	out := make([]protocol.Signal, 0)
	for _, sig := range st.signals {
		if sig.ID <= afterID || (exclude != "" && sig.Sender == exclude) {
			continue
		}
		out = append(out, sig)
		if len(out) >= limit {
			break
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpCloseSession); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Status == "" {
		req.Status = "closed"
	}
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	st.closed = true
	st.status = req.Status
	st.session.Status = req.Status
	s.closeCalls = append(s.closeCalls, CloseCall{SessionID: id, Status: req.Status})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpGetInstructions); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	requested := r.URL.Query().Get("bundle_version")
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle := hubapi.InstructionBundle{
		Changed:       requested != s.bundleVersion,
		BundleVersion: s.bundleVersion,
		AgentID:       s.agentID,
		Defaults:      s.defaults,
	}
	if bundle.Changed {
		bundle.Files = s.bundleFiles
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpHeartbeat); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	var report hubapi.HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid heartbeat body")
		return
	}
	s.mu.Lock()
	s.heartbeats = append(s.heartbeats, report)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpListAgents); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	s.mu.Lock()
	rows := make([]hubapi.AgentRow, len(s.agents))
	copy(rows, s.agents)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDueRuns(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpListDueRecurringRuns); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	n := limit
	if n > len(s.dueRuns) {
		n = len(s.dueRuns)
	}
	out := make([]hubapi.RecurringRun, n)
	copy(out, s.dueRuns[:n])
	s.dueRuns = s.dueRuns[n:]
	for _, run := range out {
		s.claimTokens[run.RunID] = run.ClaimToken
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpCompleteRecurringRun); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	var completion hubapi.RunCompletion
	if err := json.NewDecoder(r.Body).Decode(&completion); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid completion body")
		return
	}
	id := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.claimTokens[id]
	if !ok || token != completion.ClaimToken {
		writeError(w, http.StatusConflict, "claim token mismatch or already completed")
		return
	}
	delete(s.claimTokens, id)
	s.completions[id] = completion
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if st := s.takeFault(OpMarkNotificationRead); st != 0 {
		writeError(w, st, "injected fault")
		return
	}
	s.mu.Lock()
	s.readMarks = append(s.readMarks, chi.URLParam(r, "id"))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
