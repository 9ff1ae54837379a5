// Package api is the HTTP front end over the orchestrator Service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nbpilot/internal/accounts"
	"nbpilot/internal/auth"
	"nbpilot/internal/logging"
	"nbpilot/internal/orchestrator"
	"nbpilot/internal/session"
)

// Backend is the part of orchestrator.Service the HTTP layer uses.
type Backend interface {
	Status() orchestrator.Status
	HealthCheck() []orchestrator.AccountHealth
	ListAccounts() []accounts.Account
	SetRotationStrategy(name string) error
	SetupAuth(ctx context.Context, accountID string, show bool) (auth.LoginResult, error)
	GetOrCreateSession(ctx context.Context, key string) (session.Info, error)
	ListSessions() []session.Info
	CloseSession(id string) bool
	ResetSession(id string) bool
}

var _ Backend = (*orchestrator.Service)(nil)

// Response is the envelope of every reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AccountView is an account as exposed over HTTP: masked email, no credentials.
type AccountView struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	Priority            int       `json:"priority"`
	Enabled             bool      `json:"enabled"`
	SessionStatus       string    `json:"sessionStatus"`
	QuotaUsed           int       `json:"quotaUsed"`
	QuotaLimit          int       `json:"quotaLimit"`
	QuotaResetAt        time.Time `json:"quotaResetAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastActivity        time.Time `json:"lastActivity,omitempty"`
}

func viewOf(a accounts.Account) AccountView {
	return AccountView{
		ID:                  a.ID,
		Email:               a.MaskedEmail(),
		Priority:            a.Priority,
		Enabled:             a.Enabled,
		SessionStatus:       string(a.SessionStatus),
		QuotaUsed:           a.Quota.Used,
		QuotaLimit:          a.Quota.Limit,
		QuotaResetAt:        a.Quota.ResetAt,
		ConsecutiveFailures: a.ConsecutiveFailures,
		LastActivity:        a.LastActivity,
	}
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

type setupAuthRequest struct {
	AccountID   string `json:"accountId"`
	ShowBrowser bool   `json:"showBrowser"`
}

type setupAuthResult struct {
	Authenticated              bool   `json:"authenticated"`
	DurationMs                 int64  `json:"durationMs"`
	RequiresManualIntervention bool   `json:"requiresManualIntervention,omitempty"`
	Error                      string `json:"error,omitempty"`
}

type sessionRequest struct {
	Key string `json:"key"`
}

// Server serves the HTTP API.
type Server struct {
	backend Backend
	addr    string
	mux     *http.ServeMux
}

// NewServer registers routes over backend.
func NewServer(addr string, backend Backend) *Server {
	s := &Server{backend: backend, addr: addr, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /accounts", s.handleAccounts)
	s.mux.HandleFunc("PUT /accounts/strategy", s.handleStrategy)
	s.mux.HandleFunc("POST /setup-auth", s.handleSetupAuth)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	s.mux.HandleFunc("POST /sessions/{id}/reset", s.handleResetSession)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("Listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logging.API("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.APIWarn("encode response: %v", err)
	}
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Response{Success: false, Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{
		"status":   s.backend.Status(),
		"accounts": s.backend.HealthCheck(),
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	list := s.backend.ListAccounts()
	views := make([]AccountView, 0, len(list))
	for _, a := range list {
		views = append(views, viewOf(a))
	}
	ok(w, views)
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backend.SetRotationStrategy(req.Strategy); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	logging.API("Rotation strategy set to %s", req.Strategy)
	ok(w, map[string]string{"strategy": req.Strategy})
}

func (s *Server) handleSetupAuth(w http.ResponseWriter, r *http.Request) {
	var req setupAuthRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			fail(w, http.StatusBadRequest, err)
			return
		}
	}

	res, err := s.backend.SetupAuth(r.Context(), req.AccountID, req.ShowBrowser)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, accounts.ErrAccountNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, orchestrator.ErrExhausted) {
			status = http.StatusConflict
		}
		fail(w, status, err)
		return
	}

	out := setupAuthResult{
		Authenticated:              res.Success,
		DurationMs:                 res.Duration.Milliseconds(),
		RequiresManualIntervention: res.RequiresManualIntervention,
	}
	if res.Error != nil {
		out.Error = res.Error.Error()
	}
	writeJSON(w, http.StatusOK, Response{Success: res.Success, Data: out, Error: out.Error})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ok(w, s.backend.ListSessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	if req.Key == "" {
		fail(w, http.StatusBadRequest, errors.New("key required"))
		return
	}
	info, err := s.backend.GetOrCreateSession(r.Context(), req.Key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrNotAuthenticated) || errors.Is(err, session.ErrPoolReset) {
			status = http.StatusServiceUnavailable
		}
		fail(w, status, err)
		return
	}
	ok(w, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.backend.CloseSession(id) {
		fail(w, http.StatusNotFound, session.ErrSessionNotFound)
		return
	}
	ok(w, map[string]string{"closed": id})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.backend.ResetSession(id) {
		fail(w, http.StatusNotFound, session.ErrSessionNotFound)
		return
	}
	ok(w, map[string]string{"reset": id})
}
