package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/service"
	"github.com/digkill/sessiontimer/internal/timer"
)

// Sessions is the session lifecycle the API exposes.
type Sessions interface {
	Start(ctx context.Context, req service.StartRequest) (models.SessionTimer, error)
	Get(id string) (models.SessionTimer, error)
	Leave(id string) error
	End(id string, reason models.EndReason) error
	WalletChanged(ctx context.Context, scope string) error
	Active() int
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	sessions Sessions
	router   *chi.Mux
}

// NewServer wires the routes. stream serves document snapshots over
// websocket and is mounted at /ws.
func NewServer(addr, username, password string, log *slog.Logger, sessions Sessions, stream http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		sessions: sessions,
		router:   r,
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/ws", stream)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleStartSession)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleLeaveSession)
			r.Post("/{id}/end", s.handleEndSession)
		})
		protected.Post("/wallets/{scope}/changed", s.handleWalletChanged)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.Active(),
	})
}

type scheduleRequest struct {
	StartTime       time.Time `json:"startTime"`
	DurationSeconds int       `json:"durationSeconds"`
}

type startRequest struct {
	SessionID string           `json:"sessionId"`
	Type      string           `json:"type"`
	CreatorID string           `json:"creatorId"`
	ClientID  string           `json:"clientId"`
	Email     string           `json:"email"`
	Global    bool             `json:"global"`
	Fresh     bool             `json:"fresh"`
	Scheduled *scheduleRequest `json:"scheduled"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	input := service.StartRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		Type:      models.SessionType(strings.ToLower(req.Type)),
		CreatorID: req.CreatorID,
		ClientID:  req.ClientID,
		Email:     req.Email,
		Global:    req.Global,
		Fresh:     req.Fresh,
	}
	if req.Scheduled != nil {
		if req.Scheduled.StartTime.IsZero() || req.Scheduled.DurationSeconds <= 0 {
			http.Error(w, "scheduled sessions need startTime and durationSeconds", http.StatusBadRequest)
			return
		}
		input.Schedule = &timer.Schedule{
			StartTime: req.Scheduled.StartTime,
			Duration:  time.Duration(req.Scheduled.DurationSeconds) * time.Second,
		}
	}

	state, err := s.sessions.Start(r.Context(), input)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Leave(chi.URLParam(r, "id")); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	req := endRequest{Reason: string(models.ReasonTimeOver)}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := s.sessions.End(chi.URLParam(r, "id"), models.EndReason(req.Reason)); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWalletChanged(w http.ResponseWriter, r *http.Request) {
	scope := strings.TrimSpace(chi.URLParam(r, "scope"))
	if scope == "" {
		http.Error(w, "scope required", http.StatusBadRequest)
		return
	}
	if err := s.sessions.WalletChanged(r.Context(), scope); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, timer.ErrSessionEnded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, timer.ErrMissingSessionID),
		errors.Is(err, timer.ErrInvalidSessionType),
		errors.Is(err, timer.ErrInvalidRate),
		errors.Is(err, service.ErrMissingPayer),
		errors.Is(err, service.ErrInvalidReason):
		s.badRequest(w, err)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="sessiontimer"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("api handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
