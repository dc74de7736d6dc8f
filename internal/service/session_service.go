package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/digkill/sessiontimer/internal/config"
	"github.com/digkill/sessiontimer/internal/events"
	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/notify"
	"github.com/digkill/sessiontimer/internal/realtime"
	"github.com/digkill/sessiontimer/internal/timer"
	"github.com/digkill/sessiontimer/internal/wallet"
)

const sideEffectTimeout = 15 * time.Second

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMissingPayer    = errors.New("client id or email is required")
	ErrInvalidReason   = errors.New("unknown end reason")
)

type CreatorSource interface {
	GetCreator(ctx context.Context, id string) (*models.Creator, error)
}

type EndNotifier interface {
	NotifySessionEnded(ctx context.Context, t models.SessionType, sessionID string, reason models.EndReason) error
}

type Archiver interface {
	Archive(ctx context.Context, summary models.SessionSummary) (string, error)
}

// Deps are the collaborators of the session service. Alerts, Events and
// Archive are optional.
type Deps struct {
	Store    realtime.Store
	Writer   *realtime.AsyncWriter
	Wallets  *wallet.Coordinator
	Creators CreatorSource
	Backend  EndNotifier
	Alerts   notify.Notifier
	Events   events.Publisher
	Archive  Archiver
	RateCard config.RateCard
}

type Options struct {
	TickInterval      time.Duration
	MaxSessionSeconds int
	RunwaySeconds     int
}

type StartRequest struct {
	SessionID string
	Type      models.SessionType
	CreatorID string
	ClientID  string
	Email     string
	Global    bool
	Fresh     bool
	Schedule  *timer.Schedule
}

func (r StartRequest) payer() string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.Email
}

type running struct {
	req         StartRequest
	session     *timer.Session
	tracked     bool
	unsubscribe func()
}

// SessionService owns every running session timer of this process.
type SessionService struct {
	deps        Deps
	docs        *timer.Documents
	initializer *timer.Initializer
	sessionCfg  timer.SessionConfig
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*running
	// starting holds one channel per session id being started; it is
	// closed when that start returns
	starting map[string]chan struct{}
}

func NewSessionService(deps Deps, opts Options, log *slog.Logger) *SessionService {
	if deps.Alerts == nil {
		deps.Alerts = notify.Fanout{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	docs := timer.NewDocuments(deps.Store, deps.Writer, log)
	return &SessionService{
		deps:        deps,
		docs:        docs,
		initializer: timer.NewInitializer(docs, opts.MaxSessionSeconds, log),
		sessionCfg: timer.SessionConfig{
			Period:        opts.TickInterval,
			RunwaySeconds: opts.RunwaySeconds,
		},
		log:      log,
		sessions: make(map[string]*running),
		starting: make(map[string]chan struct{}),
	}
}

// Start initializes and runs a session. Starting a session that is already
// running returns its current state.
func (s *SessionService) Start(ctx context.Context, req StartRequest) (models.SessionTimer, error) {
	unlock, err := s.lockStart(ctx, req.SessionID)
	if err != nil {
		return models.SessionTimer{}, err
	}
	defer unlock()

	if r := s.lookup(req.SessionID); r != nil {
		return r.session.Snapshot(), nil
	}

	r := &running{req: req}
	var balance float64
	if req.Schedule == nil {
		if strings.TrimSpace(req.payer()) == "" {
			s.log.Warn("session refused", "session_id", req.SessionID, "err", ErrMissingPayer)
			return models.SessionTimer{}, ErrMissingPayer
		}
		balance = s.deps.Wallets.Track(ctx, wallet.Account{
			UserID: req.payer(),
			Email:  req.Email,
			Role:   models.RoleClient,
			Global: req.Global,
		})
		r.tracked = true
	}

	state, err := s.initializer.Initialize(ctx, timer.InitRequest{
		SessionID:     req.SessionID,
		Type:          req.Type,
		WalletBalance: balance,
		RatePerMinute: s.resolveRate(ctx, req),
		Fresh:         req.Fresh,
		Schedule:      req.Schedule,
	})
	if err != nil {
		if r.tracked {
			s.deps.Wallets.Release(req.payer())
		}
		s.log.Warn("session refused", "session_id", req.SessionID, "err", err)
		return models.SessionTimer{}, fmt.Errorf("initialize session: %w", err)
	}

	r.session = timer.NewSession(state, balance, s.docs, timer.Hooks{
		OnWarning: func(snap models.SessionTimer, w timer.Warning) { s.onWarning(snap, w) },
		OnEnd:     func(snap models.SessionTimer, reason models.EndReason) { s.onEnd(r, snap, reason) },
	}, s.sessionCfg, s.log)
	if r.tracked {
		r.unsubscribe = s.deps.Wallets.Subscribe(req.payer(), r.session.UpdateBalance)
	}

	s.mu.Lock()
	s.sessions[req.SessionID] = r
	s.mu.Unlock()

	s.publish(events.NewEvent(events.SessionStarted, state))
	s.log.Info("session started",
		"session_id", state.SessionID,
		"type", string(state.Type),
		"max_duration", state.MaxDuration,
		"time_left", state.TimeLeft,
		"rate", state.RatePerMinute,
	)
	if err := r.session.Start(); err != nil {
		s.detach(r)
		return models.SessionTimer{}, fmt.Errorf("start session: %w", err)
	}
	return r.session.Snapshot(), nil
}

// lockStart serializes starts of one session id. Starts of other sessions
// are not held up by a slow backend.
func (s *SessionService) lockStart(ctx context.Context, id string) (func(), error) {
	for {
		s.mu.Lock()
		busy, ok := s.starting[id]
		if !ok {
			ch := make(chan struct{})
			s.starting[id] = ch
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.starting, id)
				s.mu.Unlock()
				close(ch)
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// resolveRate prefers the creator's own rate and falls back to the rate card.
func (s *SessionService) resolveRate(ctx context.Context, req StartRequest) float64 {
	if req.CreatorID != "" && s.deps.Creators != nil {
		creator, err := s.deps.Creators.GetCreator(ctx, req.CreatorID)
		if err != nil {
			s.log.Warn("creator lookup failed, using rate card", "creator_id", req.CreatorID, "err", err)
		} else if rate := creator.RateFor(req.Type); rate > 0 {
			return rate
		}
	}
	return s.deps.RateCard.Rate(req.CreatorID, req.Type)
}

func (s *SessionService) Get(id string) (models.SessionTimer, error) {
	r := s.lookup(id)
	if r == nil {
		return models.SessionTimer{}, ErrSessionNotFound
	}
	return r.session.Snapshot(), nil
}

// Leave tears a session down without ending it, e.g. when the client
// disconnects. Its persisted progress allows a later resume.
func (s *SessionService) Leave(id string) error {
	r := s.lookup(id)
	if r == nil {
		return ErrSessionNotFound
	}
	s.detach(r)
	r.session.Stop()
	s.log.Info("session left", "session_id", id)
	return nil
}

// End terminates a running session with the given reason.
func (s *SessionService) End(id string, reason models.EndReason) error {
	if !reason.Valid() {
		return ErrInvalidReason
	}
	r := s.lookup(id)
	if r == nil {
		return ErrSessionNotFound
	}
	if !r.session.End(reason) {
		return ErrSessionNotFound
	}
	return nil
}

// WalletChanged signals a change on transactions/{scope}; watchers
// re-fetch the balance.
func (s *SessionService) WalletChanged(ctx context.Context, scope string) error {
	path := realtime.Path(realtime.TransactionsCollection, scope)
	if err := s.deps.Store.Merge(ctx, path, map[string]any{"changedAt": time.Now().UTC()}); err != nil {
		return fmt.Errorf("touch transactions: %w", err)
	}
	return nil
}

func (s *SessionService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops every running session. Sessions are left resumable.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	all := make([]*running, 0, len(s.sessions))
	for _, r := range s.sessions {
		all = append(all, r)
	}
	s.mu.Unlock()

	for _, r := range all {
		s.detach(r)
		r.session.Stop()
	}
	s.log.Info("sessions stopped", "count", len(all))
}

func (s *SessionService) lookup(id string) *running {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// detach unregisters r once; later calls are no-ops.
func (s *SessionService) detach(r *running) {
	s.mu.Lock()
	current, ok := s.sessions[r.req.SessionID]
	if !ok || current != r {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, r.req.SessionID)
	s.mu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.tracked {
		s.deps.Wallets.Release(r.req.payer())
	}
}

func (s *SessionService) onWarning(snap models.SessionTimer, w timer.Warning) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	alert := notify.Alert{
		SessionID: snap.SessionID,
		Type:      snap.Type,
		Kind:      string(w.Kind),
		TimeLeft:  w.TimeLeft,
		At:        time.Now().UTC(),
	}
	if err := s.deps.Alerts.Notify(ctx, alert); err != nil {
		s.log.Warn("alert delivery failed", "session_id", snap.SessionID, "err", err)
	}
	evt := events.NewEvent(events.SessionWarning, snap)
	evt.Warning = string(w.Kind)
	s.publish(evt)
}

func (s *SessionService) onEnd(r *running, snap models.SessionTimer, reason models.EndReason) {
	s.detach(r)

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if s.deps.Backend != nil {
		if err := s.deps.Backend.NotifySessionEnded(ctx, snap.Type, snap.SessionID, reason); err != nil {
			s.log.Error("session end notification failed", "session_id", snap.SessionID, "err", err)
		}
	}
	if err := s.deps.Alerts.Notify(ctx, notify.Alert{
		SessionID: snap.SessionID,
		Type:      snap.Type,
		Kind:      notify.KindEnded,
		Reason:    reason,
		At:        snap.EndTime,
	}); err != nil {
		s.log.Warn("alert delivery failed", "session_id", snap.SessionID, "err", err)
	}

	evt := events.NewEvent(events.SessionEnded, snap)
	evt.Reason = reason
	s.publish(evt)

	if s.deps.Archive != nil {
		key, err := s.deps.Archive.Archive(ctx, models.SessionSummary{
			SessionID:     snap.SessionID,
			Type:          snap.Type,
			CreatorID:     r.req.CreatorID,
			ClientID:      r.req.payer(),
			Reason:        reason,
			RatePerMinute: snap.RatePerMinute,
			MaxDuration:   snap.MaxDuration,
			TimeUtilized:  snap.TimeUtilized,
			StartTime:     snap.StartTime,
			EndedAt:       snap.EndTime,
		})
		if err != nil {
			s.log.Error("archive session failed", "session_id", snap.SessionID, "err", err)
		} else {
			s.log.Info("session archived", "session_id", snap.SessionID, "key", key)
		}
	}
}

func (s *SessionService) publish(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := s.deps.Events.Publish(ctx, evt); err != nil {
		s.log.Warn("publish event failed", "type", string(evt.Type), "session_id", evt.SessionID, "err", err)
	}
}
