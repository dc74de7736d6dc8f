package timer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/realtime"
)

var ErrSessionClosed = errors.New("session is closed")

// Hooks are invoked outside the session lock. OnEnd runs at most once.
type Hooks struct {
	OnTick    func(models.SessionTimer)
	OnWarning func(models.SessionTimer, Warning)
	OnEnd     func(models.SessionTimer, models.EndReason)
}

type SessionConfig struct {
	Period        time.Duration
	RunwaySeconds int
}

// Session runs one initialized timer: it owns the engine, applies ticks,
// evaluates the warning policy and ends the session exactly once.
//
// Every engine started for the session gets a generation number. Ticks
// carrying an older generation are dropped, so an engine that was replaced
// or torn down can never update the session.
type Session struct {
	log   *slog.Logger
	docs  *Documents
	hooks Hooks
	cfg   SessionConfig
	now   func() time.Time

	mu      sync.Mutex
	timer   models.SessionTimer
	balance float64
	policy  Policy
	engine  Engine
	gen     uint64
	pending *time.Timer
	started bool
	closed  bool

	term     Terminator
	done     chan struct{}
	doneOnce sync.Once
}

func NewSession(timer models.SessionTimer, walletBalance float64, docs *Documents, hooks Hooks, cfg SessionConfig, log *slog.Logger) *Session {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	return &Session{
		log:     log.With("session_id", timer.SessionID, "type", string(timer.Type)),
		docs:    docs,
		hooks:   hooks,
		cfg:     cfg,
		now:     time.Now,
		timer:   timer,
		balance: walletBalance,
		policy:  NewPolicy(timer.Type == models.SessionChat, cfg.RunwaySeconds),
		done:    make(chan struct{}),
	}
}

// Start begins ticking. A scheduled session that is still pending starts
// at its start time; one that is already over ends immediately.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrEngineStarted
	}
	s.started = true

	switch s.timer.Status {
	case models.StatusEnded:
		s.mu.Unlock()
		s.End(models.ReasonTimeOver)
		return nil
	case models.StatusPending:
		wait := s.timer.StartTime.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		s.pending = time.AfterFunc(wait, s.activate)
		s.mu.Unlock()
		s.log.Info("scheduled session waiting for start", "start_time", s.timer.StartTime)
		return nil
	}

	err := s.startEngineLocked()
	s.mu.Unlock()
	return err
}

func (s *Session) activate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.timer.Status = models.StatusActive
	snap := s.timer
	err := s.startEngineLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Error("start engine", "err", err)
		return
	}
	s.docs.PushTick(snap, s.live)
	s.log.Info("scheduled session started")
}

func (s *Session) startEngineLocked() error {
	s.gen++
	gen := s.gen
	engine := NewEngine(s.timer.Type, s.cfg.Period)
	s.engine = engine

	estimate := BalanceEstimate(s.balance, s.timer.RatePerMinute, s.timer.TimeUtilized)
	if s.timer.Scheduled {
		// prepaid
		estimate = math.Inf(1)
	}
	return engine.Start(Countdown{
		TimeLeft: s.timer.TimeLeft,
		Elapsed:  s.timer.TimeUtilized,
		Balance:  estimate,
		Rate:     s.timer.RatePerMinute,
	}, func(t Tick) {
		s.apply(gen, t)
	})
}

func (s *Session) apply(gen uint64, t Tick) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer.TimeLeft = t.TimeLeft
	s.timer.TimeUtilized = t.Elapsed
	decision := s.policy.Evaluate(t)
	snap := s.timer
	s.mu.Unlock()

	s.docs.PushTick(snap, s.live)
	if s.hooks.OnTick != nil {
		s.hooks.OnTick(snap)
	}
	if decision.Warning != nil {
		s.log.Info("session warning", "kind", string(decision.Warning.Kind), "time_left", decision.Warning.TimeLeft)
		if s.hooks.OnWarning != nil {
			s.hooks.OnWarning(snap, *decision.Warning)
		}
	}
	if decision.Terminate {
		s.End(exhaustedReason(snap))
	}
}

// exhaustedReason explains a countdown that reached zero: the wallet ran
// out when it capped the session, otherwise the allotted time is over.
func exhaustedReason(timer models.SessionTimer) models.EndReason {
	if timer.WalletLimited {
		return models.ReasonLowBalance
	}
	return models.ReasonTimeOver
}

// UpdateBalance reseeds the running engine's estimate from a refreshed
// wallet balance. The engine keeps ticking on its own schedule and the
// remaining time is unchanged: the cap fixed at start holds.
func (s *Session) UpdateBalance(balance float64) {
	s.mu.Lock()
	s.balance = balance
	engine := s.engine
	if s.closed || engine == nil || s.timer.Scheduled {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// outside the lock: the engine may be delivering a tick into apply
	engine.Rebase(balance)
	s.log.Debug("balance estimate rebased", "balance", balance)
}

// End terminates the session. Only the first call has any effect; it
// reports whether this call was the one that ended the session.
func (s *Session) End(reason models.EndReason) bool {
	return s.term.Do(func() {
		s.mu.Lock()
		engine := s.teardownLocked()
		s.timer.Status = models.StatusEnded
		s.timer.EndTime = s.now()
		snap := s.timer
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), realtime.DefaultWriteTimeout)
		if err := s.docs.MarkEnded(ctx, snap); err != nil {
			s.log.Error("final session write failed", "err", err)
		}
		cancel()
		s.log.Info("session ended", "reason", string(reason), "time_utilized", snap.TimeUtilized)
		if s.hooks.OnEnd != nil {
			s.hooks.OnEnd(snap, reason)
		}
		if engine != nil {
			engine.Stop()
		}
		s.finish()
	})
}

// Stop tears the session down without ending it. The persisted progress
// lets a later initialization resume where it left off.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	engine := s.teardownLocked()
	s.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	s.finish()
}

func (s *Session) teardownLocked() Engine {
	s.closed = true
	s.gen++
	engine := s.engine
	s.engine = nil
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	return engine
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) Snapshot() models.SessionTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

// Done is closed once the session has ended or been stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Ended() bool {
	return s.term.Fired()
}

// live gates queued tick writes; it turns false before the final write.
func (s *Session) live() bool {
	return !s.term.Fired()
}
