package timer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
)

// DefaultMaxSessionSeconds is the hard ceiling on any session length.
const DefaultMaxSessionSeconds = 3600

var (
	ErrMissingSessionID   = errors.New("session id is required")
	ErrInvalidSessionType = errors.New("unknown session type")
	ErrInvalidRate        = errors.New("rate per minute must not be negative")
	ErrSessionEnded       = errors.New("session already ended")
)

// Schedule describes a pre-booked session.
type Schedule struct {
	StartTime time.Time
	Duration  time.Duration
}

type InitRequest struct {
	SessionID     string
	Type          models.SessionType
	WalletBalance float64
	RatePerMinute float64
	// Fresh forces a recomputation even when a document already exists.
	Fresh    bool
	Schedule *Schedule
}

// MaxDuration is min(balance/rate*60, ceiling) in whole seconds. A missing
// rate or an empty wallet yields zero.
func MaxDuration(balance, ratePerMinute float64, ceiling int) int {
	if ceiling <= 0 || ratePerMinute <= 0 || balance <= 0 || math.IsNaN(balance) {
		return 0
	}
	seconds := balance / ratePerMinute * 60
	if seconds >= float64(ceiling) {
		return ceiling
	}
	return int(seconds)
}

// Initializer establishes the starting point of a session exactly once,
// reconciling the computed entitlement with whatever the store holds.
type Initializer struct {
	docs    *Documents
	ceiling int
	log     *slog.Logger
	now     func() time.Time
}

func NewInitializer(docs *Documents, ceiling int, log *slog.Logger) *Initializer {
	if ceiling <= 0 {
		ceiling = DefaultMaxSessionSeconds
	}
	return &Initializer{
		docs:    docs,
		ceiling: ceiling,
		log:     log,
		now:     time.Now,
	}
}

func (i *Initializer) Initialize(ctx context.Context, req InitRequest) (models.SessionTimer, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return models.SessionTimer{}, ErrMissingSessionID
	}
	if !req.Type.Valid() {
		return models.SessionTimer{}, ErrInvalidSessionType
	}
	if req.RatePerMinute < 0 || math.IsNaN(req.RatePerMinute) {
		return models.SessionTimer{}, ErrInvalidRate
	}

	remote, err := i.docs.Load(ctx, req.Type, req.SessionID)
	if err != nil {
		return models.SessionTimer{}, err
	}

	now := i.now()
	timer := models.SessionTimer{
		SessionID:     req.SessionID,
		Type:          req.Type,
		RatePerMinute: req.RatePerMinute,
		Status:        models.StatusActive,
	}

	switch {
	case req.Schedule != nil:
		if remote != nil && !req.Fresh && remote.Status == models.StatusEnded {
			return models.SessionTimer{}, ErrSessionEnded
		}
		i.scheduled(&timer, *req.Schedule, remote, req.Fresh, now)
	case remote != nil && !req.Fresh && !remote.NewChat:
		if remote.Status == models.StatusEnded || remote.spent() {
			return models.SessionTimer{}, ErrSessionEnded
		}
		i.resume(&timer, remote, now)
	default:
		i.fresh(&timer, req.WalletBalance, now)
	}

	if err := i.docs.Create(ctx, timer); err != nil {
		// the running session is authoritative; later tick writes catch up
		i.log.Warn("initial session write failed", "session_id", timer.SessionID, "err", err)
	}
	return timer, nil
}

func (i *Initializer) fresh(timer *models.SessionTimer, balance float64, now time.Time) {
	seconds := MaxDuration(balance, timer.RatePerMinute, i.ceiling)
	timer.MaxDuration = seconds
	timer.TimeLeft = seconds
	timer.TimeUtilized = 0
	timer.StartTime = now
	timer.EndTime = now.Add(time.Duration(seconds) * time.Second)
	timer.WalletLimited = seconds > 0 && seconds < i.ceiling
}

func (i *Initializer) resume(timer *models.SessionTimer, remote *RemoteState, now time.Time) {
	used := clamp(remote.TimeUtilized, 0, i.ceiling)
	left := clamp(remote.TimeLeft, 0, i.ceiling-used)

	timer.TimeLeft = left
	timer.TimeUtilized = used
	timer.MaxDuration = left + used
	timer.StartTime = remote.StartTime
	if timer.StartTime.IsZero() {
		timer.StartTime = now.Add(-time.Duration(used) * time.Second)
	}
	timer.EndTime = now.Add(time.Duration(left) * time.Second)
	timer.WalletLimited = timer.MaxDuration > 0 && timer.MaxDuration < i.ceiling
}

func (i *Initializer) scheduled(timer *models.SessionTimer, sched Schedule, remote *RemoteState, fresh bool, now time.Time) {
	duration := clamp(int(sched.Duration/time.Second), 0, i.ceiling)
	start := sched.StartTime
	if remote != nil && !fresh && !remote.StartTime.IsZero() {
		start = remote.StartTime
	}
	end := start.Add(time.Duration(duration) * time.Second)

	timer.Scheduled = true
	timer.StartTime = start
	timer.EndTime = end
	timer.MaxDuration = duration
	timer.JoinedParticipants = 1
	if remote != nil && !fresh {
		timer.JoinedParticipants = remote.JoinedParticipants + 1
	}

	switch {
	case !now.Before(end):
		timer.TimeLeft = 0
		timer.TimeUtilized = duration
		timer.Status = models.StatusEnded
	case now.Before(start):
		timer.TimeLeft = duration
		timer.TimeUtilized = 0
		timer.Status = models.StatusPending
	default:
		used := int(now.Sub(start) / time.Second)
		timer.TimeLeft = duration - used
		timer.TimeUtilized = used
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
