package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/realtime"
)

// RemoteState is the persisted progress of a session as found in the store.
type RemoteState struct {
	TimeLeft           int
	TimeUtilized       int
	NewChat            bool
	Status             models.Status
	StartTime          time.Time
	EndTime            time.Time
	JoinedParticipants int
}

// spent reports progress that ran all the way down. It catches sessions
// whose final write never landed.
func (r *RemoteState) spent() bool {
	return r.TimeLeft <= 0 && r.TimeUtilized > 0
}

// Documents persists session progress to calls/{id} or callTimer/{id}.
// Reads, the initial write and the final write are synchronous; per-tick
// writes go through the async writer and are best-effort.
type Documents struct {
	store  realtime.Store
	writer *realtime.AsyncWriter
	log    *slog.Logger
	now    func() time.Time

	// mu orders queued tick writes against final writes
	mu sync.Mutex
}

func NewDocuments(store realtime.Store, writer *realtime.AsyncWriter, log *slog.Logger) *Documents {
	return &Documents{
		store:  store,
		writer: writer,
		log:    log,
		now:    time.Now,
	}
}

func DocumentPath(t models.SessionType, sessionID string) string {
	if t == models.SessionChat {
		return realtime.Path(realtime.ChatTimerCollection, sessionID)
	}
	return realtime.Path(realtime.CallsCollection, sessionID)
}

// Load returns nil when the session has no document yet.
func (d *Documents) Load(ctx context.Context, t models.SessionType, sessionID string) (*RemoteState, error) {
	snap, err := d.store.Get(ctx, DocumentPath(t, sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session document: %w", err)
	}
	if !snap.Exists {
		return nil, nil
	}

	if t == models.SessionChat {
		var doc models.ChatTimerDocument
		if err := snap.Decode(&doc); err != nil {
			return nil, err
		}
		state := &RemoteState{
			TimeLeft:     doc.TimeLeft,
			TimeUtilized: doc.TimeUtilized,
			NewChat:      doc.NewChat,
			Status:       models.StatusActive,
		}
		if doc.Ended {
			state.Status = models.StatusEnded
		}
		return state, nil
	}

	var doc models.CallDocument
	if err := snap.Decode(&doc); err != nil {
		return nil, err
	}
	return &RemoteState{
		TimeLeft:           doc.TimeLeft,
		TimeUtilized:       doc.TimeUtilized,
		Status:             doc.Status,
		StartTime:          parseISO(doc.StartTime),
		EndTime:            parseISO(doc.EndTime),
		JoinedParticipants: doc.JoinedParticipants,
	}, nil
}

// Create writes the initial state of a session. Fields not owned by the
// timer are left untouched.
func (d *Documents) Create(ctx context.Context, timer models.SessionTimer) error {
	path := DocumentPath(timer.Type, timer.SessionID)
	fields := d.fields(timer)
	if timer.Type == models.SessionChat {
		fields["newChat"] = false
		fields["ended"] = false
	} else {
		fields["callType"] = string(timer.Type)
		fields["startTime"] = formatISO(timer.StartTime)
		if timer.Scheduled {
			fields["endTime"] = formatISO(timer.EndTime)
			fields["joinedParticipants"] = timer.JoinedParticipants
		}
	}
	if err := d.store.Merge(ctx, path, fields); err != nil {
		return fmt.Errorf("create session document: %w", err)
	}
	return nil
}

// PushTick queues a progress write. It never blocks the caller. The write
// is skipped if live reports false by the time it runs, so a tick queued
// before the session ended cannot overwrite the final state.
func (d *Documents) PushTick(timer models.SessionTimer, live func() bool) {
	path := DocumentPath(timer.Type, timer.SessionID)
	fields := d.fields(timer)
	d.writer.Enqueue("tick "+path, func(ctx context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !live() {
			return nil
		}
		return d.store.Merge(ctx, path, fields)
	})
}

// MarkEnded writes the final state of a terminated session. The caller
// must already report the session as no longer live to PushTick.
func (d *Documents) MarkEnded(ctx context.Context, timer models.SessionTimer) error {
	fields := d.fields(timer)
	if timer.Type == models.SessionChat {
		fields["ended"] = true
	} else {
		fields["endTime"] = formatISO(timer.EndTime)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Merge(ctx, DocumentPath(timer.Type, timer.SessionID), fields); err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	return nil
}

func (d *Documents) fields(timer models.SessionTimer) map[string]any {
	fields := map[string]any{
		"timeLeft":     timer.TimeLeft,
		"timeUtilized": timer.TimeUtilized,
	}
	if timer.Type != models.SessionChat {
		fields["status"] = string(timer.Status)
		fields["lastUpdatedAt"] = d.now().UTC()
	}
	return fields
}

func formatISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
