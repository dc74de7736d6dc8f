// Package notify delivers session warnings and terminations to the people
// watching a session.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/realtime"
)

const (
	KindLowBalance  = "low_balance"
	KindFiveMinutes = "five_minutes_left"
	KindEnded       = "session_ended"
)

type Alert struct {
	SessionID string             `json:"sessionId"`
	Type      models.SessionType `json:"type"`
	Kind      string             `json:"kind"`
	TimeLeft  int                `json:"timeLeft"`
	Reason    models.EndReason   `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// StoreNotifier publishes the latest alert of a session to alerts/{sessionId},
// where websocket clients pick it up.
type StoreNotifier struct {
	store realtime.Store
}

func NewStoreNotifier(store realtime.Store) *StoreNotifier {
	return &StoreNotifier{store: store}
}

func (n *StoreNotifier) Notify(ctx context.Context, alert Alert) error {
	path := realtime.Path(realtime.AlertsCollection, alert.SessionID)
	if err := n.store.Set(ctx, path, alert); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Fanout notifies every target and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
