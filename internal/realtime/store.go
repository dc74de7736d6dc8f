// Package realtime provides the shared document store that session timers
// persist to, plus change fan-out to watchers and websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	CallsCollection        = "calls"
	ChatTimerCollection    = "callTimer"
	TransactionsCollection = "transactions"
	AlertsCollection       = "alerts"
)

var ErrInvalidPath = errors.New("invalid document path")

// Snapshot is a point-in-time view of one document. A missing document is
// reported with Exists=false and a zero revision.
type Snapshot struct {
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data,omitempty"`
	Exists    bool            `json:"exists"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return fmt.Errorf("decode %s: document does not exist", s.Path)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

// Store is a keyed document store with last-write-wins semantics.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the whole document.
	Set(ctx context.Context, path string, v any) error
	// Merge overlays top-level fields, creating the document if needed.
	Merge(ctx context.Context, path string, fields map[string]any) error
	// Watch delivers the current snapshot followed by every later change.
	// Intermediate revisions may be skipped when the receiver is slow.
	// The channel is closed when ctx is done.
	Watch(ctx context.Context, path string) (<-chan Snapshot, error)
}

func Path(collection, id string) string {
	return collection + "/" + id
}

func SplitPath(path string) (collection, id string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return parts[0], parts[1], nil
}

func mergeFields(current []byte, fields map[string]any) ([]byte, error) {
	doc := map[string]any{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("decode current document: %w", err)
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode merged document: %w", err)
	}
	return out, nil
}

func watchWithHub(ctx context.Context, hub *Hub, path string, current func() (Snapshot, error)) (<-chan Snapshot, error) {
	ch, unsubscribe := hub.Subscribe(path)
	snap, err := current()
	if err != nil {
		unsubscribe()
		return nil, err
	}
	hub.Seed(ch, snap)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch, nil
}
