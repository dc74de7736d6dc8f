package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/realtime"
)

type fakeFetcher struct {
	mu       sync.Mutex
	balances map[string]float64
	byEmail  map[string]float64
	err      error
	calls    int
}

func (f *fakeFetcher) GetUser(_ context.Context, role models.Role, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.User{ID: id, Role: role, WalletBalance: f.balances[id]}, nil
}

func (f *fakeFetcher) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.User{Email: email, WalletBalance: f.byEmail[email]}, nil
}

func (f *fakeFetcher) set(id string, balance float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] = balance
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCoordinator(f *fakeFetcher) (*Coordinator, *realtime.MemoryStore) {
	store := realtime.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(f, store, log), store
}

func TestTrackFetchesBalance(t *testing.T) {
	f := &fakeFetcher{balances: map[string]float64{"u1": 75}}
	c, _ := newTestCoordinator(f)
	defer c.Close()

	if got := c.Track(context.Background(), Account{UserID: "u1"}); got != 75 {
		t.Errorf("Track() = %v, want 75", got)
	}
	if got := c.Balance("u1"); got != 75 {
		t.Errorf("Balance() = %v, want 75", got)
	}
	if got := c.Balance("nobody"); got != 0 {
		t.Errorf("Balance(untracked) = %v, want 0", got)
	}
}

func TestTrackGlobalUserByEmail(t *testing.T) {
	f := &fakeFetcher{byEmail: map[string]float64{"g@example.com": 12}}
	c, _ := newTestCoordinator(f)
	defer c.Close()

	got := c.Track(context.Background(), Account{UserID: "g1", Email: "g@example.com", Global: true})
	if got != 12 {
		t.Errorf("Track() = %v, want 12", got)
	}
}

func TestTrackFetchFailureDefaultsToZero(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	c, _ := newTestCoordinator(f)
	defer c.Close()

	if got := c.Track(context.Background(), Account{UserID: "u1"}); got != 0 {
		t.Errorf("Track() = %v, want 0", got)
	}
}

func TestTransactionsChangeRefreshesBalance(t *testing.T) {
	f := &fakeFetcher{balances: map[string]float64{"u1": 10}}
	c, store := newTestCoordinator(f)
	defer c.Close()
	ctx := context.Background()

	c.Track(ctx, Account{UserID: "u1"})
	changes := make(chan float64, 4)
	cancel := c.Subscribe("u1", func(b float64) { changes <- b })
	defer cancel()

	f.set("u1", 40)
	if err := store.Merge(ctx, "transactions/u1", map[string]any{"lastTopUp": 30}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		if got != 40 {
			t.Errorf("listener got %v, want 40", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no balance change delivered")
	}
	if got := c.Balance("u1"); got != 40 {
		t.Errorf("Balance() = %v, want 40", got)
	}
}

func TestReleaseIsReferenceCounted(t *testing.T) {
	f := &fakeFetcher{balances: map[string]float64{"u1": 5}}
	c, store := newTestCoordinator(f)
	ctx := context.Background()

	c.Track(ctx, Account{UserID: "u1"})
	c.Track(ctx, Account{UserID: "u1"})
	if f.callCount() != 1 {
		t.Errorf("fetches = %d, want 1", f.callCount())
	}

	c.Release("u1")
	if got := c.Balance("u1"); got != 5 {
		t.Errorf("Balance() after first release = %v, want 5", got)
	}
	c.Release("u1")
	if got := c.Balance("u1"); got != 0 {
		t.Errorf("Balance() after last release = %v, want 0", got)
	}

	before := f.callCount()
	if err := store.Merge(ctx, "transactions/u1", map[string]any{"n": 1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if f.callCount() != before {
		t.Errorf("released account was re-fetched")
	}
}
