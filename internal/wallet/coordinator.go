// Package wallet keeps a best-effort current balance per user, re-fetching
// it from the backend whenever the user's transactions document changes.
package wallet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/realtime"
)

const fetchTimeout = 10 * time.Second

// Fetcher reads balances from the backend.
type Fetcher interface {
	GetUser(ctx context.Context, role models.Role, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Account identifies whose balance to track. Globally billed users are
// looked up by email.
type Account struct {
	UserID string
	Email  string
	Role   models.Role
	Global bool
}

type entry struct {
	account   Account
	balance   float64
	refs      int
	cancel    context.CancelFunc
	listeners map[int]func(float64)

	// ready is closed once the first fetch has completed
	ready chan struct{}
}

type Coordinator struct {
	fetcher Fetcher
	store   realtime.Store
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextID  int
}

func NewCoordinator(fetcher Fetcher, store realtime.Store, log *slog.Logger) *Coordinator {
	return &Coordinator{
		fetcher: fetcher,
		store:   store,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Track starts following an account and returns its current balance.
// Tracking is reference counted; every Track needs a matching Release.
func (c *Coordinator) Track(ctx context.Context, account Account) float64 {
	c.mu.Lock()
	if e, ok := c.entries[account.UserID]; ok {
		e.refs++
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
		}
		return c.Balance(account.UserID)
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		account:   account,
		refs:      1,
		cancel:    cancel,
		listeners: make(map[int]func(float64)),
		ready:     make(chan struct{}),
	}
	c.entries[account.UserID] = e
	c.mu.Unlock()

	c.watch(ctx, watchCtx, account)
	balance := c.fetch(ctx, account)

	c.mu.Lock()
	if current, ok := c.entries[account.UserID]; ok && current == e {
		e.balance = balance
	}
	c.mu.Unlock()
	close(e.ready)
	return balance
}

// watch follows transactions/{userId}. Snapshots up to the revision seen
// before the first fetch are skipped.
func (c *Coordinator) watch(ctx, watchCtx context.Context, account Account) {
	path := realtime.Path(realtime.TransactionsCollection, account.UserID)
	var baseline int64
	if snap, err := c.store.Get(ctx, path); err == nil {
		baseline = snap.Revision
	}
	updates, err := c.store.Watch(watchCtx, path)
	if err != nil {
		c.log.Warn("watch transactions failed", "user_id", account.UserID, "err", err)
		return
	}
	go func() {
		for snap := range updates {
			if snap.Revision <= baseline || watchCtx.Err() != nil {
				continue
			}
			c.Refresh(watchCtx, account.UserID)
		}
	}()
}

func (c *Coordinator) fetch(ctx context.Context, account Account) float64 {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		user *models.User
		err  error
	)
	if account.Global && account.Email != "" {
		user, err = c.fetcher.GetUserByEmail(ctx, account.Email)
	} else {
		role := account.Role
		if role == "" {
			role = models.RoleClient
		}
		user, err = c.fetcher.GetUser(ctx, role, account.UserID)
	}
	if err != nil {
		// deny rather than over-grant
		c.log.Warn("balance fetch failed, using 0", "user_id", account.UserID, "err", err)
		return 0
	}
	return user.WalletBalance
}

// Balance returns the last known balance, or 0 for an untracked user.
func (c *Coordinator) Balance(userID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		return e.balance
	}
	return 0
}

// Refresh re-fetches a tracked balance and notifies listeners when it changed.
func (c *Coordinator) Refresh(ctx context.Context, userID string) float64 {
	c.mu.Lock()
	e, ok := c.entries[userID]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	account := e.account
	c.mu.Unlock()

	balance := c.fetch(ctx, account)

	c.mu.Lock()
	current, ok := c.entries[userID]
	if !ok || current != e {
		c.mu.Unlock()
		return balance
	}
	changed := e.balance != balance
	e.balance = balance
	listeners := make([]func(float64), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	if changed {
		c.log.Info("wallet balance changed", "user_id", userID, "balance", balance)
		for _, fn := range listeners {
			fn(balance)
		}
	}
	return balance
}

// Subscribe registers fn for balance changes of a tracked user.
func (c *Coordinator) Subscribe(userID string, fn func(float64)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	e.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Release drops one reference; the last one stops the watch.
func (c *Coordinator) Release(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.cancel()
	delete(c.entries, userID)
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		e.cancel()
		delete(c.entries, id)
	}
}
