package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/digkill/sessiontimer/internal/config"
	"github.com/digkill/sessiontimer/internal/events"
	"github.com/digkill/sessiontimer/internal/models"
	"github.com/digkill/sessiontimer/internal/notify"
	"github.com/digkill/sessiontimer/internal/realtime"
	"github.com/digkill/sessiontimer/internal/timer"
	"github.com/digkill/sessiontimer/internal/wallet"
)

type fakeBackend struct {
	mu       sync.Mutex
	balances map[string]float64
	creators map[string]*models.Creator
	ended    []models.EndReason
}

func (f *fakeBackend) GetUser(_ context.Context, role models.Role, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.User{ID: id, Role: role, WalletBalance: f.balances[id]}, nil
}

func (f *fakeBackend) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return f.GetUser(context.Background(), models.RoleClient, email)
}

func (f *fakeBackend) GetCreator(_ context.Context, id string) (*models.Creator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creators[id]
	if !ok {
		return nil, errors.New("creator not found")
	}
	return c, nil
}

func (f *fakeBackend) NotifySessionEnded(_ context.Context, _ models.SessionType, _ string, reason models.EndReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, reason)
	return nil
}

func (f *fakeBackend) setBalance(id string, b float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] = b
}

func (f *fakeBackend) endReasons() []models.EndReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EndReason(nil), f.ended...)
}

type recorder struct {
	mu       sync.Mutex
	events   []events.Type
	alerts   []notify.Alert
	archived []models.SessionSummary
}

func (r *recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt.Type)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) Notify(_ context.Context, alert notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recorder) Archive(_ context.Context, summary models.SessionSummary) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, summary)
	return "sessions/" + summary.SessionID + ".json", nil
}

type fixture struct {
	svc     *SessionService
	backend *fakeBackend
	rec     *recorder
	store   *realtime.MemoryStore
	wallets *wallet.Coordinator
}

func newFixture(t *testing.T, card config.RateCard) fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := realtime.NewMemoryStore()
	writer := realtime.NewAsyncWriter(log, 1024)
	writer.Start()
	t.Cleanup(func() { writer.Close(time.Second) })

	backend := &fakeBackend{
		balances: map[string]float64{},
		creators: map[string]*models.Creator{},
	}
	wallets := wallet.NewCoordinator(backend, store, log)
	t.Cleanup(wallets.Close)
	rec := &recorder{}

	svc := NewSessionService(Deps{
		Store:    store,
		Writer:   writer,
		Wallets:  wallets,
		Creators: backend,
		Backend:  backend,
		Alerts:   rec,
		Events:   rec,
		Archive:  rec,
		RateCard: card,
	}, Options{
		TickInterval:      2 * time.Millisecond,
		MaxSessionSeconds: 3600,
		RunwaySeconds:     300,
	}, log)
	t.Cleanup(svc.Shutdown)
	return fixture{svc: svc, backend: backend, rec: rec, store: store, wallets: wallets}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartRunsSessionToLowBalanceEnd(t *testing.T) {
	f := newFixture(t, config.RateCard{})
	f.backend.setBalance("client-1", 1)
	f.backend.creators["creator-1"] = &models.Creator{ID: "creator-1", ChatRate: 6}

	state, err := f.svc.Start(context.Background(), StartRequest{
		SessionID: "chat-1",
		Type:      models.SessionChat,
		CreatorID: "creator-1",
		ClientID:  "client-1",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state.MaxDuration != 10 || state.RatePerMinute != 6 {
		t.Errorf("state = %+v", state)
	}

	// archiving is the last end-of-session step
	waitFor(t, "session archive", func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.archived) > 0
	})
	if f.svc.Active() != 0 {
		t.Errorf("Active() = %d after end", f.svc.Active())
	}

	if reasons := f.backend.endReasons(); len(reasons) != 1 || reasons[0] != models.ReasonLowBalance {
		t.Errorf("backend end notifications = %v", reasons)
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.events) < 2 || f.rec.events[0] != events.SessionStarted || f.rec.events[len(f.rec.events)-1] != events.SessionEnded {
		t.Errorf("events = %v", f.rec.events)
	}
	if len(f.rec.archived) != 1 || f.rec.archived[0].TimeUtilized != 10 || f.rec.archived[0].CreatorID != "creator-1" {
		t.Errorf("archived = %+v", f.rec.archived)
	}
	if last := f.rec.alerts[len(f.rec.alerts)-1]; last.Kind != notify.KindEnded || last.Reason != models.ReasonLowBalance {
		t.Errorf("last alert = %+v", last)
	}
	if got := f.wallets.Balance("client-1"); got != 0 {
		t.Errorf("wallet still tracked after end, balance %v", got)
	}
}

func TestStartFallsBackToRateCard(t *testing.T) {
	card := config.RateCard{Default: config.Rates{Video: 2}}
	f := newFixture(t, card)
	f.backend.setBalance("client-1", 1000)

	state, err := f.svc.Start(context.Background(), StartRequest{
		SessionID: "call-1",
		Type:      models.SessionVideo,
		CreatorID: "unknown",
		ClientID:  "client-1",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state.RatePerMinute != 2 || state.MaxDuration != 3600 {
		t.Errorf("state = %+v", state)
	}
}

func TestStartIsIdempotentForRunningSession(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Audio: 1}})
	f.backend.setBalance("client-1", 1000)
	req := StartRequest{SessionID: "call-2", Type: models.SessionAudio, ClientID: "client-1"}

	if _, err := f.svc.Start(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f.svc.Active() != 1 {
		t.Errorf("Active() = %d, want 1", f.svc.Active())
	}
}

func TestStartRefusesInvalidInput(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Video: 1}})

	if _, err := f.svc.Start(context.Background(), StartRequest{SessionID: "x", Type: models.SessionVideo}); !errors.Is(err, ErrMissingPayer) {
		t.Errorf("error = %v, want ErrMissingPayer", err)
	}
	_, err := f.svc.Start(context.Background(), StartRequest{Type: models.SessionVideo, ClientID: "client-1"})
	if !errors.Is(err, timer.ErrMissingSessionID) {
		t.Errorf("error = %v, want ErrMissingSessionID", err)
	}
	if f.svc.Active() != 0 {
		t.Errorf("Active() = %d", f.svc.Active())
	}
}

func TestLeaveKeepsProgressWithoutEnding(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Video: 1}})
	f.backend.setBalance("client-1", 1000)
	if _, err := f.svc.Start(context.Background(), StartRequest{SessionID: "call-3", Type: models.SessionVideo, ClientID: "client-1"}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Leave("call-3"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if _, err := f.svc.Get("call-3"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after leave error = %v", err)
	}
	if len(f.backend.endReasons()) != 0 {
		t.Error("leaving must not notify the backend")
	}
	if err := f.svc.Leave("call-3"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Leave() error = %v", err)
	}
}

func TestEndExplicitly(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Video: 1}})
	f.backend.setBalance("client-1", 1000)
	if _, err := f.svc.Start(context.Background(), StartRequest{SessionID: "call-4", Type: models.SessionVideo, ClientID: "client-1"}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.End("call-4", "bored"); !errors.Is(err, ErrInvalidReason) {
		t.Errorf("End(bad reason) error = %v", err)
	}
	if err := f.svc.End("call-4", models.ReasonTimeOver); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := f.svc.End("call-4", models.ReasonTimeOver); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second End() error = %v", err)
	}
	if reasons := f.backend.endReasons(); len(reasons) != 1 || reasons[0] != models.ReasonTimeOver {
		t.Errorf("backend notifications = %v", reasons)
	}
}

func TestWalletChangedRefreshesBalance(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Video: 1}})
	f.backend.setBalance("client-1", 100)
	if _, err := f.svc.Start(context.Background(), StartRequest{SessionID: "call-5", Type: models.SessionVideo, ClientID: "client-1"}); err != nil {
		t.Fatal(err)
	}

	f.backend.setBalance("client-1", 250)
	if err := f.svc.WalletChanged(context.Background(), "client-1"); err != nil {
		t.Fatalf("WalletChanged() error = %v", err)
	}
	waitFor(t, "balance refresh", func() bool { return f.wallets.Balance("client-1") == 250 })

	state, err := f.svc.Get("call-5")
	if err != nil {
		t.Fatal(err)
	}
	// the cap fixed at start is kept
	if state.MaxDuration != 3600 {
		t.Errorf("MaxDuration = %d, want 3600", state.MaxDuration)
	}
}

func TestScheduledSessionSkipsWallet(t *testing.T) {
	f := newFixture(t, config.RateCard{})
	state, err := f.svc.Start(context.Background(), StartRequest{
		SessionID: "booked-1",
		Type:      models.SessionVideo,
		Schedule:  &timer.Schedule{StartTime: time.Now().Add(-2 * time.Hour), Duration: 30 * time.Minute},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state.Status != models.StatusEnded || state.TimeLeft != 0 {
		t.Errorf("state = %+v", state)
	}
	if reasons := f.backend.endReasons(); len(reasons) != 1 || reasons[0] != models.ReasonTimeOver {
		t.Errorf("backend notifications = %v", reasons)
	}
}

func (r *recorder) archivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.archived)
}

func TestRejoinEndedChatIsRefused(t *testing.T) {
	f := newFixture(t, config.RateCard{})
	f.backend.setBalance("client-1", 1)
	f.backend.creators["creator-1"] = &models.Creator{ID: "creator-1", ChatRate: 6}
	req := StartRequest{SessionID: "chat-1", Type: models.SessionChat, CreatorID: "creator-1", ClientID: "client-1"}

	if _, err := f.svc.Start(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session archive", func() bool { return f.rec.archivedCount() == 1 })

	if _, err := f.svc.Start(context.Background(), req); !errors.Is(err, timer.ErrSessionEnded) {
		t.Fatalf("second Start() error = %v, want ErrSessionEnded", err)
	}
	time.Sleep(20 * time.Millisecond)
	if reasons := f.backend.endReasons(); len(reasons) != 1 {
		t.Errorf("end notifications = %v, want exactly one", reasons)
	}
	if n := f.rec.archivedCount(); n != 1 {
		t.Errorf("archived %d times, want 1", n)
	}
	if f.svc.Active() != 0 {
		t.Errorf("Active() = %d", f.svc.Active())
	}
}

func TestRejoinEndedScheduledCallIsRefused(t *testing.T) {
	f := newFixture(t, config.RateCard{})
	req := StartRequest{
		SessionID: "booked-2",
		Type:      models.SessionVideo,
		Schedule:  &timer.Schedule{StartTime: time.Now().Add(-time.Second), Duration: time.Hour},
	}

	if _, err := f.svc.Start(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.End("booked-2", models.ReasonTimeOver); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session archive", func() bool { return f.rec.archivedCount() == 1 })

	if _, err := f.svc.Start(context.Background(), req); !errors.Is(err, timer.ErrSessionEnded) {
		t.Fatalf("rejoin Start() error = %v, want ErrSessionEnded", err)
	}
	if reasons := f.backend.endReasons(); len(reasons) != 1 || reasons[0] != models.ReasonTimeOver {
		t.Errorf("end notifications = %v, want one time_over", reasons)
	}
}

type slowCreators struct {
	entered chan struct{}
	release chan struct{}
}

func (s slowCreators) GetCreator(ctx context.Context, id string) (*models.Creator, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.Creator{ID: id, VideoRate: 1}, nil
}

func TestSlowStartDoesNotBlockOtherSessions(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Video: 1}})
	f.backend.setBalance("client-1", 1000)
	f.backend.setBalance("client-2", 1000)
	slow := slowCreators{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.svc.deps.Creators = slow

	slowDone := make(chan error, 1)
	go func() {
		_, err := f.svc.Start(context.Background(), StartRequest{SessionID: "call-slow", Type: models.SessionVideo, CreatorID: "creator-9", ClientID: "client-1"})
		slowDone <- err
	}()
	waitFor(t, "slow creator lookup", func() bool { return len(slow.entered) == 1 })

	// no creator id: the rate card answers without the slow lookup
	fastDone := make(chan error, 1)
	go func() {
		_, err := f.svc.Start(context.Background(), StartRequest{SessionID: "call-fast", Type: models.SessionVideo, ClientID: "client-2"})
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start of another session waited on a slow lookup")
	}

	close(slow.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow Start() error = %v", err)
	}
	if f.svc.Active() != 2 {
		t.Errorf("Active() = %d, want 2", f.svc.Active())
	}
}

func TestConcurrentStartsOfOneSessionRunOnce(t *testing.T) {
	f := newFixture(t, config.RateCard{Default: config.Rates{Audio: 1}})
	f.backend.setBalance("client-1", 1000)
	req := StartRequest{SessionID: "call-dup", Type: models.SessionAudio, ClientID: "client-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Start(context.Background(), req); err != nil {
				t.Errorf("Start() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if f.svc.Active() != 1 {
		t.Errorf("Active() = %d, want 1", f.svc.Active())
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	started := 0
	for _, typ := range f.rec.events {
		if typ == events.SessionStarted {
			started++
		}
	}
	if started != 1 {
		t.Errorf("started events = %d, want 1", started)
	}
}
