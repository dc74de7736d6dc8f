package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digkill/sessiontimer/internal/models"
)

var ErrEngineStarted = errors.New("engine already started or stopped")

// Engine drives a Countdown at a fixed period. emit is called from a single
// goroutine, one tick at a time, in order. Ticking ends by itself after the
// tick that reports TimeLeft == 0. Once Stop has been called no further tick
// is emitted, and Done is closed when the engine goroutine has exited.
//
// Rebase reseeds the balance estimate from a refreshed wallet balance
// between ticks, keeping the ticker running. It never blocks; when several
// arrive between two ticks only the latest is applied.
type Engine interface {
	Start(start Countdown, emit func(Tick)) error
	Rebase(walletBalance float64)
	Stop()
	Done() <-chan struct{}
}

// NewEngine picks the executor for a session type. Chat sessions run the
// countdown on a separate worker goroutine and exchange messages with it.
func NewEngine(t models.SessionType, period time.Duration) Engine {
	if t == models.SessionChat {
		return NewWorkerEngine(period)
	}
	return NewIntervalEngine(period)
}

type lifecycle struct {
	started  atomic.Bool
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	balances chan float64
}

func newLifecycle() lifecycle {
	return lifecycle{
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		balances: make(chan float64, 1),
	}
}

func (l *lifecycle) begin() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}
	return nil
}

func (l *lifecycle) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		// never started: nothing else will close done
		if l.started.CompareAndSwap(false, true) {
			close(l.done)
		}
	})
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Rebase(walletBalance float64) {
	for {
		select {
		case l.balances <- walletBalance:
			return
		default:
		}
		// replace the unread value
		select {
		case <-l.balances:
		default:
		}
	}
}

func (l *lifecycle) stopping() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// IntervalEngine steps the countdown directly on each ticker fire.
type IntervalEngine struct {
	lifecycle
	period time.Duration
}

func NewIntervalEngine(period time.Duration) *IntervalEngine {
	return &IntervalEngine{lifecycle: newLifecycle(), period: period}
}

func (e *IntervalEngine) Start(start Countdown, emit func(Tick)) error {
	if err := e.begin(); err != nil {
		return err
	}
	go e.loop(start, emit)
	return nil
}

func (e *IntervalEngine) loop(cd Countdown, emit func(Tick)) {
	defer close(e.done)
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case wallet := <-e.balances:
			cd.Rebase(wallet)
			continue
		case <-ticker.C:
		}
		tick := cd.Step()
		if e.stopping() {
			return
		}
		emit(tick)
		if tick.TimeLeft <= 0 {
			return
		}
	}
}

// WorkerEngine owns the countdown on a worker goroutine. The driver sends a
// tick request each period and delivers the worker's reply, unless the
// engine was stopped while the reply was in flight.
type WorkerEngine struct {
	lifecycle
	period time.Duration
}

func NewWorkerEngine(period time.Duration) *WorkerEngine {
	return &WorkerEngine{lifecycle: newLifecycle(), period: period}
}

func (e *WorkerEngine) Start(start Countdown, emit func(Tick)) error {
	if err := e.begin(); err != nil {
		return err
	}
	requests := make(chan struct{})
	replies := make(chan Tick, 1)
	go countdownWorker(start, requests, e.balances, replies)
	go e.drive(requests, replies, emit)
	return nil
}

func countdownWorker(cd Countdown, requests <-chan struct{}, balances <-chan float64, replies chan<- Tick) {
	defer close(replies)
	for {
		select {
		case _, ok := <-requests:
			if !ok {
				return
			}
			replies <- cd.Step()
		case wallet := <-balances:
			cd.Rebase(wallet)
		}
	}
}

func (e *WorkerEngine) drive(requests chan<- struct{}, replies <-chan Tick, emit func(Tick)) {
	defer close(e.done)
	defer close(requests)
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
		}

		select {
		case requests <- struct{}{}:
		case <-e.quit:
			return
		}

		var tick Tick
		select {
		case tick = <-replies:
		case <-e.quit:
			return
		}
		if e.stopping() {
			return
		}
		emit(tick)
		if tick.TimeLeft <= 0 {
			return
		}
	}
}
