package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultWriteQueue   = 256
	DefaultWriteTimeout = 5 * time.Second
)

type WriteFunc func(ctx context.Context) error

type pendingWrite struct {
	label string
	fn    WriteFunc
}

// AsyncWriter runs store writes on a single background goroutine in the
// order they were queued. Failed writes are logged and dropped.
type AsyncWriter struct {
	log     *slog.Logger
	queue   chan pendingWrite
	timeout time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewAsyncWriter(log *slog.Logger, capacity int) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultWriteQueue
	}
	return &AsyncWriter{
		log:     log,
		queue:   make(chan pendingWrite, capacity),
		timeout: DefaultWriteTimeout,
	}
}

func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

// Enqueue never blocks. It returns false when the queue is full or closed;
// the next write for the same document acts as the retry.
func (w *AsyncWriter) Enqueue(label string, fn WriteFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- pendingWrite{label: label, fn: fn}:
		return true
	default:
		w.log.Warn("write queue full, dropping write", "write", label)
		return false
	}
}

func (w *AsyncWriter) Pending() int {
	return len(w.queue)
}

// Close stops accepting writes and drains what is queued, waiting at most timeout.
func (w *AsyncWriter) Close(timeout time.Duration) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return true
	}
	w.closed = true
	started := w.started
	close(w.queue)
	w.mu.Unlock()

	if !started {
		return true
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for op := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := op.fn(ctx); err != nil {
			w.log.Error("document write failed", "write", op.label, "err", err)
		}
		cancel()
	}
}
