package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type keyStore interface {
	TouchAPIKey(ctx context.Context, id int64) error
}

// UsageToucher applies API key usage updates on a single background worker.
// Updates are serialized; when the queue is full they are dropped.
type UsageToucher struct {
	store   keyStore
	queue   chan int64
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewUsageToucher(store keyStore, queueSize int, logger *slog.Logger) *UsageToucher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &UsageToucher{
		store:   store,
		queue:   make(chan int64, queueSize),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *UsageToucher) Touch(keyID int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return
	}
	select {
	case t.queue <- keyID:
	default:
		t.logger.Warn("api key usage update dropped", "api_key_id", keyID)
	}
}

func (t *UsageToucher) run() {
	defer close(t.done)
	for id := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		if err := t.store.TouchAPIKey(ctx, id); err != nil {
			t.logger.Warn("api key usage update failed", "api_key_id", id, "error", err)
		}
		cancel()
	}
}

// Close stops accepting updates and waits for queued ones to be applied.
func (t *UsageToucher) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	<-t.done
}
