// Package notify delivers user-facing notifications. Delivery is best
// effort: Notify never blocks and sender failures are only logged.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/tokensettle/internal/models"
	"go.uber.org/zap"
)

// Sender delivers a notification over one channel
type Sender interface {
	Name() string
	Send(ctx context.Context, n *models.Notification) error
}

// Notifier is what pipeline components depend on
type Notifier interface {
	Notify(n *models.Notification) bool
}

// Fanout queues notifications and hands each to every sender
type Fanout struct {
	queue   chan *models.Notification
	senders []Sender
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewFanout creates a fan-out with a queue of size buffer. timeout bounds
// each individual send.
func NewFanout(buffer int, timeout time.Duration, logger *zap.Logger, senders ...Sender) *Fanout {
	return &Fanout{
		queue:   make(chan *models.Notification, buffer),
		senders: senders,
		timeout: timeout,
		logger:  logger.Named("notify"),
	}
}

// Start runs the dispatcher until Close is called
func (f *Fanout) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for n := range f.queue {
			f.dispatch(n)
		}
	}()
}

// Notify enqueues n. It reports false when the notification was dropped.
func (f *Fanout) Notify(n *models.Notification) bool {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}

	select {
	case f.queue <- n:
		return true
	default:
		f.logger.Warn("notification queue full, dropping",
			zap.String("user_id", n.UserID),
			zap.String("event", n.Event))
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to drain
func (f *Fanout) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Fanout) dispatch(n *models.Notification) {
	for _, s := range f.senders {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := s.Send(ctx, n)
		cancel()
		if err != nil {
			f.logger.Warn("notification delivery failed",
				zap.String("sender", s.Name()),
				zap.String("user_id", n.UserID),
				zap.String("event", n.Event),
				zap.Error(err))
		}
	}
}
