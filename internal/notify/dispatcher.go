package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewmarket/riskguard/internal/metrics"
)

const sendTimeout = 30 * time.Second

// Dispatcher queues notifications and delivers them from worker goroutines.
type Dispatcher struct {
	notifier Notifier
	queue    chan *Notification
	workers  int
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a queue of size and the given
// number of workers. Call Start before enqueueing.
func NewDispatcher(n Notifier, size, workers int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifier: n,
		queue:    make(chan *Notification, size),
		workers:  workers,
		logger:   logger,
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Enqueue hands n to the workers without blocking. It reports false when
// the notification was dropped because the queue is full or closed.
func (d *Dispatcher) Enqueue(n *Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case d.queue <- n:
		metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full, dropping alert",
			"subject_id", n.SubjectID, "reason", n.Reason, "severity", n.Severity)
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("panic in notifier", "panic", fmt.Sprint(r), "subject_id", n.SubjectID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("admin notification failed",
			"subject_id", n.SubjectID, "reason", n.Reason, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
