// Package notify delivers task and safety events to operators without ever
// blocking the code that raised them.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
)

// Kind identifies what happened.
type Kind string

const (
	KindTaskStarted    Kind = "task_started"
	KindTaskCompleted  Kind = "task_completed"
	KindTaskFailed     Kind = "task_failed"
	KindTaskRolledBack Kind = "task_rolled_back"
	KindAlert          Kind = "alert"
	KindSafeMode       Kind = "safe_mode"
)

// Notification is one operator-facing event.
type Notification struct {
	Kind      Kind              `json:"kind"`
	Level     models.AlertLevel `json:"level"`
	Agent     string            `json:"agent,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Title     string            `json:"title"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// FromAlert converts a safety alert into a notification.
func FromAlert(a *models.Alert) Notification {
	return Notification{
		Kind:      KindAlert,
		Level:     a.Level,
		Agent:     a.Agent(),
		Title:     a.Title,
		Message:   a.Description,
		Data:      map[string]any{"alert_id": a.ID, "event_type": string(a.EventType)},
		Timestamp: a.Timestamp,
	}
}

// Notifier sends a notification to one channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// DefaultBufferSize is the Dispatcher queue length.
const DefaultBufferSize = 256

// Dispatcher fans notifications out to its sinks from a single goroutine.
// Notify never blocks: when the queue is full the notification is dropped.
type Dispatcher struct {
	sinks  []Notifier
	logger *slog.Logger
	queue  chan Notification

	dropped atomic.Int64
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewDispatcher starts a Dispatcher with the given queue size.
func NewDispatcher(size int, logger *slog.Logger, sinks ...Notifier) *Dispatcher {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan Notification, size),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// Notify enqueues n. It returns nil even when n is dropped.
func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return nil
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped", "kind", n.Kind, "title", n.Title)
	}
	return nil
}

// Dropped returns how many notifications were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting notifications and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for n := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Notify(ctx, n); err != nil {
				d.logger.Warn("notification failed", "kind", n.Kind, "error", err)
			}
			cancel()
		}
	}
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Level {
	case models.AlertWarning:
		level = slog.LevelWarn
	case models.AlertError, models.AlertCritical:
		level = slog.LevelError
	}
	logger.Log(ctx, level, n.Title, "kind", n.Kind, "agent", n.Agent, "task_id", n.TaskID, "message", n.Message)
	return nil
}
