package maintenance

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse/metrics"
)

// EventKind tags a maintenance lifecycle event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventSucceeded
	EventFailed
	EventCanceled
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is published at the task state transitions.
type Event struct {
	Kind      EventKind
	TaskID    string
	Operation string
	Time      time.Time
	// Err is set on EventFailed and EventCanceled.
	Err error
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine.
type Handler func(Event)

// EventBus dispatches events to the handlers subscribed to their kind.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
}

// NewEventBus creates a bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventKind][]Handler)}
}

// Subscribe adds h for events of kind.
func (b *EventBus) Subscribe(kind EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll adds h for every kind.
func (b *EventBus) SubscribeAll(h Handler) {
	for _, k := range []EventKind{EventStarted, EventSucceeded, EventFailed, EventCanceled} {
		b.Subscribe(k, h)
	}
}

// Publish delivers e to its subscribers in subscription order. A panicking
// handler is logged and skipped.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Kind]...)
	b.mu.RUnlock()

	for _, h := range hs {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Errorw("Event handler panicked",
				logger.FieldTaskID, e.TaskID,
				"event", e.Kind.String(),
				"panic", r)
		}
	}()
	h(e)
}

// AuditHandler logs every event.
func AuditHandler(log *zap.SugaredLogger) Handler {
	log = logger.AddPhaseSymbol(log.Named("audit"))
	return func(e Event) {
		kv := []interface{}{
			logger.FieldTaskID, e.TaskID,
			logger.FieldOperation, e.Operation,
			"event", e.Kind.String(),
			"at", e.Time,
		}
		switch e.Kind {
		case EventFailed:
			log.Errorw("Maintenance task failed", append(kv, logger.FieldError, e.Err)...)
		case EventCanceled:
			log.Warnw("Maintenance task canceled", append(kv, logger.FieldError, e.Err)...)
		default:
			log.Infow("Maintenance task "+e.Kind.String(), kv...)
		}
	}
}

// MetricsHandler counts terminal events.
func MetricsHandler(c *metrics.Collector) Handler {
	return func(e Event) {
		if e.Kind == EventStarted {
			c.TaskProgress(e.Operation, 0)
			return
		}
		c.TaskFinished(e.Operation, e.Kind.String())
	}
}
