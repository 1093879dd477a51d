package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"placeholders/core/internal/util"
)

const deliverTimeout = 10 * time.Second

// Emitter fans events out to its sinks from a single background goroutine.
// Emit never blocks: when the queue is full the event is dropped and logged.
type Emitter struct {
	logger *slog.Logger
	sinks  []Sink
	queue  chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewEmitter(logger *slog.Logger, queueSize int, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	e := &Emitter{
		logger: logger,
		sinks:  sinks,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues event for delivery. A nil or closed Emitter drops it.
func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	if event.ID == "" {
		event.ID = util.NewID("evt")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("audit event after close dropped", "type", event.Type, "id", event.ID)
		return
	}
	select {
	case e.queue <- event:
	default:
		e.logger.Warn("audit queue full, event dropped", "type", event.Type, "id", event.ID)
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for event := range e.queue {
		for _, sink := range e.sinks {
			e.deliver(sink, event)
		}
	}
}

func (e *Emitter) deliver(sink Sink, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit sink panicked", "sink", sink.Name(), "type", event.Type, "panic", r)
		}
	}()
	if err := sink.Deliver(ctx, event); err != nil {
		e.logger.Error("audit delivery failed", "sink", sink.Name(), "type", event.Type, "id", event.ID, "error", err)
	}
}
