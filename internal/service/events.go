package service

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one audit-style notification.
type Event struct {
	Name    string
	Payload map[string]interface{}
	At      time.Time
}

// EventService fans audit events out to the log from a background goroutine.
// Emit never blocks the caller: when the buffer is full the event is dropped
// and counted, because authorization latency matters more than audit
// completeness.
type EventService struct {
	ch      chan Event
	logger  *slog.Logger
	dropped int64

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEventService creates an event service with a fixed buffer.
func NewEventService(logger *slog.Logger) *EventService {
	return &EventService{
		ch:     make(chan Event, 256),
		logger: logger,
	}
}

// Start begins the background consumer. Safe to call once.
func (e *EventService) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.done = make(chan struct{})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev := <-e.ch:
				e.logger.Info("event",
					"name", ev.Name,
					"at", ev.At.Format(time.RFC3339),
					"payload", ev.Payload,
				)
			case <-e.done:
				// Drain whatever is already buffered before exiting.
				for {
					select {
					case ev := <-e.ch:
						e.logger.Info("event", "name", ev.Name, "payload", ev.Payload)
					default:
						return
					}
				}
			}
		}
	}()
}

// Emit queues an event without blocking. Events emitted before Start or after
// the buffer fills are dropped.
func (e *EventService) Emit(name string, payload map[string]interface{}) {
	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}
	select {
	case e.ch <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Stop drains and stops the background consumer.
func (e *EventService) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.done)
	e.mu.Unlock()
	e.wg.Wait()
}
