// Package progress fans build events out to subscribers. Events carry state changes, log
// lines, and deployment results; they never carry credentials.
package progress

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/pkg/model"
)

// EventType discriminates the payload of an Event.
type EventType string

const (
	// StateEvent reports a session state transition.
	StateEvent EventType = "STATE"
	// LogEvent carries build output.
	LogEvent EventType = "LOG"
	// PreviewEvent announces a live preview URL.
	PreviewEvent EventType = "PREVIEW"
	// DeployEvent reports a deployment outcome.
	DeployEvent EventType = "DEPLOY"
	// ErrorEvent reports a failure visible to the user.
	ErrorEvent EventType = "ERROR"
)

// Event is one progress update for a session.
type Event struct {
	SessionID model.SessionID  `json:"session_id"`
	Type      EventType        `json:"type"`
	State     model.BuildState `json:"state,omitempty"`
	Message   string           `json:"message,omitempty"`
	URL       string           `json:"url,omitempty"`
	Time      time.Time        `json:"time"`
}

// Sink receives events. Implementations must not block for long; a slow sink delays every
// subscriber behind it.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Notifier queues events and ships them to its sinks from a background goroutine, so callers
// on the build path never block on delivery.
type Notifier struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
	sinks  []Sink
	log    *log.Entry
}

// NewNotifier creates a notifier shipping to the given sinks.
func NewNotifier(sinks ...Sink) *Notifier {
	return &Notifier{
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		sinks: sinks,
		log:   log.WithField("component", "progress"),
	}
}

// Start launches the shipping goroutine. It returns when ctx ends and the queue has drained.
func (n *Notifier) Start(ctx context.Context) {
	go n.ship(ctx)
}

// Notify enqueues an event. It never blocks.
func (n *Notifier) Notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close stops intake, waits for the queue to drain, and stops the shipper.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}

func (n *Notifier) ship(ctx context.Context) {
	defer close(n.done)
	for {
		n.deliver(ctx, n.pop())

		n.mu.Lock()
		empty, closed := len(n.queue) == 0, n.closed
		n.mu.Unlock()
		if empty && closed {
			return
		}
		if empty {
			select {
			case <-n.wake:
			case <-ctx.Done():
				// Final drain so events published just before shutdown still go out.
				n.deliver(context.Background(), n.pop())
				return
			}
		}
	}
}

func (n *Notifier) pop() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	batch := n.queue
	n.queue = nil
	return batch
}

func (n *Notifier) deliver(ctx context.Context, batch []Event) {
	for _, e := range batch {
		for _, s := range n.sinks {
			if err := s.Publish(ctx, e); err != nil {
				n.log.WithError(err).WithField("session", e.SessionID).
					Warn("dropping event for failed sink")
			}
		}
	}
}

// LogSink writes events to the process log. It backs development setups with no subscribers.
type LogSink struct{}

// Publish implements Sink.
func (LogSink) Publish(_ context.Context, e Event) error {
	log.WithFields(log.Fields{
		"session": e.SessionID,
		"type":    e.Type,
		"state":   e.State,
	}).Info(e.Message)
	return nil
}
