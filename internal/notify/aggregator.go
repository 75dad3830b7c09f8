package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/lancachectl/internal/metrics"
)

const generalType = "general"

type Aggregator struct {
	mu        sync.Mutex
	order     []string
	items     map[string]*Notification
	sinks     []Sink
	listeners []func(Notification)
	now       func() time.Time
}

func NewAggregator(sinks ...Sink) *Aggregator {
	return &Aggregator{
		items: make(map[string]*Notification),
		sinks: sinks,
		now:   time.Now,
	}
}

// AddSink registers a sink called after every publish.
func (a *Aggregator) AddSink(s Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, s)
}

func (a *Aggregator) OnPublish(fn func(Notification)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Publish inserts n, or replaces the notification with the same identity
// without moving it. It returns the stored id.
func (a *Aggregator) Publish(n Notification) string {
	now := a.now()

	a.mu.Lock()
	id := n.Identity()
	if id == "" {
		id = uuid.NewString()
	}
	n.ID = id
	n.UpdatedAt = now

	if existing, ok := a.items[id]; ok {
		n.CreatedAt = existing.CreatedAt
	} else {
		n.CreatedAt = now
		a.order = append(a.order, id)
	}
	stored := n
	a.items[id] = &stored
	count := len(a.order)
	listeners := append(([]func(Notification))(nil), a.listeners...)
	sinks := append([]Sink(nil), a.sinks...)
	a.mu.Unlock()

	metrics.UpdateNotifications(count)
	for _, fn := range listeners {
		fn(n)
	}
	for _, s := range sinks {
		s.Notify(n)
	}

	return id
}

// ReportSuccess records an ad hoc confirmation from an untracked action.
func (a *Aggregator) ReportSuccess(message string) string {
	return a.Publish(Notification{Type: generalType, Status: StatusCompleted, Message: message})
}

// ReportError records an ad hoc failure from an untracked action.
func (a *Aggregator) ReportError(message string, err error) string {
	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	return a.Publish(Notification{Type: generalType, Status: StatusFailed, Message: message})
}

// List returns notifications in insertion order.
func (a *Aggregator) List() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Notification, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.items[id])
	}
	return out
}

func (a *Aggregator) Get(id string) (Notification, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.items[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

func (a *Aggregator) Dismiss(id string) bool {
	a.mu.Lock()
	if _, ok := a.items[id]; !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.items, id)
	for i, existing := range a.order {
		if existing == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	count := len(a.order)
	a.mu.Unlock()

	metrics.UpdateNotifications(count)
	return true
}
