// Package channel delivers status snapshots for tracked operations, preferring
// hub push events and falling back to periodic status polls.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/lancachectl/internal/metrics"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/signalr"
	"github.com/sirupsen/logrus"
)

const defaultMaxPollFailures = 10

var ErrInvalidAttachment = errors.New("invalid attachment")

type Subscription interface {
	Unsubscribe()
	Done() <-chan struct{}
}

type Subscriber interface {
	Subscribe(ctx context.Context, events []string, fn func(event string, payload json.RawMessage)) (Subscription, error)
}

type hubSubscriber struct {
	hub *signalr.Hub
}

// HubSubscriber exposes a signalr hub as a Subscriber.
func HubSubscriber(hub *signalr.Hub) Subscriber {
	return hubSubscriber{hub: hub}
}

func (h hubSubscriber) Subscribe(ctx context.Context, events []string, fn func(string, json.RawMessage)) (Subscription, error) {
	sub, err := h.hub.Subscribe(ctx, events, fn)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// FetchFunc returns the raw status document for an operation. It should wrap
// backend.ErrOperationNotFound when the backend no longer knows the id.
type FetchFunc func(ctx context.Context, operationID string) (json.RawMessage, error)

type Attachment struct {
	OperationID string
	Kind        operation.Kind
	// Events are the push event names for the kind. Empty means poll only.
	Events   []string
	Interval time.Duration
	Fetch    FetchFunc
	// Match filters push payloads on routing fields; only "service" is used.
	Match map[string]string

	OnSnapshot func(operation.Snapshot)
	// OnLost runs when the backend reports the operation unknown.
	OnLost func()
	// OnPollFailures runs once each time consecutive poll failures reach the
	// configured threshold.
	OnPollFailures func(consecutive int, err error)
}

type Options struct {
	Subscriber      Subscriber
	Logger          logrus.FieldLogger
	MaxPollFailures int
}

type Adapter struct {
	subscriber      Subscriber
	logger          logrus.FieldLogger
	maxPollFailures int

	base   context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	attached       map[string]*attachment
	activePollers  int
	pollersStarted int
}

type attachment struct {
	Attachment

	ctx    context.Context
	cancel context.CancelFunc

	sub          Subscription
	pollerCancel context.CancelFunc
	detached     bool

	// deliverMu serializes snapshot delivery so nothing follows a terminal one.
	deliverMu sync.Mutex
}

func NewAdapter(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = defaultMaxPollFailures
	}

	base, cancel := context.WithCancel(context.Background())
	return &Adapter{
		subscriber:      opts.Subscriber,
		logger:          opts.Logger,
		maxPollFailures: opts.MaxPollFailures,
		base:            base,
		cancel:          cancel,
		attached:        make(map[string]*attachment),
	}
}

// Attach starts delivering snapshots for att.OperationID. Any previous
// attachment for the same id is detached first, so at most one poller runs
// per operation.
func (a *Adapter) Attach(ctx context.Context, att Attachment) error {
	if att.OperationID == "" || att.OnSnapshot == nil || att.Fetch == nil {
		return ErrInvalidAttachment
	}
	if att.Interval <= 0 {
		att.Interval = time.Second
	}

	a.Detach(att.OperationID)

	at := &attachment{Attachment: att}
	at.ctx, at.cancel = context.WithCancel(a.base)

	a.mu.Lock()
	if a.base.Err() != nil {
		a.mu.Unlock()
		at.cancel()
		return context.Canceled
	}
	a.attached[att.OperationID] = at
	a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{"operation_id": att.OperationID, "kind": att.Kind})

	if a.subscriber == nil || len(att.Events) == 0 {
		a.startPoller(at)
		return nil
	}

	sub, err := a.subscriber.Subscribe(ctx, att.Events, func(event string, data json.RawMessage) {
		a.deliverEvent(at, event, data)
	})
	if err != nil {
		log.WithError(err).Warn("Push channel unavailable, polling instead")
		metrics.RecordPushFallback(att.Kind.String())
		a.startPoller(at)
		return nil
	}

	a.mu.Lock()
	if at.detached {
		a.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	at.sub = sub
	a.mu.Unlock()

	log.Debug("Subscribed to push events")
	go a.watch(at, sub)
	// Push only carries changes from now on; one fetch catches anything that
	// happened before the subscription existed.
	go a.pollOnce(at.ctx, at, nil)

	return nil
}

// Detach stops delivery for operationID. It is safe to call from inside a
// snapshot callback.
func (a *Adapter) Detach(operationID string) {
	a.mu.Lock()
	at := a.attached[operationID]
	if at != nil {
		delete(a.attached, operationID)
	}
	a.mu.Unlock()

	if at != nil {
		a.stop(at)
	}
}

func (a *Adapter) isAttached(operationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.attached[operationID]
	return ok
}

// ActivePollers is the number of operations currently being polled.
func (a *Adapter) ActivePollers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activePollers
}

// startedPollers counts every poller started since the adapter was created.
func (a *Adapter) startedPollers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollersStarted
}

func (a *Adapter) Close() {
	a.cancel()

	a.mu.Lock()
	all := make([]*attachment, 0, len(a.attached))
	for id, at := range a.attached {
		all = append(all, at)
		delete(a.attached, id)
	}
	a.mu.Unlock()

	for _, at := range all {
		a.stop(at)
	}
}

func (a *Adapter) stop(at *attachment) {
	a.mu.Lock()
	if at.detached {
		a.mu.Unlock()
		return
	}
	at.detached = true
	sub := at.sub
	at.sub = nil
	if at.pollerCancel != nil {
		at.pollerCancel = nil
		a.activePollers--
		metrics.UpdateActivePollers(a.activePollers)
	}
	a.mu.Unlock()

	at.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (a *Adapter) remove(at *attachment) {
	a.mu.Lock()
	if a.attached[at.OperationID] == at {
		delete(a.attached, at.OperationID)
	}
	a.mu.Unlock()
	a.stop(at)
}

func (a *Adapter) isDetached(at *attachment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return at.detached
}

// watch moves the attachment to polling when its push connection drops.
func (a *Adapter) watch(at *attachment, sub Subscription) {
	select {
	case <-at.ctx.Done():
		return
	case <-sub.Done():
	}

	a.mu.Lock()
	if at.detached || at.sub != sub {
		a.mu.Unlock()
		return
	}
	at.sub = nil
	a.mu.Unlock()

	sub.Unsubscribe()
	a.logger.WithFields(logrus.Fields{"operation_id": at.OperationID, "kind": at.Kind}).
		Warn("Push connection lost, polling instead")
	metrics.RecordPushFallback(at.Kind.String())
	a.startPoller(at)
}

func (a *Adapter) deliverEvent(at *attachment, event string, data json.RawMessage) {
	snap, env, err := NormalizeEvent(at.Kind, event, data)
	if err != nil {
		a.logger.WithError(err).WithField("event", event).Warn("Dropping undecodable push event")
		return
	}
	a.deliver(at, snap, env)
}

func (a *Adapter) deliver(at *attachment, snap operation.Snapshot, env envelope) {
	if env.OperationID != "" && env.OperationID != at.OperationID {
		return
	}
	if want := at.Match["service"]; want != "" && env.Service != "" && !strings.EqualFold(want, env.Service) {
		return
	}

	snap.OperationID = at.OperationID
	snap.Kind = at.Kind

	at.deliverMu.Lock()
	defer at.deliverMu.Unlock()

	if a.isDetached(at) {
		return
	}
	if snap.IsTerminal() {
		a.remove(at)
	}
	at.OnSnapshot(snap)
}
