package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/lancachectl/internal/backend"
	"github.com/nadmax/lancachectl/internal/channel"
	"github.com/nadmax/lancachectl/internal/handle"
	"github.com/nadmax/lancachectl/internal/logging"
	"github.com/nadmax/lancachectl/internal/notify"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/repository"
	"github.com/nadmax/lancachectl/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	ids         []string
	startErr    error
	cancelErr   error
	statuses    map[string][]string
	statusErr   map[string]error
	startCalls  []map[string]any
	cancelCalls []string
	statusCalls atomic.Int32
}

func newFakeBackend(ids ...string) *fakeBackend {
	return &fakeBackend{
		ids:       ids,
		statuses:  make(map[string][]string),
		statusErr: make(map[string]error),
	}
}

func (f *fakeBackend) Start(ctx context.Context, kind operation.Kind, metadata map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCalls = append(f.startCalls, metadata)
	if f.startErr != nil {
		return "", f.startErr
	}
	if len(f.ids) == 0 {
		return "", fmt.Errorf("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

// Status returns the scripted documents for id in order, repeating the last.
func (f *fakeBackend) Status(ctx context.Context, kind operation.Kind, id string) (json.RawMessage, error) {
	f.statusCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.statusErr[id]; err != nil {
		return nil, err
	}
	docs := f.statuses[id]
	if len(docs) == 0 {
		return nil, fmt.Errorf("status: %w", backend.ErrOperationNotFound)
	}
	doc := docs[0]
	if len(docs) > 1 {
		f.statuses[id] = docs[1:]
	}
	return json.RawMessage(doc), nil
}

func (f *fakeBackend) Cancel(ctx context.Context, kind operation.Kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelCalls = append(f.cancelCalls, id)
	return f.cancelErr
}

func (f *fakeBackend) script(id string, docs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = docs
}

// fakeChannel captures attachments so tests can drive snapshots directly.
type fakeChannel struct {
	mu          sync.Mutex
	attached    map[string]channel.Attachment
	attachCalls int
	detached    []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{attached: make(map[string]channel.Attachment)}
}

func (f *fakeChannel) Attach(ctx context.Context, att channel.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls++
	f.attached[att.OperationID] = att
	return nil
}

func (f *fakeChannel) Detach(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, id)
	f.detached = append(f.detached, id)
}

func (f *fakeChannel) attachment(t *testing.T, id string) channel.Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	att, ok := f.attached[id]
	require.True(t, ok, "no attachment for %s", id)
	return att
}

func (f *fakeChannel) isAttached(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.attached[id]
	return ok
}

// countingStore counts deletes on top of a real store.
type countingStore struct {
	store.Store
	deletes atomic.Int32
}

func (c *countingStore) Delete(ctx context.Context, key string) error {
	c.deletes.Add(1)
	return c.Store.Delete(ctx, key)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type testEnv struct {
	ctrl     *Controller
	backend  *fakeBackend
	channel  Channel
	handle   *handle.Handle
	store    *countingStore
	mr       *miniredis.Miniredis
	notifier *notify.Aggregator
	history  *repository.MockHistoryRepository
}

func setupTestController(t *testing.T, spec Spec, be *fakeBackend, ch Channel) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	cs := &countingStore{Store: rs}

	h := handle.New(cs, handle.Options{Kind: spec.Kind, TTL: spec.TTL, Logger: logging.Discard()})
	agg := notify.NewAggregator()
	hist := repository.NewMockHistoryRepository()

	ctrl, err := New(Options{
		Spec:          spec,
		Handle:        h,
		Backend:       be,
		Channel:       ch,
		Notifier:      agg,
		History:       hist,
		Logger:        logging.Discard(),
		LingerSuccess: 20 * time.Millisecond,
		LingerFailure: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	return &testEnv{
		ctrl:     ctrl,
		backend:  be,
		channel:  ch,
		handle:   h,
		store:    cs,
		mr:       mr,
		notifier: agg,
		history:  hist,
	}
}

func mustSpec(t *testing.T, kind operation.Kind) Spec {
	spec, ok := SpecFor(kind)
	require.True(t, ok)
	return spec
}

func snapshot(status operation.Status, pct float64) operation.Snapshot {
	return operation.Snapshot{Status: status, PercentComplete: pct}
}

// pushSubscriber is a Subscriber whose events are emitted by the test.
type pushSubscriber struct {
	mu sync.Mutex
	fn func(string, json.RawMessage)
}

type pushSubscription struct {
	done chan struct{}
}

func (s *pushSubscription) Unsubscribe()          {}
func (s *pushSubscription) Done() <-chan struct{} { return s.done }

func (p *pushSubscriber) Subscribe(_ context.Context, _ []string, fn func(string, json.RawMessage)) (channel.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
	return &pushSubscription{done: make(chan struct{})}, nil
}

func (p *pushSubscriber) emit(event, payload string) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	fn(event, json.RawMessage(payload))
}
