// Package lifecycle runs the per-kind operation state machine: start, track,
// cancel, recover after a restart, and report the outcome.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/lancachectl/internal/backend"
	"github.com/nadmax/lancachectl/internal/channel"
	"github.com/nadmax/lancachectl/internal/handle"
	"github.com/nadmax/lancachectl/internal/metrics"
	"github.com/nadmax/lancachectl/internal/notify"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/repository/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultLingerSuccess = 2 * time.Second
	defaultLingerFailure = 5 * time.Second
	storeTimeout         = 10 * time.Second
)

var (
	ErrOperationActive = errors.New("operation already active")
	ErrNotActive       = errors.New("no active operation")
	ErrClosed          = errors.New("controller closed")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseRecovering Phase = "recovering"
	PhaseActive     Phase = "active"
	PhaseCancelling Phase = "cancelling"
	PhaseTerminal   Phase = "terminal"
)

type Backend interface {
	Start(ctx context.Context, kind operation.Kind, metadata map[string]any) (string, error)
	Status(ctx context.Context, kind operation.Kind, operationID string) (json.RawMessage, error)
	Cancel(ctx context.Context, kind operation.Kind, operationID string) error
}

type Channel interface {
	Attach(ctx context.Context, att channel.Attachment) error
	Detach(operationID string)
}

type Notifier interface {
	Publish(n notify.Notification) string
}

type History interface {
	SaveOutcome(ctx context.Context, outcome *models.OperationOutcome) error
}

// State is what a progress surface renders. Visible is false whenever no
// spinner or result should be shown.
type State struct {
	Kind          operation.Kind    `json:"kind"`
	Phase         Phase             `json:"phase"`
	OperationID   string            `json:"operationId,omitempty"`
	Status        operation.Status  `json:"status,omitempty"`
	Percent       float64           `json:"percentComplete"`
	Message       string            `json:"message,omitempty"`
	DetailMessage string            `json:"detailMessage,omitempty"`
	Result        *operation.Result `json:"result,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Visible       bool              `json:"visible"`
	StartedAt     time.Time         `json:"startedAt,omitzero"`
	Error         string            `json:"error,omitempty"`
	StoreError    string            `json:"storeError,omitempty"`
}

type Options struct {
	Spec          Spec
	Handle        *handle.Handle
	Backend       Backend
	Channel       Channel
	Notifier      Notifier
	History       History
	Logger        logrus.FieldLogger
	LingerSuccess time.Duration
	LingerFailure time.Duration
	Now           func() time.Time
}

type Controller struct {
	spec          Spec
	handle        *handle.Handle
	backend       Backend
	channel       Channel
	notifier      Notifier
	history       History
	logger        logrus.FieldLogger
	lingerSuccess time.Duration
	lingerFailure time.Duration
	now           func() time.Time

	// storeMu orders record writes so a late update cannot resurrect a
	// cleared record.
	storeMu sync.Mutex

	mu            sync.Mutex
	state         State
	progress      progress
	gen           uint64
	cleared       bool
	finished      bool
	lastPersisted operation.Status
	linger        *time.Timer
	listeners     []func(State)
	closed        bool
}

type discardNotifier struct{}

func (discardNotifier) Publish(notify.Notification) string { return "" }

func New(opts Options) (*Controller, error) {
	if opts.Handle == nil || opts.Backend == nil || opts.Channel == nil {
		return nil, errors.New("handle, backend and channel are required")
	}
	if opts.Handle.Kind() != opts.Spec.Kind {
		return nil, fmt.Errorf("handle kind %s does not match %s", opts.Handle.Kind(), opts.Spec.Kind)
	}
	if opts.Notifier == nil {
		opts.Notifier = discardNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.LingerSuccess <= 0 {
		opts.LingerSuccess = defaultLingerSuccess
	}
	if opts.LingerFailure <= 0 {
		opts.LingerFailure = defaultLingerFailure
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{
		spec:          opts.Spec,
		handle:        opts.Handle,
		backend:       opts.Backend,
		channel:       opts.Channel,
		notifier:      opts.Notifier,
		history:       opts.History,
		logger:        opts.Logger.WithField("kind", opts.Spec.Kind),
		lingerSuccess: opts.LingerSuccess,
		lingerFailure: opts.LingerFailure,
		now:           opts.Now,
		state:         State{Kind: opts.Spec.Kind, Phase: PhaseIdle},
	}, nil
}

func (c *Controller) Kind() operation.Kind {
	return c.spec.Kind
}

func (c *Controller) Spec() Spec {
	return c.spec
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// OnChange registers fn to receive every state transition.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start asks the backend to begin a new operation and tracks it. It fails with
// ErrOperationActive while another operation of this kind is in flight.
func (c *Controller) Start(ctx context.Context, metadata map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase != PhaseIdle && c.state.Phase != PhaseTerminal {
		c.mu.Unlock()
		return ErrOperationActive
	}
	c.stopLingerLocked()
	c.gen++
	gen := c.gen
	c.progress.reset()
	c.cleared, c.finished = false, false
	c.lastPersisted = operation.StatusPreparing
	c.state = State{
		Kind:      c.spec.Kind,
		Phase:     PhaseStarting,
		Status:    operation.StatusPreparing,
		Metadata:  maps.Clone(metadata),
		Visible:   true,
		StartedAt: c.now(),
	}
	st := c.stateLocked()
	c.mu.Unlock()
	c.emit(st)

	id, err := c.backend.Start(ctx, c.spec.Kind, metadata)
	if err == nil && id == "" {
		err = backend.ErrNoOperationID
	}
	if err != nil {
		c.logger.WithError(err).Warn("Failed to start operation")
		c.mu.Lock()
		if c.gen == gen {
			c.state = State{Kind: c.spec.Kind, Phase: PhaseIdle, Error: err.Error()}
		}
		st = c.stateLocked()
		c.mu.Unlock()
		c.emit(st)

		c.notifier.Publish(notify.Notification{
			Type:       c.spec.Kind.String(),
			DetailsKey: c.spec.detailsKey("", metadata),
			Status:     notify.StatusFailed,
			Message:    fmt.Sprintf("Failed to start %s: %v", strings.ToLower(c.spec.Label), err),
		})
		return fmt.Errorf("failed to start %s: %w", c.spec.Kind, err)
	}

	c.storeMu.Lock()
	c.handle.Save(ctx, id, metadata)
	c.storeMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state.Phase = PhaseActive
	c.state.OperationID = id
	st = c.stateLocked()
	c.mu.Unlock()
	c.emit(st)

	c.logger.WithField("operation_id", id).Info("Operation started")
	metrics.RecordOperationStarted(c.spec.Kind.String())
	metrics.SetOperationActive(c.spec.Kind.String(), true)
	c.notifier.Publish(notify.Notification{
		Type:       c.spec.Kind.String(),
		DetailsKey: c.spec.detailsKey(id, metadata),
		Status:     notify.StatusRunning,
		Message:    c.spec.Label + " started",
	})

	c.attach(ctx, id, metadata, gen)
	return nil
}

// Cancel requests cancellation and clears the local record right away. The
// operation stays tracked until the backend reports a terminal status; if
// the request itself fails, tracking is dropped instead.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != PhaseActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	gen := c.gen
	id := c.state.OperationID
	c.state.Phase = PhaseCancelling
	c.state.Status = operation.StatusCancelling
	needClear := !c.cleared
	c.cleared = true
	st := c.stateLocked()
	c.mu.Unlock()
	c.emit(st)

	if needClear {
		c.clearRecord()
	}

	log := c.logger.WithField("operation_id", id)
	if err := c.backend.Cancel(ctx, c.spec.Kind, id); err != nil {
		log.WithError(err).Warn("Cancel request failed, no longer tracking operation")
		c.abandon(gen, id, c.spec.Label+" is no longer tracked; it may have already finished")
		return nil
	}

	log.Info("Cancellation requested")
	return nil
}

// Recover resumes tracking from a persisted record after a restart. The
// record is trusted only once the backend confirms the operation is still
// running; unknown or finished operations are discarded silently.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase != PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	c.stopLingerLocked()
	c.gen++
	gen := c.gen
	c.state = State{Kind: c.spec.Kind, Phase: PhaseRecovering}
	st := c.stateLocked()
	c.mu.Unlock()
	c.emit(st)

	kind := c.spec.Kind.String()

	c.storeMu.Lock()
	rec := c.handle.Load(ctx)
	c.storeMu.Unlock()
	if rec == nil {
		c.toIdle(gen)
		if err := c.handle.Err(); err != nil {
			metrics.RecordRecovery(kind, "store_error")
			return fmt.Errorf("failed to load %s record: %w", kind, err)
		}
		metrics.RecordRecovery(kind, "none")
		return nil
	}

	log := c.logger.WithField("operation_id", rec.OperationID)

	var snap operation.Snapshot
	raw, err := c.backend.Status(ctx, c.spec.Kind, rec.OperationID)
	if err == nil {
		snap, _, err = channel.NormalizeStatus(c.spec.Kind, raw)
	}

	switch {
	case errors.Is(err, backend.ErrOperationNotFound):
		log.Info("Backend no longer knows the recovered operation, discarding record")
		c.clearRecord()
		c.toIdle(gen)
		metrics.RecordRecovery(kind, "stale")
		return nil
	case err != nil:
		log.WithError(err).Warn("Could not verify recovered operation")
		c.toIdle(gen)
		metrics.RecordRecovery(kind, "unreachable")
		return fmt.Errorf("failed to verify %s operation %s: %w", kind, rec.OperationID, err)
	case snap.IsTerminal():
		log.WithField("status", snap.Status).Info("Recovered operation already finished, discarding record")
		c.clearRecord()
		c.toIdle(gen)
		metrics.RecordRecovery(kind, "finished")
		return nil
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.progress.reset()
	c.progress.accept(snap)
	c.cleared, c.finished = false, false
	c.lastPersisted = snap.Status
	c.state = State{
		Kind:          c.spec.Kind,
		Phase:         PhaseActive,
		OperationID:   rec.OperationID,
		Status:        snap.Status,
		Percent:       c.progress.merge(snap),
		Message:       snap.Message,
		DetailMessage: snap.DetailMessage,
		Metadata:      rec.Metadata,
		Visible:       true,
		StartedAt:     rec.SavedAt,
	}
	st = c.stateLocked()
	c.mu.Unlock()
	c.emit(st)

	log.Info("Resumed tracking of recovered operation")
	metrics.RecordRecovery(kind, "resumed")
	metrics.SetOperationActive(kind, true)
	c.notifier.Publish(notify.Notification{
		Type:       kind,
		DetailsKey: c.spec.detailsKey(rec.OperationID, rec.Metadata),
		Status:     notify.StatusRunning,
		Message:    c.spec.Label + " resumed",
	})

	c.attach(ctx, rec.OperationID, rec.Metadata, gen)
	return nil
}

// Close stops tracking without touching the persisted record, so a later
// Recover can pick the operation up again.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.stopLingerLocked()
	id := c.state.OperationID
	active := c.state.Phase == PhaseActive || c.state.Phase == PhaseCancelling
	c.mu.Unlock()

	if id != "" {
		c.channel.Detach(id)
	}
	if active {
		metrics.SetOperationActive(c.spec.Kind.String(), false)
	}
}

func (c *Controller) attach(ctx context.Context, id string, metadata map[string]any, gen uint64) {
	att := channel.Attachment{
		OperationID: id,
		Kind:        c.spec.Kind,
		Events:      c.spec.Events,
		Interval:    c.spec.PollInterval,
		Fetch: func(ctx context.Context, operationID string) (json.RawMessage, error) {
			return c.backend.Status(ctx, c.spec.Kind, operationID)
		},
		OnSnapshot: func(s operation.Snapshot) { c.handleSnapshot(gen, s) },
		OnLost:     func() { c.handleLost(gen, id) },
		OnPollFailures: func(n int, err error) {
			c.handlePollFailures(gen, id, n, err)
		},
	}
	if service, _ := metadata["service"].(string); c.spec.MatchService && service != "" {
		att.Match = map[string]string{"service": service}
	}

	if err := c.channel.Attach(ctx, att); err != nil {
		c.logger.WithError(err).WithField("operation_id", id).Error("Failed to attach status channel")
		c.mu.Lock()
		if c.gen == gen {
			c.state.Error = "status updates unavailable: " + err.Error()
		}
		st := c.stateLocked()
		c.mu.Unlock()
		c.emit(st)
	}
}

func (c *Controller) handleSnapshot(gen uint64, snap operation.Snapshot) {
	c.mu.Lock()
	if gen != c.gen || (c.state.Phase != PhaseActive && c.state.Phase != PhaseCancelling) {
		c.mu.Unlock()
		return
	}
	if !c.progress.accept(snap) {
		c.mu.Unlock()
		return
	}
	if snap.IsTerminal() {
		c.finishLocked(gen, snap)
		return
	}

	c.state.Percent = c.progress.merge(snap)
	if c.state.Phase == PhaseActive {
		c.state.Status = snap.Status
	}
	c.state.Message = snap.Message
	c.state.DetailMessage = snap.DetailMessage
	c.state.Error = ""
	persist := c.state.Phase == PhaseActive && snap.Status != c.lastPersisted
	if persist {
		c.lastPersisted = snap.Status
	}
	st := c.stateLocked()
	c.mu.Unlock()

	if persist {
		c.persistStatus(gen, snap.Status)
	}
	c.emit(st)
}

// finishLocked must be called with c.mu held; it releases it.
func (c *Controller) finishLocked(gen uint64, snap operation.Snapshot) {
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true

	id := c.state.OperationID
	startedAt := c.state.StartedAt
	c.state.Phase = PhaseTerminal
	c.state.Status = snap.Status
	c.state.Percent = c.progress.merge(snap)
	c.state.Message = resultMessage(c.spec, snap, c.state.Metadata)
	c.state.DetailMessage = snap.DetailMessage
	c.state.Result = snap.Result
	c.state.Error = ""
	needClear := !c.cleared
	c.cleared = true
	st := c.stateLocked()
	c.mu.Unlock()

	c.channel.Detach(id)
	if needClear {
		c.clearRecord()
	}

	c.notifier.Publish(notify.Notification{
		Type:       c.spec.Kind.String(),
		DetailsKey: c.spec.detailsKey(id, st.Metadata),
		Status:     notifyStatus(snap.Status),
		Message:    st.Message,
		Details:    resultDetails(snap.Result),
	})
	c.recordHistory(st, snap, startedAt)

	var elapsed time.Duration
	if !startedAt.IsZero() {
		elapsed = c.now().Sub(startedAt)
	}
	metrics.RecordOperationFinished(c.spec.Kind.String(), string(snap.Status), elapsed)
	metrics.SetOperationActive(c.spec.Kind.String(), false)
	c.logger.WithFields(logrus.Fields{"operation_id": id, "status": snap.Status}).Info(st.Message)

	c.emit(st)
	c.scheduleCollapse(gen, c.lingerFor(snap.Status))
}

func (c *Controller) handleLost(gen uint64, id string) {
	c.abandon(gen, id, c.spec.Label+" is no longer active")
}

// abandon drops tracking of id without a terminal outcome.
func (c *Controller) abandon(gen uint64, id, note string) {
	c.channel.Detach(id)

	c.mu.Lock()
	if gen != c.gen || c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	needClear := !c.cleared
	c.cleared = true
	key := c.spec.detailsKey(id, c.state.Metadata)
	c.state = State{Kind: c.spec.Kind, Phase: PhaseIdle, Message: note}
	st := c.stateLocked()
	c.mu.Unlock()

	if needClear {
		c.clearRecord()
	}
	metrics.SetOperationActive(c.spec.Kind.String(), false)
	c.notifier.Publish(notify.Notification{
		Type:       c.spec.Kind.String(),
		DetailsKey: key,
		Status:     notify.StatusInfo,
		Message:    note,
	})
	c.emit(st)
}

func (c *Controller) handlePollFailures(gen uint64, id string, n int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.finished {
		c.mu.Unlock()
		return
	}
	c.state.Error = "status checks failing: " + err.Error()
	st := c.stateLocked()
	c.mu.Unlock()

	c.notifier.Publish(notify.Notification{
		Type:       c.spec.Kind.String(),
		DetailsKey: c.spec.detailsKey(id, st.Metadata),
		Status:     notify.StatusWarning,
		Message:    fmt.Sprintf("%s: lost contact with the backend after %d failed status checks", c.spec.Label, n),
	})
	c.emit(st)
}

func (c *Controller) toIdle(gen uint64) {
	c.mu.Lock()
	if gen == c.gen {
		c.state = State{Kind: c.spec.Kind, Phase: PhaseIdle}
	}
	st := c.stateLocked()
	c.mu.Unlock()
	c.emit(st)
}

func (c *Controller) scheduleCollapse(gen uint64, linger time.Duration) {
	if linger <= 0 {
		c.collapse(gen)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.state.Phase == PhaseTerminal {
		c.linger = time.AfterFunc(linger, func() { c.collapse(gen) })
	}
}

func (c *Controller) collapse(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state.Phase != PhaseTerminal {
		c.mu.Unlock()
		return
	}
	c.state.Phase = PhaseIdle
	c.state.Visible = false
	c.linger = nil
	st := c.stateLocked()
	c.mu.Unlock()
	c.emit(st)
}

func (c *Controller) lingerFor(status operation.Status) time.Duration {
	switch status {
	case operation.StatusCompleted:
		return c.lingerSuccess
	case operation.StatusFailed:
		return c.lingerFailure
	default:
		return 0
	}
}

func (c *Controller) stopLingerLocked() {
	if c.linger != nil {
		c.linger.Stop()
		c.linger = nil
	}
}

func (c *Controller) clearRecord() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	c.handle.Clear(ctx)
}

func (c *Controller) persistStatus(gen uint64, status operation.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	skip := gen != c.gen || c.cleared
	c.mu.Unlock()
	if skip {
		return
	}
	c.handle.Update(ctx, map[string]any{"status": string(status)})
}

func (c *Controller) recordHistory(st State, snap operation.Snapshot, startedAt time.Time) {
	if c.history == nil {
		return
	}

	finished := c.now()
	outcome := &models.OperationOutcome{
		OperationID: st.OperationID,
		Kind:        c.spec.Kind.String(),
		Status:      string(snap.Status),
		Message:     st.Message,
		Metadata:    st.Metadata,
		FinishedAt:  finished,
	}
	if r := snap.Result; r != nil {
		outcome.Error = r.Error
		outcome.BytesDeleted = r.BytesDeleted
		outcome.EntriesProcessed = r.EntriesProcessed
	}
	if !startedAt.IsZero() {
		started := startedAt
		duration := finished.Sub(startedAt).Milliseconds()
		outcome.StartedAt = &started
		outcome.DurationMs = &duration
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.history.SaveOutcome(ctx, outcome); err != nil {
		c.logger.WithError(err).WithField("operation_id", st.OperationID).Warn("Failed to record operation history")
	}
}

func (c *Controller) stateLocked() State {
	st := c.state
	st.Metadata = maps.Clone(c.state.Metadata)
	if c.state.Result != nil {
		r := *c.state.Result
		st.Result = &r
	}
	if err := c.handle.Err(); err != nil {
		st.StoreError = "backend storage error: " + err.Error()
	}
	return st
}

func (c *Controller) emit(st State) {
	c.mu.Lock()
	listeners := append(([]func(State))(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func notifyStatus(s operation.Status) notify.Status {
	switch s {
	case operation.StatusCompleted:
		return notify.StatusCompleted
	case operation.StatusCancelled:
		return notify.StatusCancelled
	default:
		return notify.StatusFailed
	}
}

func resultDetails(r *operation.Result) map[string]any {
	if r == nil {
		return nil
	}

	details := map[string]any{}
	if r.BytesDeleted > 0 {
		details["bytesDeleted"] = r.BytesDeleted
	}
	if r.FilesDeleted > 0 {
		details["filesDeleted"] = r.FilesDeleted
	}
	if r.EntriesProcessed > 0 {
		details["entriesProcessed"] = r.EntriesProcessed
	}
	if r.LinesRemoved > 0 {
		details["linesRemoved"] = r.LinesRemoved
	}
	if r.GamesDetected > 0 {
		details["gamesDetected"] = r.GamesDetected
	}
	if r.Service != "" {
		details["service"] = r.Service
	}
	if r.Error != "" {
		details["error"] = r.Error
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
