// Package handle implements the per-kind backend operation handle: the only
// writer of a kind's recovery record in the operation store.
//
// Store failures never escape a Handle. They are logged, counted, and exposed
// through Err so callers can show a storage warning while the operation itself
// carries on.
package handle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nadmax/lancachectl/internal/metrics"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/store"
	"github.com/sirupsen/logrus"
)

type Options struct {
	StorageKey string
	Kind       operation.Kind
	TTL        time.Duration
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

type Handle struct {
	store  store.Store
	key    string
	kind   operation.Kind
	ttl    time.Duration
	logger logrus.FieldLogger
	now    func() time.Time

	mu      sync.Mutex
	loading bool
	err     error
}

func New(s store.Store, opts Options) *Handle {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.StorageKey == "" {
		opts.StorageKey = "operation:" + string(opts.Kind)
	}

	return &Handle{
		store:  s,
		key:    opts.StorageKey,
		kind:   opts.Kind,
		ttl:    opts.TTL,
		logger: opts.Logger.WithField("kind", opts.Kind),
		now:    opts.Now,
	}
}

func (h *Handle) Kind() operation.Kind {
	return h.kind
}

func (h *Handle) StorageKey() string {
	return h.key
}

// Save writes a fresh record for operationID, replacing any previous record of
// this kind.
func (h *Handle) Save(ctx context.Context, operationID string, metadata map[string]any) {
	rec := operation.NewRecord(h.kind, operationID, maps.Clone(metadata), h.ttl, h.now())
	h.begin()
	err := h.write(ctx, rec, h.ttl)
	h.finish("save", err)
}

// Load returns the live record of this kind, or nil if there is none, it has
// outlived its TTL, or the store could not be read. It does not check with the
// backend that the operation still exists.
func (h *Handle) Load(ctx context.Context) *operation.Record {
	h.begin()
	rec, err := h.read(ctx)
	if err != nil {
		h.finish("load", err)
		return nil
	}
	h.finish("load", nil)

	if rec == nil {
		return nil
	}
	if rec.Kind != "" && rec.Kind != h.kind {
		h.logger.WithField("stored_kind", rec.Kind).Warn("Discarding operation record of a different kind")
		return nil
	}
	if rec.OperationID == "" || rec.Expired(h.now()) {
		h.logger.WithField("operation_id", rec.OperationID).Debug("Discarding stale operation record")
		if err := h.store.Delete(ctx, h.key); err != nil {
			h.logger.WithError(err).Warn("Failed to delete stale operation record")
		}
		return nil
	}

	return rec
}

// Update shallow-merges partial into the stored metadata. The operation id and
// the save time are kept, so the record still expires on its original
// schedule. Without a record Update does nothing.
func (h *Handle) Update(ctx context.Context, partial map[string]any) {
	h.begin()
	rec, err := h.read(ctx)
	if err != nil || rec == nil {
		h.finish("update", err)
		return
	}

	left := rec.Remaining(h.now())
	if left <= 0 {
		h.finish("update", nil)
		return
	}

	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(partial))
	}
	maps.Copy(rec.Metadata, partial)

	h.finish("update", h.write(ctx, rec, left))
}

// Clear deletes the record of this kind. Clearing a missing record succeeds.
func (h *Handle) Clear(ctx context.Context) {
	h.begin()
	h.finish("clear", h.store.Delete(ctx, h.key))
}

func (h *Handle) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Err reports the most recent store failure; a later successful call resets it.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) read(ctx context.Context) (*operation.Record, error) {
	data, err := h.store.Get(ctx, h.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := operation.RecordFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode operation record: %w", err)
	}

	return rec, nil
}

func (h *Handle) write(ctx context.Context, rec *operation.Record, ttl time.Duration) error {
	data, err := rec.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode operation record: %w", err)
	}

	return h.store.Put(ctx, h.key, data, ttl)
}

func (h *Handle) begin() {
	h.mu.Lock()
	h.loading = true
	h.mu.Unlock()
}

func (h *Handle) finish(op string, err error) {
	h.mu.Lock()
	h.loading = false
	h.err = err
	h.mu.Unlock()

	if err != nil {
		metrics.RecordStoreError(op)
		h.logger.WithError(err).WithField("op", op).Error("Operation store failure")
	}
}
