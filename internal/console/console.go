// Package console wires the operation store, backend client, status channel,
// notification aggregator, history and one lifecycle controller per kind into
// a single runnable unit shared by the server and the CLI.
package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/nadmax/lancachectl/internal/backend"
	"github.com/nadmax/lancachectl/internal/channel"
	"github.com/nadmax/lancachectl/internal/config"
	"github.com/nadmax/lancachectl/internal/handle"
	"github.com/nadmax/lancachectl/internal/lifecycle"
	"github.com/nadmax/lancachectl/internal/notify"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/repository"
	"github.com/nadmax/lancachectl/internal/signalr"
	"github.com/nadmax/lancachectl/internal/store"
	"github.com/sirupsen/logrus"
)

const defaultBackendTimeout = 15 * time.Second

var ErrUnknownKind = errors.New("unknown operation kind")

type Console struct {
	logger        logrus.FieldLogger
	store         store.Store
	backend       *backend.Client
	hub           *signalr.Hub
	adapter       *channel.Adapter
	notifications *notify.Aggregator
	email         *notify.EmailSink
	history       repository.HistoryRepository
	controllers   map[operation.Kind]*lifecycle.Controller
	order         []operation.Kind
}

// New builds a console from cfg. It opens the configured store, migrates a
// legacy local store when one is configured, and prepares the history
// schema. Nothing is tracked until RecoverAll or Start is called.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Console, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Console{
		logger:      logger,
		controllers: make(map[operation.Kind]*lifecycle.Controller),
	}

	timeout := cfg.Backend.Timeout
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	c.backend = backend.NewClient(backend.Config{
		BaseURL:    cfg.Backend.URL,
		AuthHeader: cfg.Backend.AuthHeader,
		AuthValue:  cfg.AuthValue(),
		HTTPClient: httpClient,
	})

	st, err := openStore(ctx, cfg, httpClient)
	if err != nil {
		return nil, err
	}
	c.store = st
	c.notifications = notify.NewAggregator()

	if cfg.Store.LegacyBoltPath != "" && cfg.Store.Driver != "bolt" {
		n, err := c.Migrate(ctx, cfg.Store.LegacyBoltPath)
		if err != nil {
			logger.WithError(err).Warn("Failed to migrate legacy operation records")
		} else if n > 0 {
			logger.WithField("records", n).Info("Migrated legacy operation records")
		}
	}

	var subscriber channel.Subscriber
	if !cfg.Backend.DisablePush {
		header := http.Header{}
		if v := cfg.AuthValue(); v != "" {
			header.Set(cfg.Backend.AuthHeader, v)
		}
		hubURL := strings.TrimRight(cfg.Backend.URL, "/") + cfg.Backend.HubPath
		c.hub = signalr.NewHub(hubURL, header, logger)
		subscriber = channel.HubSubscriber(c.hub)
	}
	c.adapter = channel.NewAdapter(channel.Options{
		Subscriber:      subscriber,
		Logger:          logger,
		MaxPollFailures: cfg.Tracking.MaxPollFailures,
	})

	if cfg.Notify.SendGridAPIKey != "" && cfg.Notify.To != "" {
		c.email = notify.NewEmailSink(notify.EmailConfig{
			APIKey:      cfg.Notify.SendGridAPIKey,
			FromName:    cfg.Notify.FromName,
			FromAddress: cfg.Notify.FromAddress,
			To:          cfg.Notify.To,
		}, logger)
		c.notifications.AddSink(c.email)
	}

	if cfg.History.PostgresDSN != "" {
		repo, err := repository.NewPostgresHistoryRepository(cfg.History.PostgresDSN, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			c.Close()
			return nil, err
		}
		c.history = repo
	}

	for _, spec := range lifecycle.Kinds() {
		h := handle.New(c.store, handle.Options{
			StorageKey: spec.StorageKey(),
			Kind:       spec.Kind,
			TTL:        spec.TTL,
			Logger:     logger,
		})
		opts := lifecycle.Options{
			Spec:          spec,
			Handle:        h,
			Backend:       c.backend,
			Channel:       c.adapter,
			Notifier:      c.notifications,
			Logger:        logger,
			LingerSuccess: cfg.Tracking.LingerSuccess,
			LingerFailure: cfg.Tracking.LingerFailure,
		}
		if c.history != nil {
			opts.History = c.history
		}
		ctrl, err := lifecycle.New(opts)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to build %s controller: %w", spec.Kind, err)
		}
		c.controllers[spec.Kind] = ctrl
		c.order = append(c.order, spec.Kind)
	}

	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config, client *http.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return store.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.KeyPrefix)
	case "http":
		return store.NewHTTPStore(cfg.Backend.URL, client, cfg.Backend.AuthHeader, cfg.AuthValue()), nil
	case "bolt":
		return store.OpenBoltStore(cfg.Store.BoltPath)
	default:
		return nil, fmt.Errorf("invalid store driver %q", cfg.Store.Driver)
	}
}

// RecoverAll resumes every kind with a persisted record. Kinds that fail to
// recover are reported together and raise a notification each; the others
// still resume.
func (c *Console) RecoverAll(ctx context.Context) error {
	var errs []error
	for _, kind := range c.order {
		ctrl := c.controllers[kind]
		if err := ctrl.Recover(ctx); err != nil {
			errs = append(errs, err)
			c.notifications.ReportError("Failed to recover "+strings.ToLower(ctrl.Spec().Label), err)
		}
	}
	return errors.Join(errs...)
}

func (c *Console) Controller(kind operation.Kind) (*lifecycle.Controller, error) {
	ctrl, ok := c.controllers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return ctrl, nil
}

func (c *Console) Start(ctx context.Context, kind operation.Kind, metadata map[string]any) error {
	ctrl, err := c.Controller(kind)
	if err != nil {
		return err
	}
	return ctrl.Start(ctx, metadata)
}

func (c *Console) Cancel(ctx context.Context, kind operation.Kind) error {
	ctrl, err := c.Controller(kind)
	if err != nil {
		return err
	}
	return ctrl.Cancel(ctx)
}

func (c *Console) State(kind operation.Kind) (lifecycle.State, error) {
	ctrl, err := c.Controller(kind)
	if err != nil {
		return lifecycle.State{}, err
	}
	return ctrl.State(), nil
}

// States returns one state per kind in catalogue order.
func (c *Console) States() []lifecycle.State {
	out := make([]lifecycle.State, 0, len(c.order))
	for _, kind := range c.order {
		out = append(out, c.controllers[kind].State())
	}
	return out
}

func (c *Console) Notifications() *notify.Aggregator {
	return c.notifications
}

// History returns the history repository, or nil when none is configured.
func (c *Console) History() repository.HistoryRepository {
	return c.history
}

func (c *Console) ActivePollers() int {
	return c.adapter.ActivePollers()
}

// Migrate imports the records of a legacy bbolt store into the active store
// and reports the outcome as a notification.
func (c *Console) Migrate(ctx context.Context, legacyPath string) (int, error) {
	n, err := c.migrate(ctx, legacyPath)
	switch {
	case err != nil:
		c.notifications.ReportError("Failed to migrate legacy operation records", err)
	case n > 0:
		c.notifications.ReportSuccess("Migrated " + english.Plural(n, "legacy operation record", "legacy operation records"))
	}
	return n, err
}

func (c *Console) migrate(ctx context.Context, legacyPath string) (int, error) {
	legacy, err := store.OpenBoltStore(legacyPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := legacy.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close legacy store")
		}
	}()

	n, err := store.Migrate(ctx, legacy, c.store)
	if err != nil {
		return n, fmt.Errorf("failed to migrate %s: %w", legacyPath, err)
	}
	return n, nil
}

// Close stops tracking and releases every connection. Persisted records are
// left in place for the next RecoverAll.
func (c *Console) Close() {
	for _, kind := range c.order {
		c.controllers[kind].Close()
	}
	if c.adapter != nil {
		c.adapter.Close()
	}
	if c.hub != nil {
		if err := c.hub.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close hub connection")
		}
	}
	if c.email != nil {
		c.email.Flush()
	}
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close history repository")
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close operation store")
		}
	}
}
