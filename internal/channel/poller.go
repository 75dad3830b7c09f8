package channel

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/lancachectl/internal/backend"
	"github.com/nadmax/lancachectl/internal/metrics"
	"github.com/sirupsen/logrus"
)

type pollState struct {
	failures int
}

func (a *Adapter) startPoller(at *attachment) {
	a.mu.Lock()
	if at.detached || at.pollerCancel != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(at.ctx)
	at.pollerCancel = cancel
	a.activePollers++
	a.pollersStarted++
	metrics.UpdateActivePollers(a.activePollers)
	a.mu.Unlock()

	go a.poll(ctx, at)
}

func (a *Adapter) poll(ctx context.Context, at *attachment) {
	log := a.logger.WithFields(logrus.Fields{"operation_id": at.OperationID, "kind": at.Kind})
	log.WithField("interval", at.Interval).Debug("Poller started")

	ticker := time.NewTicker(at.Interval)
	defer ticker.Stop()

	state := &pollState{}
	a.pollOnce(ctx, at, state)

	for {
		select {
		case <-ctx.Done():
			log.Debug("Poller stopped")
			return
		case <-ticker.C:
			a.pollOnce(ctx, at, state)
		}
	}
}

// pollOnce fetches and delivers one status document. state is nil for the
// single catch-up fetch made after a push subscription.
func (a *Adapter) pollOnce(ctx context.Context, at *attachment, state *pollState) {
	raw, err := at.Fetch(ctx, at.OperationID)
	if ctx.Err() != nil {
		return
	}

	log := a.logger.WithFields(logrus.Fields{"operation_id": at.OperationID, "kind": at.Kind})

	if errors.Is(err, backend.ErrOperationNotFound) {
		log.Info("Backend no longer knows the operation")
		a.remove(at)
		if at.OnLost != nil {
			at.OnLost()
		}
		return
	}

	if err == nil {
		snap, env, decodeErr := NormalizeStatus(at.Kind, raw)
		if decodeErr == nil {
			if state != nil {
				state.failures = 0
			}
			a.deliver(at, snap, env)
			return
		}
		err = decodeErr
	}

	metrics.RecordPollFailure(at.Kind.String())
	if state == nil {
		log.WithError(err).Debug("Catch-up status fetch failed")
		return
	}

	state.failures++
	log.WithError(err).WithField("consecutive", state.failures).Warn("Status poll failed")
	if state.failures == a.maxPollFailures && at.OnPollFailures != nil {
		at.OnPollFailures(state.failures, err)
	}
}
