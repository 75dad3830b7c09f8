// Package api serves the local console HTTP surface: operation control,
// notifications, dashboard endpoints and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nadmax/lancachectl/internal/dashboard"
	"github.com/nadmax/lancachectl/internal/httputil"
	"github.com/nadmax/lancachectl/internal/lifecycle"
	"github.com/nadmax/lancachectl/internal/notify"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type Tracker interface {
	States() []lifecycle.State
	State(kind operation.Kind) (lifecycle.State, error)
	Start(ctx context.Context, kind operation.Kind, metadata map[string]any) error
	Cancel(ctx context.Context, kind operation.Kind) error
}

type Notifications interface {
	List() []notify.Notification
	Dismiss(id string) bool
}

type API struct {
	tracker       Tracker
	notifications Notifications
	logger        logrus.FieldLogger
	mux           *http.ServeMux
}

// StartRequest is the optional body of a start call; Metadata is forwarded
// to the backend unchanged.
type StartRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func NewAPI(tracker Tracker, notifications Notifications, history repository.HistoryRepository, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	api := &API{
		tracker:       tracker,
		notifications: notifications,
		logger:        logger,
		mux:           http.NewServeMux(),
	}

	api.setupRoutes(history)
	return api
}

func (a *API) setupRoutes(history repository.HistoryRepository) {
	a.mux.HandleFunc("GET /api/operations", a.listOperations)
	a.mux.HandleFunc("GET /api/operations/{kind}", a.getOperation)
	a.mux.HandleFunc("POST /api/operations/{kind}/start", a.startOperation)
	a.mux.HandleFunc("POST /api/operations/{kind}/cancel", a.cancelOperation)

	a.mux.HandleFunc("GET /api/notifications", a.listNotifications)
	a.mux.HandleFunc("DELETE /api/notifications/{id}", a.dismissNotification)

	dash := dashboard.NewDashboard(a.tracker, history)
	a.mux.HandleFunc("GET /api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("GET /api/dashboard/history", dash.GetHistory)

	a.mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) listOperations(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.tracker.States())
}

func (a *API) getOperation(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.kindFromPath(w, r)
	if !ok {
		return
	}

	st, err := a.tracker.State(kind)
	if err != nil {
		a.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (a *API) startOperation(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.kindFromPath(w, r)
	if !ok {
		return
	}

	var req StartRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	// The record write after the backend accepts must survive a client disconnect.
	ctx := context.WithoutCancel(r.Context())
	if err := a.tracker.Start(ctx, kind, req.Metadata); err != nil {
		a.writeError(w, err)
		return
	}

	st, err := a.tracker.State(kind)
	if err != nil {
		a.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, st)
}

func (a *API) cancelOperation(w http.ResponseWriter, r *http.Request) {
	kind, ok := a.kindFromPath(w, r)
	if !ok {
		return
	}

	if err := a.tracker.Cancel(context.WithoutCancel(r.Context()), kind); err != nil {
		a.writeError(w, err)
		return
	}

	st, err := a.tracker.State(kind)
	if err != nil {
		a.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, st)
}

func (a *API) listNotifications(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.notifications.List())
}

func (a *API) dismissNotification(w http.ResponseWriter, r *http.Request) {
	if !a.notifications.Dismiss(r.PathValue("id")) {
		httputil.WriteJSONError(w, "Notification not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) kindFromPath(w http.ResponseWriter, r *http.Request) (operation.Kind, bool) {
	kind, err := operation.ParseKind(r.PathValue("kind"))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return kind, true
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrOperationActive), errors.Is(err, lifecycle.ErrNotActive):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrClosed):
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		a.logger.WithError(err).Warn("Operation request failed")
		httputil.WriteJSONError(w, err.Error(), http.StatusBadGateway)
	}
}
