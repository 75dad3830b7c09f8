package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/lancachectl/internal/lifecycle"
	"github.com/nadmax/lancachectl/internal/logging"
	"github.com/nadmax/lancachectl/internal/notify"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/nadmax/lancachectl/internal/repository"
	"github.com/nadmax/lancachectl/internal/repository/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startCall struct {
	kind     operation.Kind
	metadata map[string]any
}

type mockTracker struct {
	states      map[operation.Kind]lifecycle.State
	startErr    error
	cancelErr   error
	startCalls  []startCall
	cancelCalls []operation.Kind
}

func newMockTracker() *mockTracker {
	states := make(map[operation.Kind]lifecycle.State)
	for _, k := range operation.AllKinds() {
		states[k] = lifecycle.State{Kind: k, Phase: lifecycle.PhaseIdle}
	}
	return &mockTracker{states: states}
}

func (m *mockTracker) States() []lifecycle.State {
	out := make([]lifecycle.State, 0, len(m.states))
	for _, k := range operation.AllKinds() {
		out = append(out, m.states[k])
	}
	return out
}

func (m *mockTracker) State(kind operation.Kind) (lifecycle.State, error) {
	return m.states[kind], nil
}

func (m *mockTracker) Start(_ context.Context, kind operation.Kind, metadata map[string]any) error {
	m.startCalls = append(m.startCalls, startCall{kind: kind, metadata: metadata})
	if m.startErr != nil {
		return m.startErr
	}
	m.states[kind] = lifecycle.State{Kind: kind, Phase: lifecycle.PhaseActive, OperationID: "op-1", Status: operation.StatusPreparing, Visible: true}
	return nil
}

func (m *mockTracker) Cancel(_ context.Context, kind operation.Kind) error {
	m.cancelCalls = append(m.cancelCalls, kind)
	if m.cancelErr != nil {
		return m.cancelErr
	}
	st := m.states[kind]
	st.Phase = lifecycle.PhaseCancelling
	st.Status = operation.StatusCancelling
	m.states[kind] = st
	return nil
}

func setupTestAPI(t *testing.T) (*API, *mockTracker, *notify.Aggregator, *repository.MockHistoryRepository) {
	t.Helper()
	tracker := newMockTracker()
	agg := notify.NewAggregator()
	history := repository.NewMockHistoryRepository()
	return NewAPI(tracker, agg, history, logging.Discard()), tracker, agg, history
}

func serve(api *API, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	return w
}

func TestListOperations(t *testing.T) {
	api, _, _, _ := setupTestAPI(t)

	w := serve(api, http.MethodGet, "/api/operations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var states []lifecycle.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	assert.Len(t, states, len(operation.AllKinds()))
	assert.Equal(t, operation.KindCacheClearing, states[0].Kind)
}

func TestGetOperation(t *testing.T) {
	api, tracker, _, _ := setupTestAPI(t)
	tracker.states[operation.KindGameDetection] = lifecycle.State{
		Kind:        operation.KindGameDetection,
		Phase:       lifecycle.PhaseActive,
		OperationID: "scan-9",
		Percent:     55,
	}

	w := serve(api, http.MethodGet, "/api/operations/game-detection", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st lifecycle.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "scan-9", st.OperationID)
	assert.Equal(t, 55.0, st.Percent)
}

func TestGetOperation_UnknownKind(t *testing.T) {
	api, _, _, _ := setupTestAPI(t)

	w := serve(api, http.MethodGet, "/api/operations/defrag", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown operation kind")
}

func TestStartOperation(t *testing.T) {
	api, tracker, _, _ := setupTestAPI(t)

	body, _ := json.Marshal(StartRequest{Metadata: map[string]any{"service": "steam"}})
	w := serve(api, http.MethodPost, "/api/operations/service-removal/start", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, tracker.startCalls, 1)
	assert.Equal(t, operation.KindServiceRemoval, tracker.startCalls[0].kind)
	assert.Equal(t, "steam", tracker.startCalls[0].metadata["service"])

	var st lifecycle.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, lifecycle.PhaseActive, st.Phase)
	assert.Equal(t, "op-1", st.OperationID)
}

func TestStartOperation_EmptyBody(t *testing.T) {
	api, tracker, _, _ := setupTestAPI(t)

	w := serve(api, http.MethodPost, "/api/operations/cache-clearing/start", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, tracker.startCalls, 1)
	assert.Nil(t, tracker.startCalls[0].metadata)
}

func TestStartOperation_InvalidJSON(t *testing.T) {
	api, tracker, _, _ := setupTestAPI(t)

	w := serve(api, http.MethodPost, "/api/operations/cache-clearing/start", []byte("{nope"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, tracker.startCalls)
}

func TestStartOperation_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "already active", err: lifecycle.ErrOperationActive, expected: http.StatusConflict},
		{name: "closed", err: lifecycle.ErrClosed, expected: http.StatusServiceUnavailable},
		{name: "backend failure", err: errors.New("backend unreachable"), expected: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, tracker, _, _ := setupTestAPI(t)
			tracker.startErr = tt.err

			w := serve(api, http.MethodPost, "/api/operations/log-processing/start", nil)

			assert.Equal(t, tt.expected, w.Code)
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestStartOperation_MethodNotAllowed(t *testing.T) {
	api, _, _, _ := setupTestAPI(t)

	w := serve(api, http.MethodGet, "/api/operations/cache-clearing/start", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCancelOperation(t *testing.T) {
	api, tracker, _, _ := setupTestAPI(t)
	tracker.states[operation.KindDatabaseReset] = lifecycle.State{Kind: operation.KindDatabaseReset, Phase: lifecycle.PhaseActive, OperationID: "op-5"}

	w := serve(api, http.MethodPost, "/api/operations/database-reset/cancel", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []operation.Kind{operation.KindDatabaseReset}, tracker.cancelCalls)

	var st lifecycle.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, lifecycle.PhaseCancelling, st.Phase)
}

func TestCancelOperation_NotActive(t *testing.T) {
	api, tracker, _, _ := setupTestAPI(t)
	tracker.cancelErr = lifecycle.ErrNotActive

	w := serve(api, http.MethodPost, "/api/operations/depot-mapping/cancel", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestNotifications(t *testing.T) {
	api, _, agg, _ := setupTestAPI(t)
	id := agg.Publish(notify.Notification{Type: "cache-clearing", DetailsKey: "op-1", Status: notify.StatusRunning, Message: "Cache clear started"})
	agg.ReportSuccess("Settings saved")

	w := serve(api, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list []notify.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID)

	w = serve(api, http.MethodDelete, "/api/notifications/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, agg.List(), 1)

	w = serve(api, http.MethodDelete, "/api/notifications/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardRoutes(t *testing.T) {
	api, _, _, history := setupTestAPI(t)
	history.Stats = []models.OutcomeStats{{Kind: "cache-clearing", Status: "Completed", Count: 2}}

	w := serve(api, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed_last_24h":2`)

	w = serve(api, http.MethodGet, "/api/dashboard/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	api, _, _, _ := setupTestAPI(t)

	w := serve(api, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
