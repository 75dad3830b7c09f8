package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStateServer struct {
	mu      sync.Mutex
	values  map[string]json.RawMessage
	ttls    map[string]int
	headers []string
}

func newFakeStateServer() *fakeStateServer {
	return &fakeStateServer{
		values: make(map[string]json.RawMessage),
		ttls:   make(map[string]int),
	}
}

func (f *fakeStateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.headers = append(f.headers, r.Header.Get("Authorization"))
	key := strings.TrimPrefix(r.URL.Path, "/api/operation-state/")

	switch r.Method {
	case http.MethodGet:
		v, ok := f.values[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"value": v})
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		var req putStateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.values[key] = req.Value
		f.ttls[key] = req.TTLSeconds
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(f.values, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPStore_RoundTrip(t *testing.T) {
	fake := newFakeStateServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := NewHTTPStore(srv.URL+"/", srv.Client(), "Authorization", "Bearer secret")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "operation:log-processing", []byte(`{"operationId":"op-9"}`), 120*time.Second))

	data, err := s.Get(ctx, "operation:log-processing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"operationId":"op-9"}`, string(data))

	fake.mu.Lock()
	assert.Equal(t, 120, fake.ttls["operation:log-processing"])
	assert.Equal(t, "Bearer secret", fake.headers[0])
	fake.mu.Unlock()

	require.NoError(t, s.Delete(ctx, "operation:log-processing"))
	_, err = s.Get(ctx, "operation:log-processing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, nil, "", "")
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, "k", []byte(`1`), time.Second))
	_, err := s.Get(ctx, "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.Delete(ctx, "k"))
}

func TestHTTPStore_NullValueIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"value":null}`))
	}))
	defer srv.Close()

	_, err := NewHTTPStore(srv.URL, nil, "", "").Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStore_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPStore(url, nil, "", "").Put(context.Background(), "k", []byte(`1`), time.Second)
	assert.Error(t, err)
}
