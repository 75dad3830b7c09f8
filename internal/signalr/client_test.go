package signalr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nadmax/lancachectl/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHub struct {
	t          *testing.T
	rejectWith string
	// greeting is sent in the same websocket message as the handshake response.
	greeting []message
	// mute reads the handshake request and never answers it.
	mute     bool
	connects atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.connects.Add(1)

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	frames := splitFrames(data)
	var req handshakeRequest
	if len(frames) == 0 || json.Unmarshal(frames[0], &req) != nil || req.Protocol != "json" {
		_ = conn.Close()
		return
	}

	if h.mute {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	resp, _ := encodeFrame(handshakeResponse{Error: h.rejectWith})
	for _, m := range h.greeting {
		frame, _ := encodeFrame(m)
		resp = append(resp, frame...)
	}
	_ = conn.WriteMessage(websocket.TextMessage, resp)

	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *testHub) latest() *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

func (h *testHub) send(t *testing.T, msgs ...message) {
	t.Helper()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn = h.latest()
		return conn != nil
	}, time.Second, 5*time.Millisecond)

	var data []byte
	for _, m := range msgs {
		frame, err := encodeFrame(m)
		require.NoError(t, err)
		data = append(data, frame...)
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func setupTestHub(t *testing.T) (*testHub, string) {
	return setupTestHubRejecting(t, "")
}

func setupTestHubRejecting(t *testing.T, reject string) (*testHub, string) {
	return serveTestHub(t, &testHub{t: t, rejectWith: reject})
}

func serveTestHub(t *testing.T, hub *testHub) (*testHub, string) {
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	return hub, srv.URL + "/hubs/downloads"
}

func withConnectTimeout(t *testing.T, d time.Duration) {
	prev := connectTimeout
	connectTimeout = d
	t.Cleanup(func() { connectTimeout = prev })
}

func TestToWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://host/hub", toWebSocketURL("http://host/hub"))
	assert.Equal(t, "wss://host/hub", toWebSocketURL("https://host/hub"))
	assert.Equal(t, "ws://host/hub", toWebSocketURL("ws://host/hub"))
}

func TestSplitFrames(t *testing.T) {
	frames := splitFrames([]byte("{\"type\":6}\x1e{\"type\":1}\x1e"))
	assert.Len(t, frames, 2)
	assert.Empty(t, splitFrames([]byte("\x1e")))
}

func TestDial_DispatchesInvocations(t *testing.T) {
	hub, url := setupTestHub(t)

	c, err := Dial(context.Background(), url, nil, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	got := make(chan string, 2)
	c.On("ProcessingProgress", func(args []json.RawMessage) {
		got <- string(args[0])
	})

	hub.send(t,
		message{Type: messagePing},
		message{Type: messageInvocation, Target: "processingprogress", Arguments: []json.RawMessage{json.RawMessage(`{"percentComplete":12}`)}},
		message{Type: messageInvocation, Target: "SomethingElse", Arguments: []json.RawMessage{json.RawMessage(`{}`)}},
	)

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"percentComplete":12}`, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation not dispatched")
	}
	assert.Empty(t, got)
}

func TestOn_Remove(t *testing.T) {
	hub, url := setupTestHub(t)

	c, err := Dial(context.Background(), url, nil, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var calls atomic.Int32
	remove := c.On("LogRemovalComplete", func([]json.RawMessage) { calls.Add(1) })
	remove()

	marker := make(chan struct{})
	c.On("Marker", func([]json.RawMessage) { close(marker) })

	hub.send(t,
		message{Type: messageInvocation, Target: "LogRemovalComplete"},
		message{Type: messageInvocation, Target: "Marker"},
	)

	select {
	case <-marker:
	case <-time.After(2 * time.Second):
		t.Fatal("marker not dispatched")
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestCloseFrameEndsConnection(t *testing.T) {
	hub, url := setupTestHub(t)

	c, err := Dial(context.Background(), url, nil, logging.Discard())
	require.NoError(t, err)

	hub.send(t, message{Type: messageClose, Error: "server shutting down"})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.ErrorContains(t, c.Err(), "server shutting down")
}

func TestDial_HandshakeRejected(t *testing.T) {
	_, url := setupTestHubRejecting(t, "protocol not supported")

	_, err := Dial(context.Background(), url, nil, logging.Discard())
	assert.ErrorContains(t, err, "protocol not supported")
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Dial(context.Background(), url, nil, logging.Discard())
	assert.Error(t, err)
}

func TestHub_SubscribeAndRedial(t *testing.T) {
	hub, url := setupTestHub(t)
	h := NewHub(url, nil, logging.Discard())
	defer func() { _ = h.Close() }()

	events := make(chan string, 4)
	sub, err := h.Subscribe(context.Background(), []string{"GameDetectionStatus"}, func(event string, payload json.RawMessage) {
		events <- event + " " + string(payload)
	})
	require.NoError(t, err)

	hub.send(t, message{Type: messageInvocation, Target: "GameDetectionStatus"})
	select {
	case e := <-events:
		assert.Equal(t, "GameDetectionStatus {}", e)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	_ = hub.latest().Close()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not notified of disconnect")
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, err = h.Subscribe(context.Background(), []string{"GameDetectionStatus"}, func(string, json.RawMessage) {})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hub.connects.Load())
}

func TestDial_HandshakeTimesOut(t *testing.T) {
	withConnectTimeout(t, 100*time.Millisecond)
	_, url := serveTestHub(t, &testHub{t: t, mute: true})

	start := time.Now()
	_, err := Dial(context.Background(), url, nil, logging.Discard())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_UpgradeTimesOut(t *testing.T) {
	withConnectTimeout(t, 100*time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	start := time.Now()
	_, err := Dial(context.Background(), srv.URL, nil, logging.Discard())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHub_StalledDialDoesNotBlockForLong(t *testing.T) {
	withConnectTimeout(t, 100*time.Millisecond)
	_, url := serveTestHub(t, &testHub{t: t, mute: true})
	h := NewHub(url, nil, logging.Discard())
	defer func() { _ = h.Close() }()

	var wg sync.WaitGroup
	start := time.Now()
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Subscribe(context.Background(), []string{"GameDetectionStatus"}, func(string, json.RawMessage) {})
			assert.Error(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_KeepsInvocationsSentWithHandshake(t *testing.T) {
	_, url := serveTestHub(t, &testHub{t: t, greeting: []message{
		{Type: messageInvocation, Target: "ProcessingProgress", Arguments: []json.RawMessage{json.RawMessage(`{"percentComplete":12}`)}},
		{Type: messagePing},
		{Type: messageInvocation, Target: "DepotMappingStarted"},
	}})

	c, err := Dial(context.Background(), url, nil, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var got []string
	c.On("processingprogress", func(args []json.RawMessage) {
		require.Len(t, args, 1)
		got = append(got, string(args[0]))
	})
	assert.Equal(t, []string{`{"percentComplete":12}`}, got, "replayed before On returns")

	again := 0
	c.On("ProcessingProgress", func([]json.RawMessage) { again++ })
	assert.Zero(t, again, "replayed only once")

	depot := 0
	c.On("DepotMappingStarted", func([]json.RawMessage) { depot++ })
	assert.Equal(t, 1, depot)
}

func TestDial_CloseSentWithHandshake(t *testing.T) {
	_, url := serveTestHub(t, &testHub{t: t, greeting: []message{{Type: messageClose, Error: "server shutting down"}}})

	_, err := Dial(context.Background(), url, nil, logging.Discard())
	assert.ErrorContains(t, err, "server shutting down")
}
