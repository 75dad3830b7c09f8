package signalr

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub keeps one shared connection to a hub and hands out event
// subscriptions on it. The connection is dialed on first use and redialed on
// the next Subscribe after it drops.
type Hub struct {
	url    string
	header http.Header
	logger logrus.FieldLogger

	mu     sync.Mutex
	client *Client
}

type Subscription struct {
	remove []func()
	done   <-chan struct{}
	once   sync.Once
}

func NewHub(url string, header http.Header, logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Hub{url: url, header: header, logger: logger}
}

// Subscribe registers fn for every event name. Each invocation hands fn the
// first argument, or "{}" when the server sent none.
func (h *Hub) Subscribe(ctx context.Context, events []string, fn func(event string, payload json.RawMessage)) (*Subscription, error) {
	client, err := h.connection(ctx)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{done: client.Done()}
	for _, event := range events {
		name := event
		sub.remove = append(sub.remove, client.On(name, func(args []json.RawMessage) {
			payload := json.RawMessage(`{}`)
			if len(args) > 0 {
				payload = args[0]
			}
			fn(name, payload)
		}))
	}

	return sub, nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	return err
}

func (h *Hub) connection(ctx context.Context) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		select {
		case <-h.client.Done():
			h.client = nil
		default:
			return h.client, nil
		}
	}

	client, err := Dial(ctx, h.url, h.header, h.logger)
	if err != nil {
		return nil, err
	}
	h.client = client

	return client, nil
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, remove := range s.remove {
			remove()
		}
	})
}

// Done is closed when the underlying connection drops.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
