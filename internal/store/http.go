package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore persists records through the backend's generic key-value endpoint
// (GET|PUT|DELETE {baseURL}/api/operation-state/{key}). Expiry is enforced by
// the backend.
type HTTPStore struct {
	baseURL    string
	client     *http.Client
	authHeader string
	authValue  string
}

type putStateRequest struct {
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttlSeconds"`
}

type getStateResponse struct {
	Value json.RawMessage `json:"value"`
}

func NewHTTPStore(baseURL string, client *http.Client, authHeader, authValue string) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     client,
		authHeader: authHeader,
		authValue:  authValue,
	}
}

func (s *HTTPStore) endpoint(key string) string {
	return s.baseURL + "/api/operation-state/" + url.PathEscape(key)
}

func (s *HTTPStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}

	body, err := json.Marshal(putStateRequest{
		Value:      json.RawMessage(value),
		TTLSeconds: int((ttl + time.Second - 1) / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPut, key, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to save state %s: HTTP %d", key, resp.StatusCode)
	}

	return nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("failed to load state %s: HTTP %d", key, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read state response: %w", err)
	}

	var out getStateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode state response: %w", err)
	}
	if len(out.Value) == 0 || string(out.Value) == "null" {
		return nil, ErrNotFound
	}

	return out.Value, nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete state %s: HTTP %d", key, resp.StatusCode)
	}

	return nil
}

func (s *HTTPStore) Close() error {
	return nil
}

func (s *HTTPStore) do(ctx context.Context, method, key string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(key), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build state request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.authHeader != "" && s.authValue != "" {
		req.Header.Set(s.authHeader, s.authValue)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("state request failed: %w", err)
	}

	return resp, nil
}
