// Package backend is the HTTP client for the LANCache Manager operation
// endpoints. Each operation kind exposes the same three routes under its own
// domain: start, status and cancel.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nadmax/lancachectl/internal/operation"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrUnknownKind       = errors.New("no routes for operation kind")
	ErrNoOperationID     = errors.New("backend returned no operation id")
)

// Routes are path templates relative to the backend base URL. "{id}" is
// replaced with the escaped operation id.
type Routes struct {
	Start  string
	Status string
	Cancel string
}

func DomainRoutes(domain string) Routes {
	return Routes{
		Start:  "/api/" + domain + "/start",
		Status: "/api/" + domain + "/status/{id}",
		Cancel: "/api/" + domain + "/cancel/{id}",
	}
}

func DefaultRoutes() map[operation.Kind]Routes {
	return map[operation.Kind]Routes{
		operation.KindCacheClearing:     DomainRoutes("cache/clear"),
		operation.KindLogProcessing:     DomainRoutes("logs/process"),
		operation.KindGameDetection:     DomainRoutes("games/detect"),
		operation.KindServiceRemoval:    DomainRoutes("logs/service-removal"),
		operation.KindCorruptionRemoval: DomainRoutes("cache/corruption-removal"),
		operation.KindDatabaseReset:     DomainRoutes("database/reset"),
		operation.KindDepotMapping:      DomainRoutes("depots/mapping"),
		operation.KindGameRemoval:       DomainRoutes("games/removal"),
		operation.KindCorruptionScan:    DomainRoutes("cache/corruption-detection"),
	}
}

// HTTPError is returned for non-2xx responses other than 404 on status and
// cancel.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
}

type Config struct {
	BaseURL    string
	AuthHeader string
	AuthValue  string
	Timeout    time.Duration
	Routes     map[operation.Kind]Routes
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	authHeader string
	authValue  string
	routes     map[operation.Kind]Routes
	http       *http.Client
}

type startResponse struct {
	OperationID string `json:"operationId"`
}

func NewClient(cfg Config) *Client {
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: cfg.AuthHeader,
		authValue:  cfg.AuthValue,
		routes:     cfg.Routes,
		http:       cfg.HTTPClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Start asks the backend to begin an operation of kind and returns the
// operation id it issued.
func (c *Client) Start(ctx context.Context, kind operation.Kind, metadata map[string]any) (string, error) {
	routes, err := c.routesFor(kind)
	if err != nil {
		return "", err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal start request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, routes.Start, "", body)
	if err != nil {
		return "", err
	}

	var resp startResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode start response: %w", err)
	}
	if resp.OperationID == "" {
		return "", ErrNoOperationID
	}

	return resp.OperationID, nil
}

// Status returns the raw status document for an operation. Normalization into
// a snapshot is left to the status channel.
func (c *Client) Status(ctx context.Context, kind operation.Kind, operationID string) (json.RawMessage, error) {
	routes, err := c.routesFor(kind)
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodGet, routes.Status, operationID, nil)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(data), nil
}

func (c *Client) Cancel(ctx context.Context, kind operation.Kind, operationID string) error {
	routes, err := c.routesFor(kind)
	if err != nil {
		return err
	}

	_, err = c.do(ctx, http.MethodPost, routes.Cancel, operationID, nil)
	return err
}

func (c *Client) routesFor(kind operation.Kind) (Routes, error) {
	routes, ok := c.routes[kind]
	if !ok {
		return Routes{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return routes, nil
}

func (c *Client) do(ctx context.Context, method, path, operationID string, body []byte) ([]byte, error) {
	if operationID != "" {
		path = strings.ReplaceAll(path, "{id}", url.PathEscape(operationID))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authHeader != "" && c.authValue != "" {
		req.Header.Set(c.authHeader, c.authValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound && operationID != "" {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	return data, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	return msg
}
