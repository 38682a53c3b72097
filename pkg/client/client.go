// Package client talks to a lima-bridge server over HTTP and WebSocket.
package client

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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labring/lima-bridge/pkg/common"
	apperrors "github.com/labring/lima-bridge/pkg/errors"
	"github.com/labring/lima-bridge/pkg/handlers/instance"
	"github.com/labring/lima-bridge/pkg/oplog"
)

const defaultUnaryTimeout = 10 * time.Second

// RequestError is a failed request. Status is set when the server answered
// with the JSON envelope; StatusCode is the HTTP status otherwise.
type RequestError struct {
	StatusCode int
	Status     common.Status
	Message    string
}

func (e *RequestError) Error() string {
	if e.Status != common.StatusSuccess {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// IsStatus reports whether err is a RequestError carrying status.
func IsStatus(err error, status common.Status) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Status == status
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithUnaryTimeout bounds every non-streaming request.
func WithUnaryTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.unaryTimeout = timeout
	}
}

// Client is safe for concurrent use.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	dialer       *websocket.Dialer
	unaryTimeout time.Duration

	mutex    sync.Mutex
	attached map[string]*ptyChannel
}

// New creates a client for the server at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		http:         &http.Client{},
		dialer:       websocket.DefaultDialer,
		unaryTimeout: defaultUnaryTimeout,
		attached:     make(map[string]*ptyChannel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TriggerOperation starts kind on the named instance.
func (c *Client) TriggerOperation(ctx context.Context, kind oplog.Kind, name string) (instance.TriggerResponse, error) {
	var out instance.TriggerResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/instances/"+url.PathEscape(name)+"/"+string(kind), nil, &out)
	return out, err
}

// Operation returns the server-side aggregated state of one operation.
func (c *Client) Operation(ctx context.Context, key oplog.Key) (instance.OperationResponse, error) {
	var out instance.OperationResponse
	err := c.call(ctx, http.MethodGet, operationPath(key), nil, &out)
	return out, err
}

// ResetOperation clears the server-side state of one operation.
func (c *Client) ResetOperation(ctx context.Context, key oplog.Key) (instance.OperationResponse, error) {
	var out instance.OperationResponse
	err := c.call(ctx, http.MethodPost, operationPath(key)+"/reset", nil, &out)
	return out, err
}

// ListOperations lists running and tracked operations.
func (c *Client) ListOperations(ctx context.Context) (instance.OperationsResponse, error) {
	var out instance.OperationsResponse
	err := c.call(ctx, http.MethodGet, "/api/v1/operations", nil, &out)
	return out, err
}

// ListInstances returns the server's cached instance list.
func (c *Client) ListInstances(ctx context.Context) (instance.InstancesResponse, error) {
	var out instance.InstancesResponse
	err := c.call(ctx, http.MethodGet, "/api/v1/instances", nil, &out)
	return out, err
}

func operationPath(key oplog.Key) string {
	return "/api/v1/operations/" + string(key.Kind) + "/" + url.PathEscape(key.Resource)
}

// call performs a unary request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.unaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apperrors.APIError
		if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
			return &RequestError{StatusCode: resp.StatusCode, Message: apiErr.Message}
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	envelope := common.Response[json.RawMessage]{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.IsSuccess() {
		return &RequestError{StatusCode: resp.StatusCode, Status: envelope.Status, Message: envelope.Message}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// wsURL converts the base URL to a WebSocket URL for path.
func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	target, err := c.wsURL(path)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var apiErr apperrors.APIError
			if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
				return nil, &RequestError{StatusCode: resp.StatusCode, Message: apiErr.Message}
			}
			return nil, &RequestError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return conn, nil
}
