package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/task"
	"github.com/gorilla/websocket"
	"trpc.group/trpc-go/trpc-a2a-go/server"
)

// Client talks to one worker. It holds no state between calls apart from
// the connection of an open stream.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records call outcomes under the worker name.
func WithMetrics(m *metrics.Metrics, name string) ClientOption {
	return func(c *Client) {
		c.metrics = m
		c.name = name
	}
}

// NewClient creates a client for the worker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    baseURL,
		http:    &http.Client{},
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the worker address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Descriptor fetches the worker's agent card.
func (c *Client) Descriptor(ctx context.Context) (*server.AgentCard, error) {
	card := &server.AgentCard{}
	if err := c.do(ctx, http.MethodGet, PathAgentCard, nil, card); err != nil {
		return nil, err
	}
	if card.Name == "" {
		return nil, c.record(fmt.Errorf("%w: agent card has no name", ErrProtocolViolation))
	}
	return card, nil
}

// Submit sends req and blocks until the worker returns the task snapshot.
func (c *Client) Submit(ctx context.Context, req TaskRequest) (*task.Task, error) {
	t := &task.Task{}
	if err := c.do(ctx, http.MethodPost, PathSend, req, t); err != nil {
		return nil, err
	}
	return c.validated(t)
}

// Get fetches a task snapshot; historyLength > 0 trims the history.
func (c *Client) Get(ctx context.Context, taskID string, historyLength int) (*task.Task, error) {
	path := "/tasks/" + url.PathEscape(taskID)
	if historyLength > 0 {
		path += "?history_length=" + strconv.Itoa(historyLength)
	}
	t := &task.Task{}
	if err := c.do(ctx, http.MethodGet, path, nil, t); err != nil {
		return nil, err
	}
	return c.validated(t)
}

// Cancel asks the worker to cancel a task and returns its snapshot.
func (c *Client) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t := &task.Task{}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, t); err != nil {
		return nil, err
	}
	return c.validated(t)
}

// Stream submits req over a websocket and returns the stream of updates.
func (c *Client) Stream(ctx context.Context, req TaskRequest) (*Stream, error) {
	conn, err := c.dial(ctx, PathStream)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, c.record(fmt.Errorf("%w: failed to send request: %w", ErrTransportUnavailable, err))
	}
	return newStream(ctx, conn, c), nil
}

// Subscribe opens the update stream of an existing task.
func (c *Client) Subscribe(ctx context.Context, taskID string) (*Stream, error) {
	conn, err := c.dial(ctx, "/tasks/"+url.PathEscape(taskID)+"/subscribe")
	if err != nil {
		return nil, err
	}
	return newStream(ctx, conn, c), nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + path
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.record(statusError(resp))
		}
		return nil, c.record(unavailable(ctx, err))
	}
	return conn, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.record(unavailable(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.record(statusError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.record(unavailable(ctx, err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.record(fmt.Errorf("%w: undecodable response from %s: %w", ErrProtocolViolation, path, err))
	}
	return c.record(nil)
}

func (c *Client) validated(t *task.Task) (*task.Task, error) {
	if err := t.Validate(); err != nil {
		return nil, c.record(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
	}
	return t, nil
}

// record counts the outcome of a call and returns err unchanged.
func (c *Client) record(err error) error {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTransportUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrProtocolViolation):
		outcome = "protocol"
	default:
		outcome = "error"
	}
	c.metrics.TransportCall(c.name, outcome)
	return err
}

// unavailable wraps a network failure. A caller deadline counts as the worker
// not answering in time.
func unavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(resp *http.Response) error {
	msg := resp.Status
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", task.ErrInvalidTransition, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: worker returned %d: %s", ErrTransportUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrProtocolViolation, resp.StatusCode, msg)
	}
}
