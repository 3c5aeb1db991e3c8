// Package client is a Go client for the redis-profiler HTTP API and its
// monitor websocket.
package client

import (
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
	"github.com/nkkko/redis-profiler/pkg/protocol"
)

// ErrUnexpectedMessage is returned when the server does not greet a new
// stream with a connected message
var ErrUnexpectedMessage = errors.New("unexpected message")

// Client is an HTTP client for interacting with the profiler API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithDialer replaces the websocket dialer
func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.websocketDialer = dialer
	}
}

// New creates a new profiler API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// envelope is the body of every API response
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *protocol.Error `json:"error"`
}

// Databases lists the monitored databases
func (c *Client) Databases(ctx context.Context) ([]protocol.Database, error) {
	var dbs []protocol.Database
	if err := c.get(ctx, "/databases", &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

// ProfilerStatus returns the profiler state of a database
func (c *Client) ProfilerStatus(ctx context.Context, databaseID string) (*protocol.ProfilerStatus, error) {
	var status protocol.ProfilerStatus
	if err := c.get(ctx, "/databases/"+url.PathEscape(databaseID)+"/profiler", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Connect opens a monitor stream for a database. Events only flow after
// Stream.Monitor.
func (c *Client) Connect(ctx context.Context, databaseID string) (*Stream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/databases/" + url.PathEscape(databaseID) + "/monitor"

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, resp, err := c.websocketDialer.DialContext(dialCtx, u.String(), c.headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := decodeError(resp); apiErr != nil {
				return nil, apiErr
			}
		}
		return nil, fmt.Errorf("failed to connect to monitor stream: %w", err)
	}

	stream := &Stream{conn: conn, timeout: c.timeout}

	msg, err := stream.Next()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if msg.Type != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
	}
	stream.SessionID = msg.SessionID

	return stream, nil
}

// get performs a GET request and decodes the data of the envelope into out
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	var body envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// decodeError turns an error response into an error wrapping the API error
// when the body carries one
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)

	var body envelope
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		return fmt.Errorf("API error (%d): %w", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
}

// Stream is an open monitor websocket
type Stream struct {
	SessionID string

	conn    *websocket.Conn
	timeout time.Duration
	writeMu sync.Mutex
}

// Monitor starts the delivery of monitor events
func (s *Stream) Monitor() error {
	return s.send(protocol.ActionMonitor)
}

// Pause stops the delivery of monitor events and drops undelivered ones
func (s *Stream) Pause() error {
	return s.send(protocol.ActionPause)
}

// Ping keeps the connection from being dropped as idle
func (s *Stream) Ping() error {
	return s.send(protocol.ActionPing)
}

func (s *Stream) send(action protocol.Action) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteJSON(protocol.Request{Action: action})
}

// Next blocks until the next server message
func (s *Stream) Next() (protocol.Message, error) {
	var msg protocol.Message
	err := s.conn.ReadJSON(&msg)
	return msg, err
}

// Close sends a close frame and closes the connection
func (s *Stream) Close() error {
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
