package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the dashboard API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:7700"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// View is a cached aggregation result as served by the API.
type View struct {
	Type       string          `json:"type"`
	Series     string          `json:"series"`
	Resolution string          `json:"resolution"`
	Generation uint64          `json:"generation"`
	Stale      bool            `json:"stale"`
	Data       json.RawMessage `json:"data"`
}

// SnapshotQuery selects which view to fetch.
type SnapshotQuery struct {
	Series     string
	Type       string
	Resolution string
	Param      string
	Points     int
}

// Snapshot fetches one view of a series.
func (c *Client) Snapshot(ctx context.Context, q SnapshotQuery) (View, error) {
	values := url.Values{}
	values.Set("series", q.Series)
	if q.Type != "" {
		values.Set("type", q.Type)
	}
	if q.Resolution != "" {
		values.Set("resolution", q.Resolution)
	}
	if q.Param != "" {
		values.Set("param", q.Param)
	}
	if q.Points > 0 {
		values.Set("points", strconv.Itoa(q.Points))
	}
	var view View
	if err := c.do(ctx, http.MethodGet, "/views/snapshot?"+values.Encode(), nil, &view); err != nil {
		return View{}, err
	}
	return view, nil
}

// Timeseries fetches the bucketed history view of a series.
func (c *Client) Timeseries(ctx context.Context, series string, points int) (View, error) {
	values := url.Values{}
	values.Set("series", series)
	if points > 0 {
		values.Set("points", strconv.Itoa(points))
	}
	var view View
	if err := c.do(ctx, http.MethodGet, "/views/timeseries?"+values.Encode(), nil, &view); err != nil {
		return View{}, err
	}
	return view, nil
}

// ListSeries returns the names of all tracked series.
func (c *Client) ListSeries(ctx context.Context) ([]string, error) {
	var payload struct {
		Series []string `json:"series"`
	}
	if err := c.do(ctx, http.MethodGet, "/views/series", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Series, nil
}

// Rollup is one coarse bucket persisted for a series.
type Rollup struct {
	Series            string    `json:"series"`
	BucketStart       time.Time `json:"bucket_start"`
	BucketSpanSeconds int       `json:"bucket_span_seconds"`
	Count             uint64    `json:"count"`
	Sum               float64   `json:"sum"`
	Min               float64   `json:"min"`
	Max               float64   `json:"max"`
	Last              float64   `json:"last"`
}

// ListRollups fetches persisted coarse buckets for a series, newest first.
func (c *Client) ListRollups(ctx context.Context, series string, limit int) ([]Rollup, error) {
	values := url.Values{}
	values.Set("series", series)
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var payload struct {
		Rollups []Rollup `json:"rollups"`
	}
	if err := c.do(ctx, http.MethodGet, "/metrics/rollups?"+values.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Rollups, nil
}

// Session identifies a poll based stream subscription.
type Session struct {
	SubscriberID string   `json:"subscriber_id"`
	Rooms        []string `json:"rooms"`
}

// Connect registers a poll based subscriber for the given rooms.
func (c *Client) Connect(ctx context.Context, rooms ...string) (Session, error) {
	body := map[string]any{}
	if len(rooms) > 0 {
		body["rooms"] = rooms
	}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/stream/connect", body, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// StreamMessage mirrors the hub's wire envelope.
type StreamMessage struct {
	Type       string          `json:"type"`
	Room       string          `json:"room"`
	Data       json.RawMessage `json:"data"`
	ServerTime time.Time       `json:"server_time"`
}

// Poll drains queued messages for a subscriber, waiting up to the server's
// long poll ceiling when the queue is empty.
func (c *Client) Poll(ctx context.Context, subscriberID string, wait time.Duration, max int) ([]StreamMessage, error) {
	values := url.Values{}
	values.Set("id", subscriberID)
	if wait > 0 {
		values.Set("wait", wait.String())
	}
	if max > 0 {
		values.Set("max", strconv.Itoa(max))
	}
	var payload struct {
		Messages []StreamMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/stream/poll?"+values.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// JoinRoom adds the subscriber to a room.
func (c *Client) JoinRoom(ctx context.Context, subscriberID, room string) error {
	body := map[string]string{
		"subscriber_id": subscriberID,
		"room":          room,
		"action":        "join",
	}
	return c.do(ctx, http.MethodPost, "/stream/rooms", body, nil)
}

// LeaveRoom removes the subscriber from a room.
func (c *Client) LeaveRoom(ctx context.Context, subscriberID, room string) error {
	body := map[string]string{
		"subscriber_id": subscriberID,
		"room":          room,
		"action":        "leave",
	}
	return c.do(ctx, http.MethodPost, "/stream/rooms", body, nil)
}

// Disconnect tears down a poll based subscriber.
func (c *Client) Disconnect(ctx context.Context, subscriberID string) error {
	values := url.Values{}
	values.Set("id", subscriberID)
	return c.do(ctx, http.MethodDelete, "/stream/poll?"+values.Encode(), nil, nil)
}

// Health reports component status as returned by the health endpoint.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// ComponentHealth is the status of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Health fetches the service health report. A degraded service still returns
// a parsed report rather than an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return Health{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return Health{}, fmt.Errorf("decode response: %w", err)
	}
	return health, nil
}
