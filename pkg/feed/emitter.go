package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the feed token.
var ErrUnauthorized = errors.New("metric feed unauthorized")

// ErrInvalidResponse indicates the API returned a malformed response payload.
var ErrInvalidResponse = errors.New("metric feed invalid response")

// ErrInvalidArgument indicates the API rejected the batch with validation errors.
var ErrInvalidArgument = errors.New("metric feed invalid argument")

// ErrUnavailable indicates ingestion is disabled or the API is degraded.
var ErrUnavailable = errors.New("metric feed unavailable")

// Emitter pushes metric readings to the dashboard ingestion endpoint. It is
// the client half of the custom-metric feed used by external pipelines.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Reading is one observation in an outgoing batch.
type Reading struct {
	Metric string
	Value  float64
	Unit   string
	At     time.Time
	Tags   map[string]string
}

// Result reports how the API disposed of a batch.
type Result struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// NewEmitter creates a feed emitter using the provided API base URL and feed token.
func NewEmitter(baseURL, feedToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("metric feed base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(feedToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends one batch of readings to the ingestion endpoint.
func (e *Emitter) Emit(ctx context.Context, readings ...Reading) (Result, error) {
	if e == nil {
		return Result{}, errors.New("metric feed emitter not initialised")
	}
	if len(readings) == 0 {
		return Result{}, errors.New("metric feed requires at least one reading")
	}
	payload, err := buildPayload(readings, e.now)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal reading batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/ingest/readings", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Feed-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send feed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, e.errorForStatus(resp)
	}
	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return result, nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	default:
		return fmt.Errorf("feed request failed: %s", summary)
	}
}

func buildPayload(readings []Reading, nowFn func() time.Time) (map[string]any, error) {
	items := make([]map[string]any, 0, len(readings))
	for i, reading := range readings {
		metric := strings.TrimSpace(reading.Metric)
		if metric == "" {
			return nil, fmt.Errorf("reading %d: metric name required", i)
		}
		at := reading.At
		if at.IsZero() {
			at = nowFn().UTC()
		} else {
			at = at.UTC()
		}
		item := map[string]any{
			"metric": metric,
			"value":  reading.Value,
			"at":     at.Format(time.RFC3339Nano),
		}
		if unit := strings.TrimSpace(reading.Unit); unit != "" {
			item["unit"] = unit
		}
		if len(reading.Tags) > 0 {
			item["tags"] = reading.Tags
		}
		items = append(items, item)
	}
	return map[string]any{"readings": items}, nil
}
