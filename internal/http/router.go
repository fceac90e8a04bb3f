package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tangy83/HandyConnect-sub003/internal/cache"
	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/metrics"
	"github.com/tangy83/HandyConnect-sub003/internal/repository"
	"github.com/tangy83/HandyConnect-sub003/internal/service/aggregate"
	"github.com/tangy83/HandyConnect-sub003/internal/service/collect"
	"github.com/tangy83/HandyConnect-sub003/internal/ws"
)

// Router wires HTTP endpoints to the dashboard core.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	engine    *aggregate.Engine
	views     *cache.ViewCache
	hub       *ws.Hub
	registry  *collect.Registry
	rollups   repository.RollupRepository
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	feedToken string
	pollWait  time.Duration
	pollBatch int
	dbHealth  func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 240
	rateLimitStream    = 30
	rateLimitIngest    = 600
	healthCheckTimeout = 2 * time.Second

	maxIngestBody  = 1 << 20
	maxIngestBatch = 500

	defaultPollWait  = 30 * time.Second
	defaultPollBatch = 64
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, engine *aggregate.Engine, views *cache.ViewCache, hub *ws.Hub, registry *collect.Registry, rollups repository.RollupRepository, limiter RateLimiter, feedToken string, pollWait time.Duration, pollBatch int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		engine:   engine,
		views:    views,
		hub:      hub,
		registry: registry,
		rollups:  rollups,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		feedToken: strings.TrimSpace(feedToken),
		pollWait:  pollWait,
		pollBatch: pollBatch,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.pollWait <= 0 {
		r.pollWait = defaultPollWait
	}
	if r.pollBatch <= 0 {
		r.pollBatch = defaultPollBatch
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/views/snapshot", r.audit(r.withRateLimit("/views/snapshot", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleSnapshot)))
	r.mux.HandleFunc("/views/timeseries", r.audit(r.withRateLimit("/views/timeseries", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleTimeseries)))
	r.mux.HandleFunc("/views/series", r.audit(r.withRateLimit("/views/series", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleSeriesIndex)))
	r.mux.HandleFunc("/metrics/rollups", r.audit(r.withRateLimit("/metrics/rollups", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleRollups)))
	r.mux.HandleFunc("/stream/ws", r.audit(r.withRateLimit("/stream/ws", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleStreamWS)))
	r.mux.HandleFunc("/stream/sse", r.audit(r.withRateLimit("/stream/sse", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleStreamSSE)))
	r.mux.HandleFunc("/stream/connect", r.audit(r.withRateLimit("/stream/connect", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleStreamConnect)))
	r.mux.HandleFunc("/stream/rooms", r.audit(r.withRateLimit("/stream/rooms", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleStreamRooms)))
	r.mux.HandleFunc("/stream/poll", r.audit(r.withRateLimit("/stream/poll", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleStreamPoll)))
	r.mux.HandleFunc("/ingest/readings", r.audit(r.withRateLimit("/ingest/readings", rateLimitIngest, rateWindowDefault, rateLimitKeyIP, r.handleIngest)))
	r.mux.HandleFunc("/admin/hub", r.audit(r.handleAdminHub))
	r.mux.HandleFunc("/admin/engine", r.audit(r.handleAdminEngine))
	r.mux.HandleFunc("/admin/cache", r.audit(r.handleAdminCache))
	r.mux.HandleFunc("/admin/cache/clear", r.audit(r.handleAdminCacheClear))
	r.mux.HandleFunc("/admin/cache/preload", r.audit(r.handleAdminCachePreload))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	points := 0
	if raw := q.Get("points"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid points value")
			return
		}
		points = parsed
	}
	typ := strings.TrimSpace(q.Get("type"))
	if typ == "" {
		typ = string(domain.ViewCurrent)
	}
	key, err := buildViewKey(typ, q.Get("series"), q.Get("resolution"), q.Get("param"), points)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.serveView(w, key)
}

func (r *Router) handleTimeseries(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	points := 0
	if raw := q.Get("points"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid points value")
			return
		}
		points = parsed
	}
	key, err := buildViewKey(string(domain.ViewSeries), q.Get("series"), q.Get("resolution"), "", points)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.serveView(w, key)
}

// buildViewKey validates and normalizes the pieces of a view request.
func buildViewKey(typ, series, resolution, param string, points int) (domain.ViewKey, error) {
	key := domain.ViewKey{
		Type:       domain.ViewType(strings.TrimSpace(typ)),
		Series:     strings.TrimSpace(series),
		Resolution: domain.Resolution(strings.TrimSpace(resolution)),
		Points:     points,
		Param:      strings.TrimSpace(param),
	}
	if !key.Type.Valid() {
		return domain.ViewKey{}, fmt.Errorf("unknown view type %q", key.Type)
	}
	if key.Series == "" {
		return domain.ViewKey{}, errors.New("series is required")
	}
	if key.Resolution == "" {
		key.Resolution = domain.ResolutionFine
	}
	if !key.Resolution.Valid() {
		return domain.ViewKey{}, fmt.Errorf("unknown resolution %q", key.Resolution)
	}
	if key.Type == domain.ViewTopN && key.Param == "" {
		return domain.ViewKey{}, errors.New("param is required for topn views")
	}
	return key, nil
}

func (r *Router) serveView(w http.ResponseWriter, key domain.ViewKey) {
	view, stale, err := r.views.GetOrBuild(key, r.engine.BuildView)
	if err != nil {
		if errors.Is(err, aggregate.ErrUnknownSeries) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("X-View-Generation", strconv.FormatUint(view.Generation, 10))
	if stale {
		w.Header().Set("X-View-Stale", "true")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":       view.Key.Type,
		"series":     view.Key.Series,
		"resolution": view.Key.Resolution,
		"generation": view.Generation,
		"stale":      stale,
		"data":       view.Data,
	})
}

func (r *Router) handleSeriesIndex(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": r.engine.Series()})
}

func (r *Router) handleRollups(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.rollups == nil {
		writeError(w, http.StatusServiceUnavailable, "rollup storage not configured")
		return
	}
	series := strings.TrimSpace(req.URL.Query().Get("series"))
	if series == "" {
		writeError(w, http.StatusBadRequest, "series query parameter required")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	rollups, err := r.rollups.ListRollups(req.Context(), series, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(rollups))
	for _, rollup := range rollups {
		out = append(out, map[string]any{
			"series":              rollup.Series,
			"bucket_start":        rollup.BucketStart.UTC().Format(time.RFC3339Nano),
			"bucket_span_seconds": int(rollup.BucketSpan / time.Second),
			"count":               rollup.Count,
			"sum":                 rollup.Sum,
			"min":                 rollup.Min,
			"max":                 rollup.Max,
			"last":                rollup.Last,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series, "rollups": out})
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rooms := parseRooms(req)
	if len(rooms) == 0 {
		rooms = []string{aggregate.LiveRoom}
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub, err := r.hub.Connect(domain.SubscriberPush, client, rooms...)
	if err != nil {
		client.Close()
		return
	}
	client.ReadPump(r.hub, sub)
}

func (r *Router) handleStreamSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	rooms := parseRooms(req)
	if len(rooms) == 0 {
		rooms = []string{aggregate.LiveRoom}
	}
	// Headers must be on the wire before the hub can deliver the first
	// event through the write loop.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	sub, err := r.hub.Connect(domain.SubscriberPush, client, rooms...)
	if err != nil {
		return
	}

	select {
	case <-req.Context().Done():
		r.hub.Disconnect(sub.ID)
	case <-sub.Done():
	}
	// The write loop owns the response writer; wait for it before the
	// handler frees the connection.
	<-sub.WriterDone()
}

func (r *Router) handleStreamConnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Rooms []string `json:"rooms"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rooms := normalizeRooms(payload.Rooms)
	if len(rooms) == 0 {
		rooms = []string{aggregate.LiveRoom}
	}
	sub, err := r.hub.Connect(domain.SubscriberPull, nil, rooms...)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscriber_id": sub.ID,
		"rooms":         rooms,
	})
}

func (r *Router) handleStreamRooms(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		SubscriberID string `json:"subscriber_id"`
		Room         string `json:"room"`
		Action       string `json:"action"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.SubscriberID = strings.TrimSpace(payload.SubscriberID)
	payload.Room = strings.TrimSpace(payload.Room)
	if payload.SubscriberID == "" || payload.Room == "" {
		writeError(w, http.StatusBadRequest, "subscriber_id and room are required")
		return
	}
	var err error
	var status string
	switch payload.Action {
	case "", "join":
		err = r.hub.Join(payload.SubscriberID, payload.Room)
		status = "joined"
	case "leave":
		err = r.hub.Leave(payload.SubscriberID, payload.Room)
		status = "left"
	default:
		writeError(w, http.StatusBadRequest, "action must be join or leave")
		return
	}
	if err != nil {
		r.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "room": payload.Room})
}

func (r *Router) handleStreamPoll(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}
	switch req.Method {
	case http.MethodGet:
		sub, ok := r.hub.Subscriber(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown subscriber")
			return
		}
		if sub.Kind != domain.SubscriberPull {
			writeError(w, http.StatusConflict, "subscriber is not poll based")
			return
		}
		wait := r.pollWait
		if raw := req.URL.Query().Get("wait"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "invalid wait duration")
				return
			}
			if parsed < wait {
				wait = parsed
			}
		}
		max := r.pollBatch
		if raw := req.URL.Query().Get("max"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "invalid max value")
				return
			}
			if parsed < max {
				max = parsed
			}
		}
		sub.Touch(time.Now().UTC())
		messages, err := sub.Poll(req.Context(), max, wait)
		if err != nil {
			switch {
			case errors.Is(err, ws.ErrSubscriberClosed):
				writeError(w, http.StatusGone, "subscriber disconnected")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// Client went away mid-poll; nothing left to answer.
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriber_id": id,
			"messages":      messages,
		})
	case http.MethodDelete:
		if !r.hub.Disconnect(id) {
			writeError(w, http.StatusNotFound, "unknown subscriber")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyFeedToken(w, req) {
		return
	}
	var payload struct {
		Readings []readingPayload `json:"readings"`
	}
	body := http.MaxBytesReader(w, req.Body, maxIngestBody)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(payload.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "readings are required")
		return
	}
	if len(payload.Readings) > maxIngestBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too many readings in one batch")
		return
	}
	now := time.Now().UTC()
	accepted := 0
	rejected := 0
	for _, item := range payload.Readings {
		reading, err := item.toReading(now)
		if err != nil {
			rejected++
			continue
		}
		r.registry.Add(reading)
		accepted++
	}
	if accepted == 0 {
		writeError(w, http.StatusBadRequest, "no valid readings in batch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "queued",
		"accepted": accepted,
		"rejected": rejected,
	})
}

type readingPayload struct {
	Metric string            `json:"metric"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit"`
	At     string            `json:"at"`
	Tags   map[string]string `json:"tags"`
}

func (p readingPayload) toReading(now time.Time) (domain.Reading, error) {
	reading := domain.Reading{
		Metric: strings.TrimSpace(p.Metric),
		Value:  p.Value,
		Unit:   strings.TrimSpace(p.Unit),
		At:     now,
		Tags:   p.Tags,
	}
	if p.At != "" {
		parsed, err := time.Parse(time.RFC3339Nano, p.At)
		if err != nil {
			return domain.Reading{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		reading.At = parsed.UTC()
	}
	if err := reading.Validate(now); err != nil {
		return domain.Reading{}, err
	}
	return reading, nil
}

func (r *Router) handleAdminHub(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.hub.Stats())
}

func (r *Router) handleAdminEngine(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.engine.Stats())
}

func (r *Router) handleAdminCache(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.views.Stats())
}

func (r *Router) handleAdminCacheClear(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.views.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (r *Router) handleAdminCachePreload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Keys []struct {
			Type       string `json:"type"`
			Series     string `json:"series"`
			Resolution string `json:"resolution"`
			Points     int    `json:"points"`
			Param      string `json:"param"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	keys := make([]domain.ViewKey, 0, len(payload.Keys))
	for _, item := range payload.Keys {
		key, err := buildViewKey(item.Type, item.Series, item.Resolution, item.Param, item.Points)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		keys = r.engine.PreloadKeys()
	}
	r.views.Preload(keys, r.engine.BuildView)
	writeJSON(w, http.StatusOK, map[string]any{"status": "preloaded", "keys": len(keys)})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	engineStats := r.engine.Stats()
	components["engine"] = map[string]any{
		"status": "up",
		"ticks":  engineStats.Ticks,
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writeHubError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ws.ErrUnknownSubscriber):
		status = http.StatusNotFound
	case errors.Is(err, ws.ErrHubClosed):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// verifyFeedToken ensures ingest calls carry the configured secret.
func (r *Router) verifyFeedToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.feedToken
	if expected == "" {
		r.logger.Error("feed token not configured", "path", req.URL.Path)
		writeError(w, http.StatusServiceUnavailable, "ingest authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Feed-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("feed_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("feed token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid feed token")
		return false
	}
	return true
}

func parseRooms(req *http.Request) []string {
	raw := req.URL.Query()["room"]
	if joined := req.URL.Query().Get("rooms"); joined != "" {
		raw = append(raw, strings.Split(joined, ",")...)
	}
	return normalizeRooms(raw)
}

func normalizeRooms(raw []string) []string {
	rooms := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, room := range raw {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		if _, dup := seen[room]; dup {
			continue
		}
		seen[room] = struct{}{}
		rooms = append(rooms, room)
	}
	return rooms
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(req.Method, req.URL.Path).Observe(duration.Seconds())

		actor := "client"
		switch {
		case strings.HasPrefix(req.URL.Path, "/ingest/"):
			actor = "feed"
		case strings.HasPrefix(req.URL.Path, "/admin/"):
			actor = "operator"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
