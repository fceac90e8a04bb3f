package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/metrics"
)

var (
	// ErrHubClosed is returned for operations after Close.
	ErrHubClosed = errors.New("hub closed")
	// ErrUnknownSubscriber is returned for operations on missing IDs.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// HubConfig tunes queue bounds and sweep behaviour. Zero values fall back to
// defaults.
type HubConfig struct {
	QueueCapacity int
	DropThreshold int
	DropWindow    time.Duration
	IdleTimeout   time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.DropThreshold <= 0 {
		c.DropThreshold = 32
	}
	if c.DropWindow <= 0 {
		c.DropWindow = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// HubStats is the snapshot served by the admin surface.
type HubStats struct {
	SubscriberCount int            `json:"subscriber_count"`
	Rooms           map[string]int `json:"rooms"`
	DropCount       uint64         `json:"drop_count"`
	AvgQueueDepth   float64        `json:"avg_queue_depth"`
	Published       uint64         `json:"published"`
}

type connectReq struct {
	kind      domain.SubscriberKind
	transport Transport
	rooms     []string
	reply     chan *Subscriber
}

type disconnectReq struct {
	id    string
	reply chan bool
}

type membershipReq struct {
	id    string
	room  string
	join  bool
	reply chan error
}

type publishReq struct {
	room string
	msg  domain.StreamMessage
}

type lookupReq struct {
	id    string
	reply chan *Subscriber
}

// Hub fans published messages out to room subscribers. All membership and
// queue-overflow state is owned by the single run goroutine; public methods
// communicate with it over channels, so every mutation is serialized and
// per-room delivery order follows publish order.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger
	nowFn  func() time.Time

	connectCh    chan connectReq
	disconnectCh chan disconnectReq
	memberCh     chan membershipReq
	publishCh    chan publishReq
	statsCh      chan chan HubStats
	lookupCh     chan lookupReq
	closed       chan struct{}
	closeOnce    sync.Once

	subs        map[string]*Subscriber
	rooms       map[string]map[string]*Subscriber
	memberships map[string]map[string]struct{}
	dropCount   uint64
	published   uint64
}

// NewHub creates a hub and starts its run loop.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger != nil {
		logger = logger.With("component", "hub")
	}
	h := &Hub{
		cfg:          cfg.withDefaults(),
		logger:       logger,
		nowFn:        time.Now,
		connectCh:    make(chan connectReq),
		disconnectCh: make(chan disconnectReq),
		memberCh:     make(chan membershipReq),
		publishCh:    make(chan publishReq),
		statsCh:      make(chan chan HubStats),
		lookupCh:     make(chan lookupReq),
		closed:       make(chan struct{}),
		subs:         make(map[string]*Subscriber),
		rooms:        make(map[string]map[string]*Subscriber),
		memberships:  make(map[string]map[string]struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) now() time.Time { return h.nowFn().UTC() }

func (h *Hub) run() {
	sweepEvery := h.cfg.IdleTimeout / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	if sweepEvery > 15*time.Second {
		sweepEvery = 15 * time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-h.closed:
			for id := range h.subs {
				h.remove(id, "shutdown")
			}
			return
		case req := <-h.connectCh:
			sub := newSubscriber(uuid.NewString(), req.kind, req.transport, h.cfg.QueueCapacity, h.now())
			h.subs[sub.ID] = sub
			for _, room := range req.rooms {
				h.addMember(sub, room)
			}
			if sub.Kind == domain.SubscriberPush && sub.transport != nil {
				go sub.writeLoop(h)
			}
			metrics.HubSubscribers.Inc()
			if h.logger != nil {
				h.logger.Info("subscriber connected", "subscriber_id", sub.ID, "kind", sub.Kind, "rooms", len(req.rooms))
			}
			req.reply <- sub
		case req := <-h.disconnectCh:
			_, ok := h.subs[req.id]
			if ok {
				h.remove(req.id, "client")
			}
			req.reply <- ok
		case req := <-h.memberCh:
			sub, ok := h.subs[req.id]
			if !ok {
				req.reply <- ErrUnknownSubscriber
				continue
			}
			if req.join {
				h.addMember(sub, req.room)
			} else {
				h.dropMember(req.id, req.room)
			}
			req.reply <- nil
		case req := <-h.publishCh:
			h.deliver(req)
		case reply := <-h.statsCh:
			reply <- h.snapshotStats()
		case req := <-h.lookupCh:
			req.reply <- h.subs[req.id]
		case <-sweep.C:
			h.sweepIdle()
		}
	}
}

func (h *Hub) addMember(sub *Subscriber, room string) {
	if room == "" {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Subscriber)
	}
	h.rooms[room][sub.ID] = sub
	if _, ok := h.memberships[sub.ID]; !ok {
		h.memberships[sub.ID] = make(map[string]struct{})
	}
	h.memberships[sub.ID][room] = struct{}{}
}

func (h *Hub) dropMember(id, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.memberships[id]; ok {
		delete(rooms, room)
	}
}

func (h *Hub) remove(id, reason string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	for room := range h.memberships[id] {
		if members, ok := h.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.memberships, id)
	sub.close()
	metrics.HubSubscribers.Dec()
	if reason != "client" && reason != "shutdown" {
		metrics.HubForcedDisconnects.WithLabelValues(reason).Inc()
	}
	if h.logger != nil {
		h.logger.Info("subscriber disconnected", "subscriber_id", id, "reason", reason)
	}
}

func (h *Hub) deliver(req publishReq) {
	msg := req.msg
	msg.Room = req.room
	if msg.ServerTime.IsZero() {
		msg.ServerTime = h.now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("message marshal failed", "room", req.room, "error", err)
		}
		return
	}
	h.published++
	metrics.HubPublishedTotal.WithLabelValues(req.room).Inc()

	members := h.rooms[req.room]
	if len(members) == 0 {
		return
	}
	now := h.now()
	var storm []string
	for _, sub := range members {
		if !sub.enqueue(payload) {
			continue
		}
		h.dropCount++
		metrics.HubDroppedTotal.Inc()
		if now.Sub(sub.windowStart) > h.cfg.DropWindow {
			sub.windowStart = now
			sub.windowDrops = 0
		}
		sub.windowDrops++
		if sub.windowDrops >= h.cfg.DropThreshold {
			storm = append(storm, sub.ID)
		}
	}
	for _, id := range storm {
		if h.logger != nil {
			h.logger.Warn("subscriber dropping too fast", "subscriber_id", id, "window_drops", h.cfg.DropThreshold)
		}
		h.remove(id, "drop_storm")
	}
}

func (h *Hub) sweepIdle() {
	cutoff := h.now().Add(-h.cfg.IdleTimeout)
	var idle []string
	for id, sub := range h.subs {
		if sub.LastSeen().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		h.remove(id, "idle")
	}
}

func (h *Hub) snapshotStats() HubStats {
	stats := HubStats{
		SubscriberCount: len(h.subs),
		Rooms:           make(map[string]int, len(h.rooms)),
		DropCount:       h.dropCount,
		Published:       h.published,
	}
	for room, members := range h.rooms {
		stats.Rooms[room] = len(members)
	}
	if len(h.subs) > 0 {
		total := 0
		for _, sub := range h.subs {
			total += sub.QueueLen()
		}
		stats.AvgQueueDepth = float64(total) / float64(len(h.subs))
	}
	return stats
}

// Connect registers a subscriber and joins it to the given rooms. Push
// subscribers need a transport; the hub drives it from a dedicated writer
// goroutine until disconnect.
func (h *Hub) Connect(kind domain.SubscriberKind, transport Transport, rooms ...string) (*Subscriber, error) {
	req := connectReq{kind: kind, transport: transport, rooms: rooms, reply: make(chan *Subscriber, 1)}
	select {
	case h.connectCh <- req:
	case <-h.closed:
		return nil, ErrHubClosed
	}
	select {
	case sub := <-req.reply:
		return sub, nil
	case <-h.closed:
		return nil, ErrHubClosed
	}
}

// Disconnect removes a subscriber, releasing its queue and waking pending
// polls. It reports whether the ID was connected. Idempotent.
func (h *Hub) Disconnect(id string) bool {
	req := disconnectReq{id: id, reply: make(chan bool, 1)}
	select {
	case h.disconnectCh <- req:
	case <-h.closed:
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-h.closed:
		return false
	}
}

// Join adds a subscriber to a room. Joining twice is a no-op.
func (h *Hub) Join(id, room string) error {
	return h.membership(id, room, true)
}

// Leave removes a subscriber from a room. Leaving a room it never joined is
// a no-op.
func (h *Hub) Leave(id, room string) error {
	return h.membership(id, room, false)
}

func (h *Hub) membership(id, room string, join bool) error {
	req := membershipReq{id: id, room: room, join: join, reply: make(chan error, 1)}
	select {
	case h.memberCh <- req:
	case <-h.closed:
		return ErrHubClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-h.closed:
		return ErrHubClosed
	}
}

// Publish fans a message out to every subscriber of the room. Publishing to
// a room with no subscribers is a no-op.
func (h *Hub) Publish(room string, msg domain.StreamMessage) {
	select {
	case h.publishCh <- publishReq{room: room, msg: msg}:
	case <-h.closed:
	}
}

// Subscriber looks up a connected subscriber by ID.
func (h *Hub) Subscriber(id string) (*Subscriber, bool) {
	req := lookupReq{id: id, reply: make(chan *Subscriber, 1)}
	select {
	case h.lookupCh <- req:
	case <-h.closed:
		return nil, false
	}
	select {
	case sub := <-req.reply:
		return sub, sub != nil
	case <-h.closed:
		return nil, false
	}
}

// Stats returns a snapshot of hub counters and room occupancy.
func (h *Hub) Stats() HubStats {
	reply := make(chan HubStats, 1)
	select {
	case h.statsCh <- reply:
	case <-h.closed:
		return HubStats{Rooms: map[string]int{}}
	}
	select {
	case stats := <-reply:
		return stats
	case <-h.closed:
		return HubStats{Rooms: map[string]int{}}
	}
}

// Close disconnects every subscriber and stops the run loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}
