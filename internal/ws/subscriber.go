package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// ErrSubscriberClosed is returned by Poll after the subscriber disconnected.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Transport delivers queued payloads to a persistent push connection.
type Transport interface {
	Send(payload []byte) error
	Heartbeat() error
	Close()
}

// msgRing is a fixed-capacity queue of wire payloads that overwrites the
// oldest entry when full.
type msgRing struct {
	buf  [][]byte
	head int
	size int
}

func newMsgRing(capacity int) *msgRing {
	return &msgRing{buf: make([][]byte, capacity)}
}

// push appends a payload, reporting whether the oldest one was dropped.
func (r *msgRing) push(payload []byte) bool {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = payload
		r.size++
		return false
	}
	r.buf[r.head] = payload
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// take removes up to max payloads in queue order, everything when max <= 0.
func (r *msgRing) take(max int) [][]byte {
	n := r.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = nil
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return out
}

// Subscriber is one connected stream consumer. The hub loop is the only
// writer into the queue; the owning transport goroutine or poll requests
// drain it. The dropWindow fields are touched exclusively by the hub loop.
type Subscriber struct {
	ID   string
	Kind domain.SubscriberKind

	mu       sync.Mutex
	queue    *msgRing
	lastSeen time.Time
	drops    uint64

	notify   chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	once     sync.Once

	transport Transport

	windowStart time.Time
	windowDrops int
}

func newSubscriber(id string, kind domain.SubscriberKind, transport Transport, queueCap int, now time.Time) *Subscriber {
	return &Subscriber{
		ID:        id,
		Kind:      kind,
		queue:     newMsgRing(queueCap),
		lastSeen:  now,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		transport: transport,
	}
}

// enqueue adds a payload, reporting whether an older one was dropped to make
// room. Called only from the hub loop.
func (s *Subscriber) enqueue(payload []byte) bool {
	s.mu.Lock()
	dropped := s.queue.push(payload)
	if dropped {
		s.drops++
	}
	s.mu.Unlock()
	s.signal()
	return dropped
}

// drain removes up to max queued payloads, re-signalling when a remainder
// stays behind so the next waiter wakes immediately.
func (s *Subscriber) drain(max int) [][]byte {
	s.mu.Lock()
	batch := s.queue.take(max)
	remaining := s.queue.size
	s.mu.Unlock()
	if remaining > 0 {
		s.signal()
	}
	return batch
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close releases the queue and wakes every waiter. Idempotent.
func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		if s.transport != nil {
			s.transport.Close()
		}
		s.mu.Lock()
		s.queue = newMsgRing(1)
		s.mu.Unlock()
	})
}

// Done is closed when the subscriber disconnects.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// WriterDone is closed once the transport write loop has exited, meaning no
// further writes touch the transport. It never closes for pull subscribers,
// which have no write loop.
func (s *Subscriber) WriterDone() <-chan struct{} { return s.loopDone }

// Touch refreshes the idle-sweep clock.
func (s *Subscriber) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen reports the most recent activity instant.
func (s *Subscriber) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Drops reports how many payloads this subscriber has lost to queue overflow.
func (s *Subscriber) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// QueueLen reports the current queue depth.
func (s *Subscriber) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.size
}

// Poll blocks up to wait for at least one message, then returns everything
// queued up to max in enqueue order. It returns an empty batch on timeout
// and ErrSubscriberClosed once the subscriber is gone.
func (s *Subscriber) Poll(ctx context.Context, max int, wait time.Duration) ([]json.RawMessage, error) {
	select {
	case <-s.done:
		return nil, ErrSubscriberClosed
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if batch := s.drain(max); len(batch) > 0 {
			out := make([]json.RawMessage, len(batch))
			for i, payload := range batch {
				out[i] = payload
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSubscriberClosed
		case <-timer.C:
			return []json.RawMessage{}, nil
		case <-s.notify:
		}
	}
}

const (
	writeBatch        = 32
	heartbeatInterval = 25 * time.Second
)

// writeLoop drains the queue into the transport until the subscriber closes
// or a write fails. Runs on its own goroutine for push subscribers.
func (s *Subscriber) writeLoop(h *Hub) {
	defer close(s.loopDone)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				batch := s.drain(writeBatch)
				if len(batch) == 0 {
					break
				}
				for _, payload := range batch {
					if err := s.transport.Send(payload); err != nil {
						h.Disconnect(s.ID)
						return
					}
				}
				s.Touch(h.now())
			}
		case <-heartbeat.C:
			if err := s.transport.Heartbeat(); err != nil {
				h.Disconnect(s.ID)
				return
			}
			s.Touch(h.now())
		}
	}
}
