// Package batch coalesces outbound room traffic into delivery batches so
// that busy rooms cost one websocket write per flush interval instead of
// one per message. Messages carry a priority: 0 is never queued here (the
// transport writes it straight to the wire), 1 flushes every tick, 2 every
// other tick, and 3 only rides along when its room flushes anyway or its
// deferral deadline passes.
package batch

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
)

const (
	// PriorityImmediate traffic bypasses the batcher entirely.
	PriorityImmediate = 0
	// PriorityHigh flushes on every tick (50 ms worst case).
	PriorityHigh = 1
	// PriorityNormal flushes on every other tick (100 ms worst case).
	PriorityNormal = 2
	// PriorityLow is deferred until its room flushes for another reason,
	// bounded by deferDeadline.
	PriorityLow = 3

	tickInterval  = 50 * time.Millisecond
	deferDeadline = 500 * time.Millisecond

	maxRoomMessages = 50
	maxRoomBytes    = 64 << 10

	// Rough per-message transport overhead (websocket frame header plus
	// event envelope) used for the bytes-saved estimate.
	perMessageOverhead = 8
)

// Batch is the wire shape handed to clients; inner messages are unpacked
// in order.
type Batch struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	RoomID   string            `json:"roomId"`
	Messages []json.RawMessage `json:"messages"`
	Metadata Metadata          `json:"metadata"`
}

// Metadata describes the flush that produced a batch.
type Metadata struct {
	// QueueTime is the epoch-ms enqueue time of the oldest message.
	QueueTime int64 `json:"queueTime"`
	// AvgLatency is the mean queueing delay in milliseconds.
	AvgLatency float64 `json:"avgLatency"`
	Count      int     `json:"count"`
}

// Message is one queued payload. Exclude names a peer the deliverer must
// skip, e.g. the joiner on a user-joined broadcast.
type Message struct {
	Payload  json.RawMessage
	Priority int
	Exclude  string
}

// DeliverFunc receives one marshaled batch per flush partition. Exclude is
// empty for plain broadcasts.
type DeliverFunc func(roomID, exclude string, frame []byte, count int)

type queued struct {
	payload  json.RawMessage
	priority int
	exclude  string
	queuedAt time.Time
}

type roomQueue struct {
	msgs  []queued
	bytes int
}

func (q *roomQueue) oldest(priority int) (time.Time, bool) {
	for _, m := range q.msgs {
		if m.priority == priority {
			return m.queuedAt, true
		}
	}
	return time.Time{}, false
}

func (q *roomQueue) has(priority int) bool {
	for _, m := range q.msgs {
		if m.priority == priority {
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of batcher effectiveness.
type Stats struct {
	BatchesFlushed  int64
	MessagesFlushed int64
	MessagesDropped int64
	BytesSaved      int64
	AvgFillRatio    float64
	AvgAddedLatency time.Duration
}

// Batcher owns the per-room queues and the single flusher goroutine.
type Batcher struct {
	mu      sync.Mutex
	rooms   map[string]*roomQueue
	deliver DeliverFunc
	nowFn   func() time.Time

	tickCount uint64

	statBatches  int64
	statMessages int64
	statDropped  int64
	statSaved    int64
	statFillSum  float64
	statLatSum   time.Duration
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(b *Batcher) { b.nowFn = fn }
}

// New builds a Batcher delivering flushed batches through fn.
func New(fn DeliverFunc, opts ...Option) *Batcher {
	b := &Batcher{
		rooms:   make(map[string]*roomQueue),
		deliver: fn,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue queues a message for a room. Priority 0 (or anything out of
// range) is delivered immediately as a single-message batch rather than
// queued; the transport normally short-circuits those before reaching
// here.
func (b *Batcher) Enqueue(ctx context.Context, roomID string, msg Message) {
	if msg.Priority <= PriorityImmediate || msg.Priority > PriorityLow {
		now := b.nowFn()
		b.mu.Lock()
		flushed := b.buildBatches(roomID, []queued{{payload: msg.Payload, exclude: msg.Exclude, queuedAt: now}}, now, PriorityImmediate)
		b.mu.Unlock()
		b.dispatch(flushed)
		return
	}

	b.mu.Lock()
	q := b.rooms[roomID]
	if q == nil {
		q = &roomQueue{}
		b.rooms[roomID] = q
	}
	q.msgs = append(q.msgs, queued{
		payload:  msg.Payload,
		priority: msg.Priority,
		exclude:  msg.Exclude,
		queuedAt: b.nowFn(),
	})
	q.bytes += len(msg.Payload)

	for len(q.msgs) > maxRoomMessages || q.bytes > maxRoomBytes {
		b.dropLowestLocked(ctx, roomID, q)
	}
	b.mu.Unlock()
}

// dropLowestLocked evicts the most recently queued message of the worst
// (numerically highest) priority present.
func (b *Batcher) dropLowestLocked(ctx context.Context, roomID string, q *roomQueue) {
	victim := -1
	for i, m := range q.msgs {
		if victim == -1 || m.priority >= q.msgs[victim].priority {
			victim = i
		}
	}
	if victim == -1 {
		return
	}
	q.bytes -= len(q.msgs[victim].payload)
	q.msgs = append(q.msgs[:victim], q.msgs[victim+1:]...)
	b.statDropped++
	metrics.BatchMessagesDropped.Inc()
	logging.Warn(ctx, "batch queue overflow, dropping message", zap.String("roomId", roomID))
}

// Start runs the flusher until ctx is canceled, then flushes what remains.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.FlushAll()
			return
		case <-ticker.C:
			b.tick(b.nowFn())
		}
	}
}

// tick flushes every room that is due at now.
func (b *Batcher) tick(now time.Time) {
	b.mu.Lock()
	b.tickCount++
	even := b.tickCount%2 == 0

	var flushed []flushWork
	for roomID, q := range b.rooms {
		if len(q.msgs) == 0 {
			continue
		}
		due := q.has(PriorityHigh) || (even && q.has(PriorityNormal))
		if !due {
			if at, ok := q.oldest(PriorityLow); ok && now.Sub(at) >= deferDeadline {
				due = true
			}
		}
		if !due {
			continue
		}
		msgs := q.msgs
		q.msgs = nil
		q.bytes = 0
		flushed = append(flushed, b.buildBatches(roomID, msgs, now, topPriority(msgs))...)
	}
	b.mu.Unlock()

	b.dispatch(flushed)
}

// Flush drains one room immediately, e.g. before tearing it down.
func (b *Batcher) Flush(roomID string) {
	now := b.nowFn()
	b.mu.Lock()
	var flushed []flushWork
	if q := b.rooms[roomID]; q != nil && len(q.msgs) > 0 {
		msgs := q.msgs
		q.msgs = nil
		q.bytes = 0
		flushed = b.buildBatches(roomID, msgs, now, topPriority(msgs))
	}
	delete(b.rooms, roomID)
	b.mu.Unlock()
	b.dispatch(flushed)
}

// FlushAll drains every room, used on shutdown.
func (b *Batcher) FlushAll() {
	now := b.nowFn()
	b.mu.Lock()
	var flushed []flushWork
	for roomID, q := range b.rooms {
		if len(q.msgs) == 0 {
			continue
		}
		flushed = append(flushed, b.buildBatches(roomID, q.msgs, now, topPriority(q.msgs))...)
	}
	b.rooms = make(map[string]*roomQueue)
	b.mu.Unlock()
	b.dispatch(flushed)
}

// Forget discards a room's queue without delivering it.
func (b *Batcher) Forget(roomID string) {
	b.mu.Lock()
	delete(b.rooms, roomID)
	b.mu.Unlock()
}

type flushWork struct {
	roomID  string
	exclude string
	frame   []byte
	count   int
}

func topPriority(msgs []queued) int {
	top := PriorityLow
	for _, m := range msgs {
		if m.priority < top {
			top = m.priority
		}
	}
	return top
}

// buildBatches partitions a drained queue by exclude target, preserving
// enqueue order within each partition, and marshals one batch per
// partition. Callers must hold b.mu (or own the messages exclusively).
func (b *Batcher) buildBatches(roomID string, msgs []queued, now time.Time, priority int) []flushWork {
	groups := make(map[string][]queued)
	var order []string
	for _, m := range msgs {
		if _, seen := groups[m.exclude]; !seen {
			order = append(order, m.exclude)
		}
		groups[m.exclude] = append(groups[m.exclude], m)
	}

	work := make([]flushWork, 0, len(order))
	for _, exclude := range order {
		group := groups[exclude]
		payloads := make([]json.RawMessage, len(group))
		rawBytes := 0
		oldest := group[0].queuedAt
		var latSum time.Duration
		for i, m := range group {
			payloads[i] = m.payload
			rawBytes += len(m.payload)
			if m.queuedAt.Before(oldest) {
				oldest = m.queuedAt
			}
			latSum += now.Sub(m.queuedAt)
		}

		batch := Batch{
			Type:     "batch",
			ID:       uuid.NewString(),
			RoomID:   roomID,
			Messages: payloads,
			Metadata: Metadata{
				QueueTime:  oldest.UnixMilli(),
				AvgLatency: float64(latSum.Milliseconds()) / float64(len(group)),
				Count:      len(group),
			},
		}
		frame, err := json.Marshal(batch)
		if err != nil {
			logging.Error(context.Background(), "marshal batch", zap.Error(err), zap.String("roomId", roomID))
			continue
		}

		fill := float64(len(group)) / float64(maxRoomMessages)
		saved := int64(rawBytes + len(group)*perMessageOverhead - len(frame) - perMessageOverhead)
		if saved < 0 {
			saved = 0
		}
		b.statBatches++
		b.statMessages += int64(len(group))
		b.statSaved += saved
		b.statFillSum += fill
		b.statLatSum += latSum

		metrics.BatchesFlushed.WithLabelValues(strconv.Itoa(priority)).Inc()
		metrics.BatchFillRatio.Observe(fill)

		work = append(work, flushWork{roomID: roomID, exclude: exclude, frame: frame, count: len(group)})
	}
	return work
}

// dispatch runs the deliver callback outside the batcher lock.
func (b *Batcher) dispatch(work []flushWork) {
	if b.deliver == nil {
		return
	}
	for _, w := range work {
		b.deliver(w.roomID, w.exclude, w.frame, w.count)
	}
}

// Stats snapshots cumulative effectiveness counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		BatchesFlushed:  b.statBatches,
		MessagesFlushed: b.statMessages,
		MessagesDropped: b.statDropped,
		BytesSaved:      b.statSaved,
	}
	if b.statBatches > 0 {
		s.AvgFillRatio = b.statFillSum / float64(b.statBatches)
	}
	if b.statMessages > 0 {
		s.AvgAddedLatency = b.statLatSum / time.Duration(b.statMessages)
	}
	return s
}
