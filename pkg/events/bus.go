package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Fan-out bounds.
const (
	// historyLimit caps the in-memory event ring.
	historyLimit = 1000
	// replayLimit caps how many missed events a reconnecting subscriber
	// receives; beyond that the client should do a full REST reload.
	replayLimit = 200
	// defaultReplay is how many recent events a fresh subscriber gets.
	defaultReplay = 25
	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind is dropped rather than stalling the bus.
	subscriberBuffer = 256
)

// Event is the enriched outgoing record delivered to subscribers.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	RunID     string         `json:"runId,omitempty"`
	Timestamp string         `json:"timestamp"`
	Claim     *models.Claim  `json:"claim,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is one live event-stream consumer. Consumers select on C
// and Done; the event channel itself is never closed, so a concurrent
// Publish can never race a close.
type Subscriber struct {
	ID   string
	C    <-chan Event
	Done <-chan struct{}

	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// Bus assigns sequence numbers, keeps bounded history, and broadcasts to
// live subscribers. All state is guarded by one mutex; producers only
// ever call Publish.
type Bus struct {
	mu      sync.Mutex
	seq     int64
	history []Event
	subs    map[string]*Subscriber
	now     func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*Subscriber),
		now:  time.Now,
	}
}

// Publish decorates the event with the next sequence number and an
// ISO-8601 timestamp, records it in history, and fans it out. Returns
// the enriched event.
func (b *Bus) Publish(evtType, runID string, claim *models.Claim, data map[string]any) Event {
	b.mu.Lock()

	b.seq++
	evt := Event{
		Seq:       b.seq,
		Type:      evtType,
		RunID:     runID,
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
		Claim:     claim,
		Data:      data,
	}

	b.history = append(b.history, evt)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}

	// Snapshot subscribers so slow-consumer eviction can re-lock safely.
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case <-sub.done:
		case sub.ch <- evt:
		default:
			slog.Warn("Dropping slow event subscriber", "subscriber_id", sub.ID, "seq", evt.Seq)
			b.Unsubscribe(sub.ID)
		}
	}
	return evt
}

// Subscribe registers a consumer. When lastSeq > 0, up to replayLimit
// missed events with higher sequence numbers are returned for replay;
// otherwise the most recent defaultReplay events are returned.
func (b *Bus) Subscribe(lastSeq int64) (*Subscriber, []Event) {
	sub := &Subscriber{
		ID:   uuid.New().String(),
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	sub.C = sub.ch
	sub.Done = sub.done

	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	if lastSeq > 0 {
		for _, evt := range b.history {
			if evt.Seq > lastSeq {
				replay = append(replay, evt)
			}
		}
		if len(replay) > replayLimit {
			replay = replay[:replayLimit]
		}
	} else if n := len(b.history); n > 0 {
		start := n - defaultReplay
		if start < 0 {
			start = 0
		}
		replay = append(replay, b.history[start:]...)
	}

	b.subs[sub.ID] = sub
	return sub, replay
}

// Unsubscribe removes a consumer and signals its Done channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.stopOnce.Do(func() { close(sub.done) })
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastSeq returns the most recently assigned sequence number.
func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
