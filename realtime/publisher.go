package realtime

import (
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// EventType identifies the fact an event reports.
type EventType string

const (
	EventTimeLog      EventType = "time_log"
	EventBreak        EventType = "break"
	EventTask         EventType = "task"
	EventWorkerStatus EventType = "worker_status"
)

// Scope identifies which dashboard surface an event invalidates.
type Scope string

const (
	ScopeAttendance Scope = "attendance"
	ScopeTasks      Scope = "tasks"
	ScopeMonitor    Scope = "monitor"
)

// Event is one published state-change notification.
type Event struct {
	Seq     uint64         `json:"seq"`
	Type    EventType      `json:"type"`
	Scope   Scope          `json:"scope"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Publisher delivers state-change notifications to dashboards. Publish is
// fire-and-forget: it must never block or fail the mutation that calls it.
type Publisher interface {
	Publish(t EventType, scope Scope, payload map[string]any)
}

// Nop discards all events. Used before a broadcaster is attached and in
// tests that don't assert on publishing.
type Nop struct{}

func (Nop) Publish(EventType, Scope, map[string]any) {}

const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	scopes map[Scope]bool // empty = all scopes
}

// Broadcaster fans events out to registered subscribers and appends them to
// the journal. It is an explicit registry owned by whoever constructs it;
// there is no package-level instance.
type Broadcaster struct {
	mu      sync.Mutex
	nextID  int
	seq     uint64
	subs    map[int]subscriber
	journal *Journal
	logger  cmtlog.Logger
}

// NewBroadcaster creates a broadcaster. The journal may be nil, in which
// case events are delivered to subscribers only.
func NewBroadcaster(journal *Journal, logger cmtlog.Logger) *Broadcaster {
	b := &Broadcaster{
		subs:    make(map[int]subscriber),
		journal: journal,
		logger:  logger,
	}
	if journal != nil {
		b.seq = journal.LastSeq()
	}
	return b
}

// Subscribe registers a listener for the given scopes (all scopes when none
// are given). The returned channel is buffered; events are dropped rather
// than blocking the publisher when a subscriber falls behind.
func (b *Broadcaster) Subscribe(scopes ...Scope) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	scopeSet := make(map[Scope]bool, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = true
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = subscriber{ch: ch, scopes: scopeSet}
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish assigns the event a sequence number, journals it, and offers it to
// every matching subscriber. Journal failures are logged, never returned.
func (b *Broadcaster) Publish(t EventType, scope Scope, payload map[string]any) {
	b.mu.Lock()
	b.seq++
	event := Event{
		Seq:     b.seq,
		Type:    t,
		Scope:   scope,
		At:      time.Now(),
		Payload: payload,
	}
	for _, sub := range b.subs {
		if len(sub.scopes) > 0 && !sub.scopes[scope] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber fell behind; it can catch up via ReplaySince.
		}
	}
	b.mu.Unlock()

	if b.journal != nil {
		if err := b.journal.Append(event); err != nil {
			b.logger.Error("Failed to journal event", "seq", event.Seq, "type", t, "err", err)
		}
	}
}

// ReplaySince returns journaled events with sequence numbers greater than
// seq, oldest first. Returns nil when no journal is attached.
func (b *Broadcaster) ReplaySince(seq uint64) ([]Event, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.ReplaySince(seq)
}
