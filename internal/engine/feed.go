package engine

import (
	"sync"
	"time"

	"arbiter/internal/domain"
)

// EventType discriminates feed entries.
type EventType string

const (
	EventResolution EventType = "resolution"
	EventCycle      EventType = "cycle"
)

// Event is one entry in the append-only observability feed consumed by
// collaborators, either a resolved conflict or a sync-cycle summary.
type Event struct {
	Seq     uint64                    `json:"seq"`
	Type    EventType                 `json:"type"`
	At      time.Time                 `json:"at"`
	Outcome *domain.ResolutionOutcome `json:"outcome,omitempty"`
	Cycle   *domain.CycleSummary      `json:"cycle,omitempty"`
}

// Feed is an append-only event log with both poll and subscription access.
// Appends are cheap; subscribers that fall behind have events dropped rather
// than ever blocking the scheduler.
type Feed struct {
	mu     sync.RWMutex
	events []Event
	nextID uint64
	subs   map[int]chan Event
	subID  int
}

func NewFeed() *Feed {
	return &Feed{nextID: 1, subs: make(map[int]chan Event)}
}

// AppendOutcome assigns the outcome its sequence number and publishes it.
func (f *Feed) AppendOutcome(o domain.ResolutionOutcome) domain.ResolutionOutcome {
	f.mu.Lock()
	o.Seq = f.nextID
	ev := Event{Seq: f.nextID, Type: EventResolution, At: o.ResolvedAt, Outcome: &o}
	f.nextID++
	f.events = append(f.events, ev)
	f.notifyLocked(ev)
	f.mu.Unlock()
	return o
}

// AppendCycle publishes a sync-cycle summary.
func (f *Feed) AppendCycle(s domain.CycleSummary) {
	f.mu.Lock()
	ev := Event{Seq: f.nextID, Type: EventCycle, At: s.StartedAt, Cycle: &s}
	f.nextID++
	f.events = append(f.events, ev)
	f.notifyLocked(ev)
	f.mu.Unlock()
}

// After returns up to limit events with Seq > after, oldest first.
func (f *Feed) After(after uint64, limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	for _, ev := range f.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Subscribe returns a channel of future events and a cancel func. The
// channel is buffered; events are dropped for slow consumers.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.subID
	f.subID++
	ch := make(chan Event, 64)
	f.subs[id] = ch
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// OutcomesSince counts resolution events with Seq > after.
func (f *Feed) OutcomesSince(after uint64) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, ev := range f.events {
		if ev.Seq > after && ev.Type == EventResolution {
			n++
		}
	}
	return n
}

// LastSeq returns the sequence number of the newest event, 0 when empty.
func (f *Feed) LastSeq() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nextID - 1
}

func (f *Feed) notifyLocked(ev Event) {
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
