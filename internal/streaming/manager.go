package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/highlog/orchestrator/internal/metrics"
)

// Event types carried on a progress stream.
const (
	TypeProcessing = "processing"
	TypeComplete   = "complete"
	TypeError      = "error"
)

// Event is a progress event published by a pipeline and consumed over SSE
// or WebSocket.
type Event struct {
	StreamID  string                 `json:"-"`
	Type      string                 `json:"type"`
	Progress  int                    `json:"progress"`
	Reason    string                 `json:"reason,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Manager provides in-memory pub/sub for progress streams. Per stream it
// enforces monotonically non-decreasing progress and exactly one terminal
// event; publishes after the terminal event are dropped.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-stream ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	terminal map[string]bool
	highest  map[string]int
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity)
	})
	return defaultMgr
}

// NewManager creates an isolated manager; tests use this to avoid shared state.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		terminal:    make(map[string]bool),
		highest:     make(map[string]int),
		capacity:    capacity,
	}
}

// Configure sets ring capacity for streams created after the call.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	defaultCapacity = capacity
	if defaultMgr != nil {
		defaultMgr.mu.Lock()
		defaultMgr.capacity = capacity
		defaultMgr.mu.Unlock()
	}
}

// Subscribe adds a subscriber channel for a stream; caller must drain and
// call Unsubscribe.
func (m *Manager) Subscribe(streamID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[streamID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[streamID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(streamID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[streamID]; ok {
		if _, member := subs[ch]; !member {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, streamID)
		}
	}
}

// Publish sends an event to all subscribers of a stream (non-blocking).
// Progress regressions are clamped to the highest value already published;
// any event after the terminal one is dropped.
func (m *Manager) Publish(streamID string, evt Event) {
	m.mu.Lock()
	if m.terminal[streamID] {
		m.mu.Unlock()
		return
	}
	if evt.Type == TypeError {
		// terminal errors report progress 0 by contract
		evt.Progress = 0
		m.terminal[streamID] = true
	} else {
		if evt.Progress < m.highest[streamID] {
			evt.Progress = m.highest[streamID]
		} else {
			m.highest[streamID] = evt.Progress
		}
		if evt.Type == TypeComplete {
			m.terminal[streamID] = true
		}
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.StreamID = streamID

	rg := m.history[streamID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[streamID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[streamID]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
			metrics.StreamEventsDropped.Inc()
		}
	}
}

// Reset clears terminal and progress tracking for a stream so the same id
// can host a fresh run (re-ingest of the same record).
func (m *Manager) Reset(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.terminal, streamID)
	delete(m.highest, streamID)
	delete(m.history, streamID)
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(streamID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[streamID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher is a stream-bound convenience used by pipelines.
type Publisher struct {
	mgr *Manager
	id  string
}

// NewPublisher binds a publisher to a stream id and resets any prior run.
func (m *Manager) NewPublisher(streamID string) *Publisher {
	m.Reset(streamID)
	return &Publisher{mgr: m, id: streamID}
}

// Progress emits a processing event at the given percentage.
func (p *Publisher) Progress(pct int) {
	p.mgr.Publish(p.id, Event{Type: TypeProcessing, Progress: pct})
}

// ProgressWith emits a processing event with an attached payload.
func (p *Publisher) ProgressWith(pct int, payload map[string]interface{}) {
	p.mgr.Publish(p.id, Event{Type: TypeProcessing, Progress: pct, Payload: payload})
}

// Complete emits the terminal complete event.
func (p *Publisher) Complete(payload map[string]interface{}) {
	p.mgr.Publish(p.id, Event{Type: TypeComplete, Progress: 100, Payload: payload})
}

// Error emits the terminal error event.
func (p *Publisher) Error(reason string) {
	p.mgr.Publish(p.id, Event{Type: TypeError, Progress: 0, Reason: reason})
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
