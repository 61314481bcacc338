package maestro

import (
	"sync"
)

// EventType identifies the kind of stream message.
type EventType string

// Outbound event types.
const (
	EventConnected     EventType = "connected"
	EventPong          EventType = "pong"
	EventTaskStarted   EventType = "task_started"
	EventLog           EventType = "log"
	EventToolCall      EventType = "tool_call"
	EventProgress      EventType = "progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskError     EventType = "task_error"
	EventCancelled     EventType = "cancelled"
)

// Inbound message types.
const (
	EventPing        EventType = "ping"
	EventTask        EventType = "task"
	EventCancel      EventType = "cancel"
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
)

// Event is one typed stream message. Fields are populated per type.
type Event struct {
	Type     EventType       `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	TaskIDs  []string        `json:"task_ids,omitempty"` // subscribe/unsubscribe
	Message  string          `json:"message,omitempty"`  // task (inbound), log
	Level    string          `json:"level,omitempty"`    // log
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Summary  string          `json:"summary,omitempty"` // task_completed
	Error    string          `json:"error,omitempty"`   // task_error
	Code     Code            `json:"code,omitempty"`    // task_error
}

// subscriberBuffer is the per-subscriber channel depth. Sends block when a
// subscriber falls this far behind, preserving per-task order.
const subscriberBuffer = 256

// Subscriber is one connected stream client registered with a Hub.
type Subscriber struct {
	id   string
	ch   chan Event
	done chan struct{}

	// sending counts in-flight sends so Remove can close ch only after the
	// last sender has left.
	sending sync.WaitGroup

	mu           sync.Mutex
	tasks        map[string]struct{}
	activeTaskID string
	closed       bool
}

// Events is the ordered outbound event channel. Closed when the subscriber
// is removed from the hub.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// ID returns the subscriber's hub-assigned id.
func (s *Subscriber) ID() string { return s.id }

// SetActiveTask marks the task this client started. The hub cancels it when
// the client disconnects.
func (s *Subscriber) SetActiveTask(taskID string) {
	s.mu.Lock()
	s.activeTaskID = taskID
	s.mu.Unlock()
}

func (s *Subscriber) subscribedTo(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// send delivers an event in emission order. Drops when the subscriber is
// closed, including while blocked on a full buffer, so one stalled client
// can never wedge the hub. The lock is released before the channel send.
func (s *Subscriber) send(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Canceller cancels a running task by id. Satisfied by *Orchestrator.
type Canceller interface {
	Cancel(taskID string) bool
}

// Hub fans task events out to stream subscribers. Events for one task reach
// each subscriber in the order they were published.
type Hub struct {
	canceller Canceller

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewHub creates a Hub. canceller may be nil when disconnect cancellation is
// not needed (tests).
func NewHub(canceller Canceller) *Hub {
	return &Hub{canceller: canceller, subs: make(map[string]*Subscriber)}
}

// Add registers a new subscriber and delivers the connected event.
func (h *Hub) Add() *Subscriber {
	sub := &Subscriber{
		id:    NewID(),
		ch:    make(chan Event, subscriberBuffer),
		done:  make(chan struct{}),
		tasks: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	sub.send(Event{Type: EventConnected})
	return sub
}

// Remove unregisters a subscriber, closes its channel, and cancels its
// active task if it owns one. Safe to call more than once. Never waits on
// the subscriber's reader: closing done releases any sender first.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	active := sub.activeTaskID
	sub.mu.Unlock()

	close(sub.done)
	sub.sending.Wait()
	close(sub.ch)

	if active != "" && h.canceller != nil {
		h.canceller.Cancel(active)
	}
}

// Subscribe adds task ids to a subscriber's interest set.
func (h *Hub) Subscribe(sub *Subscriber, taskIDs ...string) {
	sub.mu.Lock()
	for _, id := range taskIDs {
		sub.tasks[id] = struct{}{}
	}
	sub.mu.Unlock()
}

// Unsubscribe removes task ids from a subscriber's interest set.
func (h *Hub) Unsubscribe(sub *Subscriber, taskIDs ...string) {
	sub.mu.Lock()
	for _, id := range taskIDs {
		delete(sub.tasks, id)
	}
	sub.mu.Unlock()
}

// Publish fans an event out to every subscriber of its task. Events without
// a task id go to all subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if ev.TaskID == "" || sub.subscribedTo(ev.TaskID) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.send(ev)
	}
}

// TaskCallbacks builds orchestrator callbacks that publish log, tool-call,
// and progress events for a task through the hub.
func (h *Hub) TaskCallbacks(taskID string) Callbacks {
	return Callbacks{
		OnLog: func(level, message string) {
			h.Publish(Event{Type: EventLog, TaskID: taskID, Level: level, Message: message})
		},
		OnToolCall: func(rec ToolCallRecord) {
			h.Publish(Event{Type: EventToolCall, TaskID: taskID, ToolCall: &rec})
		},
		OnProgress: func(fraction float64) {
			h.Publish(Event{Type: EventProgress, TaskID: taskID, Progress: fraction})
		},
	}
}
