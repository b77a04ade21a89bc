package queue

import (
	"sync"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/progress"
)

// Event is a queue notification that can be broadcast to subscribers.
type Event struct {
	Type          string          `json:"type"`
	TS            time.Time       `json:"ts"`
	Fingerprint   string          `json:"fingerprint"`
	ProjectPath   string          `json:"project_path"`
	RequestNumber int             `json:"request_number"`
	JobType       JobType         `json:"job_type,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Error         string          `json:"error,omitempty"`
	Progress      *progress.Model `json:"progress,omitempty"`
}

// Event types emitted by the queue.
const (
	EventJobQueued    = "job.queued"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobProgress  = "job.progress"
)

// Broadcaster manages event subscriptions and fan-out.
type Broadcaster interface {
	Subscribe(projectPath string) (int, <-chan Event)
	Unsubscribe(id int)
	Broadcast(event Event)
	SubscriberCount() int
}

type subscriber struct {
	id          int
	projectPath string // filter: only events for this project (empty = all)
	ch          chan Event
}

// EventBroadcaster implements Broadcaster with buffered per-subscriber
// channels. Sends never block: if a subscriber's channel is full the
// event is dropped for that subscriber.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subscribers: make(map[int]*subscriber),
		nextID:      1,
	}
}

// Subscribe adds a subscriber with an optional project filter and
// returns its id and event channel.
func (b *EventBroadcaster) Subscribe(projectPath string) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:          id,
		projectPath: projectPath,
		ch:          make(chan Event, 16),
	}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Broadcast sends an event to all matching subscribers.
func (b *EventBroadcaster) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.projectPath != "" && sub.projectPath != event.ProjectPath {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Channel full, drop for this subscriber.
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
