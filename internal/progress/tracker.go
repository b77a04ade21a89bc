package progress

import (
	"sync"
	"time"
)

// Source identifies which update channel produced a progress update.
// Reviewers emit free-text markers on stdout (the legacy path) and,
// when they support it, structured progress calls. Both may be active
// for the same job; structured wins once observed.
type Source int

const (
	SourceMarker Source = iota
	SourceStructured
)

// EventType classifies a discrete progress change.
type EventType string

const (
	EventAgentStarted   EventType = "agent:started"
	EventAgentCompleted EventType = "agent:completed"
	EventAgentFailed    EventType = "agent:failed"
	EventPhaseChanged   EventType = "phase:changed"
)

// Event is emitted for every real change to a tracked model. Snapshot
// is a deep copy taken at emission time.
type Event struct {
	Type        EventType
	Fingerprint string
	Agent       string
	Phase       Phase
	Error       string
	Snapshot    *Model
}

// Tracker reconciles both update channels into one canonical Model
// per job fingerprint. All methods are safe for concurrent use,
// though in practice each fingerprint has a single writer (the
// processor that owns the external process).
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*trackedJob
	now  func() time.Time // overridable in tests
}

type trackedJob struct {
	model          *Model
	structuredSeen bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs: make(map[string]*trackedJob),
		now:  time.Now,
	}
}

// Begin starts tracking a fingerprint with the given initial roster.
// Re-beginning an already-tracked fingerprint resets it.
func (t *Tracker) Begin(fingerprint string, agentNames []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[fingerprint] = &trackedJob{model: NewModel(agentNames)}
}

// Finish stops tracking a fingerprint and discards its model.
func (t *Tracker) Finish(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, fingerprint)
}

// Snapshot returns a deep copy of the model for a fingerprint, or
// nil if it is not tracked.
func (t *Tracker) Snapshot(fingerprint string) *Model {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fingerprint]
	if !ok {
		return nil
	}
	return j.model.Clone()
}

// accept reports whether an update from the given source should be
// applied, and records structured-channel presence. Marker updates
// are dropped once a structured update has been seen for the job.
func (j *trackedJob) accept(src Source) bool {
	if src == SourceStructured {
		j.structuredSeen = true
		return true
	}
	return !j.structuredSeen
}

// StartAgent records an agent starting. Returns a non-nil event when
// the update represents a real change.
func (t *Tracker) StartAgent(fingerprint string, src Source, name string) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fingerprint]
	if !ok || !j.accept(src) {
		return nil
	}
	if !j.model.StartAgent(name, t.now()) {
		return nil
	}
	return &Event{
		Type:        EventAgentStarted,
		Fingerprint: fingerprint,
		Agent:       name,
		Snapshot:    j.model.Clone(),
	}
}

// CompleteAgent records an agent finishing. A non-empty errMsg marks
// the agent failed.
func (t *Tracker) CompleteAgent(fingerprint string, src Source, name, errMsg string) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fingerprint]
	if !ok || !j.accept(src) {
		return nil
	}
	if !j.model.CompleteAgent(name, errMsg, t.now()) {
		return nil
	}
	typ := EventAgentCompleted
	if errMsg != "" {
		typ = EventAgentFailed
	}
	return &Event{
		Type:        typ,
		Fingerprint: fingerprint,
		Agent:       name,
		Error:       errMsg,
		Snapshot:    j.model.Clone(),
	}
}

// SetPhase records a phase change. Repeating the current phase emits
// nothing.
func (t *Tracker) SetPhase(fingerprint string, src Source, phase Phase) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fingerprint]
	if !ok || !j.accept(src) {
		return nil
	}
	if !j.model.SetPhase(phase, t.now()) {
		return nil
	}
	return &Event{
		Type:        EventPhaseChanged,
		Fingerprint: fingerprint,
		Phase:       phase,
		Snapshot:    j.model.Clone(),
	}
}

// MarkAllCompleted finalizes a successful run: every non-terminal
// agent completes, phase moves to completed, progress hits 100.
// Returns the final snapshot, or nil if untracked.
func (t *Tracker) MarkAllCompleted(fingerprint string) *Model {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fingerprint]
	if !ok {
		return nil
	}
	j.model.MarkAllCompleted(t.now())
	return j.model.Clone()
}

// MarkFailed finalizes a failed run: running agents are marked failed
// with the reason, pending agents are left alone. Returns the final
// snapshot, or nil if untracked.
func (t *Tracker) MarkFailed(fingerprint, reason string) *Model {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[fingerprint]
	if !ok {
		return nil
	}
	j.model.MarkFailed(reason, t.now())
	return j.model.Clone()
}
