package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestInfo identifies a review request and carries its mutable
// metadata from the platform.
type RequestInfo struct {
	Platform      string
	ProjectPath   string
	RequestNumber int
	Title         string
}

// ReviewCompletion describes the outcome of one finished review pass.
type ReviewCompletion struct {
	Type          string // "review" or "followup"
	DurationMs    int64
	Score         *float64
	Blocking      int
	Warnings      int
	Suggestions   int
	ThreadsOpened int
	ThreadsClosed int
}

// Manager owns the lifecycle state machines for all tracked requests.
// State is held in memory per project and written through the Store
// on every mutation (full-object rewrite, aggregates recomputed).
type Manager struct {
	store Store

	mu       sync.Mutex
	projects map[string]map[string]*Request // project key -> request id -> record

	now func() time.Time // overridable in tests
}

// NewManager creates a manager over the given store. Project state is
// loaded lazily on first touch.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		projects: make(map[string]map[string]*Request),
		now:      time.Now,
	}
}

// loadProject returns the in-memory record map for a project,
// populating it from the store on first access. Caller holds m.mu.
func (m *Manager) loadProject(projectKey string) (map[string]*Request, error) {
	if reqs, ok := m.projects[projectKey]; ok {
		return reqs, nil
	}
	reqs := make(map[string]*Request)
	data, err := m.store.Load(projectKey)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectKey, err)
	}
	if data != nil {
		records, err := decodeProject(data)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			reqs[r.ID] = r
		}
	}
	m.projects[projectKey] = reqs
	return reqs, nil
}

// saveProject writes a project's full record set through the store.
// Caller holds m.mu.
func (m *Manager) saveProject(projectKey string) error {
	reqs := m.projects[projectKey]
	records := make([]*Request, 0, len(reqs))
	for _, r := range reqs {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	data, err := encodeProject(records, m.now())
	if err != nil {
		return err
	}
	if err := m.store.Save(projectKey, data); err != nil {
		return fmt.Errorf("save project %s: %w", projectKey, err)
	}
	return nil
}

// get locates a record by id, loading its project if needed. Caller
// holds m.mu.
func (m *Manager) get(platform, projectPath string, requestNumber int) (*Request, string, error) {
	key := ProjectKey(platform, projectPath)
	reqs, err := m.loadProject(key)
	if err != nil {
		return nil, "", err
	}
	r, ok := reqs[RequestID(platform, projectPath, requestNumber)]
	if !ok {
		return nil, "", ErrNotTracked
	}
	return r, key, nil
}

// transition moves a record to a new state, failing loudly on an
// invalid move. A same-state transition is a silent no-op.
func (m *Manager) transition(r *Request, to State) error {
	if r.State == to {
		return nil
	}
	if !canTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s (request %s)", ErrInvalidTransition, r.State, to, r.ID)
	}
	r.State = to
	now := m.now()
	switch to {
	case StateApproved:
		r.ApprovedAt = &now
	case StateMerged:
		r.MergedAt = &now
	}
	return nil
}

// RecordAssignment creates or refreshes a record on reviewer
// assignment. A brand-new record starts in pending-review with all
// counters zero. Re-assignment of an existing record updates metadata
// and resets state to pending-review only from a terminal state: an
// in-flight review/fix cycle is never reset by re-assignment.
func (m *Manager) RecordAssignment(info RequestInfo, assignor Assignment) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ProjectKey(info.Platform, info.ProjectPath)
	reqs, err := m.loadProject(key)
	if err != nil {
		return nil, err
	}

	id := RequestID(info.Platform, info.ProjectPath, info.RequestNumber)
	now := m.now()
	if assignor.AssignedAt.IsZero() {
		assignor.AssignedAt = now
	}

	r, ok := reqs[id]
	if !ok {
		r = &Request{
			ID:            id,
			Platform:      info.Platform,
			ProjectPath:   info.ProjectPath,
			RequestNumber: info.RequestNumber,
			Title:         info.Title,
			Assignment:    assignor,
			State:         StatePendingReview,
			CreatedAt:     now,
			AutoFollowup:  true,
		}
		reqs[id] = r
	} else {
		r.Title = info.Title
		r.Assignment = assignor
		r.Archived = false
		if r.State.IsTerminal() {
			// Reopened or reused identifier: a new review cycle.
			r.State = StatePendingReview
			r.ApprovedAt = nil
			r.MergedAt = nil
		}
	}

	if err := m.saveProject(key); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// RecordReviewCompletion appends a review event, updates counters and
// thread bookkeeping, and moves the request to pending-fix (blocking
// issues or open threads remain) or pending-approval (clean).
func (m *Manager) RecordReviewCompletion(platform, projectPath string, requestNumber int, c ReviewCompletion) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, key, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return nil, err
	}
	if r.State.IsTerminal() {
		return nil, fmt.Errorf("%w: review completed on %s request %s", ErrInvalidTransition, r.State, r.ID)
	}

	// Decide the target state up front so a rejected transition leaves
	// the record untouched. A late-finishing follow-up on an approved
	// request must not smuggle its counters in.
	newOpenThreads := r.OpenThreads + c.ThreadsOpened - c.ThreadsClosed
	if newOpenThreads < 0 {
		newOpenThreads = 0
	}
	target := StatePendingApproval
	if c.Blocking > 0 || newOpenThreads > 0 {
		target = StatePendingFix
	}
	if r.State != target && !canTransition(r.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s (request %s)", ErrInvalidTransition, r.State, target, r.ID)
	}

	now := m.now()
	evType := c.Type
	if evType == "" {
		evType = "review"
	}
	r.Reviews = append(r.Reviews, ReviewEvent{
		ID:            uuid.NewString(),
		Type:          evType,
		At:            now,
		DurationMs:    c.DurationMs,
		Score:         c.Score,
		Blocking:      c.Blocking,
		Warnings:      c.Warnings,
		Suggestions:   c.Suggestions,
		ThreadsOpened: c.ThreadsOpened,
		ThreadsClosed: c.ThreadsClosed,
	})

	if evType == "followup" {
		r.TotalFollowups++
	} else {
		r.TotalReviews++
	}
	r.TotalBlocking += c.Blocking
	r.TotalWarnings += c.Warnings
	r.TotalSuggestions += c.Suggestions
	r.TotalDurationMs += c.DurationMs
	r.LastReviewAt = &now

	r.OpenThreads = newOpenThreads

	if c.Score != nil {
		r.LatestScore = *c.Score
	}
	r.recomputeScores()

	if err := m.transition(r, target); err != nil {
		return nil, err
	}

	if err := m.saveProject(key); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// RecordPush marks that new commits arrived on the request.
func (m *Manager) RecordPush(platform, projectPath string, requestNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, key, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return err
	}
	now := m.now()
	r.LastPushAt = &now
	return m.saveProject(key)
}

// NeedsFollowup reports whether a follow-up review is warranted: the
// request sits in pending-fix and a push arrived after the last
// review concluded. AutoFollowup=false does not change the result;
// callers honoring that flag must check the record themselves.
func (m *Manager) NeedsFollowup(platform, projectPath string, requestNumber int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, _, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return false, err
	}
	if r.State != StatePendingFix {
		return false, nil
	}
	if r.LastPushAt == nil || r.LastReviewAt == nil {
		return false, nil
	}
	return r.LastPushAt.After(*r.LastReviewAt), nil
}

// SyncThreadCounts overwrites thread bookkeeping from an
// authoritative platform source. Newly discovered open threads force
// pending-fix; a clean slate promotes pending-fix to pending-approval
// but never downgrades approved or later states.
func (m *Manager) SyncThreadCounts(platform, projectPath string, requestNumber, open, total int) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, key, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return nil, err
	}

	r.OpenThreads = open
	r.TotalThreads = total

	if open > 0 {
		switch r.State {
		case StatePendingReview, StatePendingFix, StatePendingApproval:
			if err := m.transition(r, StatePendingFix); err != nil {
				return nil, err
			}
		}
	} else if r.State == StatePendingFix {
		if err := m.transition(r, StatePendingApproval); err != nil {
			return nil, err
		}
	}

	if err := m.saveProject(key); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// RecordApproval moves the request to approved.
func (m *Manager) RecordApproval(platform, projectPath string, requestNumber int) (*Request, error) {
	return m.applyTransition(platform, projectPath, requestNumber, StateApproved)
}

// RecordMerge moves the request to merged.
func (m *Manager) RecordMerge(platform, projectPath string, requestNumber int) (*Request, error) {
	return m.applyTransition(platform, projectPath, requestNumber, StateMerged)
}

// RecordClose moves the request to closed without merging.
func (m *Manager) RecordClose(platform, projectPath string, requestNumber int) (*Request, error) {
	return m.applyTransition(platform, projectPath, requestNumber, StateClosed)
}

func (m *Manager) applyTransition(platform, projectPath string, requestNumber int, to State) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, key, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return nil, err
	}
	// Explicit events repeated on an already-terminal record are
	// invalid even when the target matches the current state.
	if r.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s -> %s (request %s)", ErrInvalidTransition, r.State, to, r.ID)
	}
	if err := m.transition(r, to); err != nil {
		return nil, err
	}
	if err := m.saveProject(key); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// Archive excludes a request from active listings while keeping its
// history. Used by close cleanup.
func (m *Manager) Archive(platform, projectPath string, requestNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, key, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return err
	}
	r.Archived = true
	return m.saveProject(key)
}

// Delete removes a request record entirely, history included.
func (m *Manager) Delete(platform, projectPath string, requestNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ProjectKey(platform, projectPath)
	reqs, err := m.loadProject(key)
	if err != nil {
		return err
	}
	id := RequestID(platform, projectPath, requestNumber)
	if _, ok := reqs[id]; !ok {
		return ErrNotTracked
	}
	delete(reqs, id)
	return m.saveProject(key)
}

// Get returns a copy of a tracked request.
func (m *Manager) Get(platform, projectPath string, requestNumber int) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, _, err := m.get(platform, projectPath, requestNumber)
	if err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// List returns copies of a project's non-archived requests, ordered
// by request number.
func (m *Manager) List(platform, projectPath string) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reqs, err := m.loadProject(ProjectKey(platform, projectPath))
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, r := range reqs {
		if r.Archived {
			continue
		}
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestNumber < out[j].RequestNumber })
	return out, nil
}

// Stats returns the current aggregates for a project, derived from
// the full record set.
func (m *Manager) Stats(platform, projectPath string) (ProjectStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reqs, err := m.loadProject(ProjectKey(platform, projectPath))
	if err != nil {
		return ProjectStats{}, err
	}
	records := make([]*Request, 0, len(reqs))
	for _, r := range reqs {
		records = append(records, r)
	}
	return ComputeStats(records), nil
}
