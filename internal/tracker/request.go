package tracker

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a tracked review request.
type State string

const (
	StatePendingReview   State = "pending-review"
	StatePendingFix      State = "pending-fix"
	StatePendingApproval State = "pending-approval"
	StateApproved        State = "approved"
	StateMerged          State = "merged"
	StateClosed          State = "closed"
)

// ErrInvalidTransition is returned when a lifecycle operation would
// move a request to a state its current state does not permit.
// Callers must not be able to silently corrupt lifecycle state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotTracked is returned for operations on an unknown request id.
var ErrNotTracked = errors.New("request not tracked")

// validTransitions maps each state to the states it may move to.
// Terminal states have no successors; re-assignment of a terminal
// request is a new cycle, not a transition, and is handled by
// RecordAssignment directly.
var validTransitions = map[State][]State{
	StatePendingReview:   {StatePendingFix, StatePendingApproval, StateClosed},
	StatePendingFix:      {StatePendingApproval, StateClosed},
	StatePendingApproval: {StateApproved, StatePendingFix, StateClosed},
	StateApproved:        {StateMerged, StateClosed},
	StateMerged:          {},
	StateClosed:          {},
}

// IsTerminal reports whether s permits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateMerged || s == StateClosed
}

// canTransition reports whether from -> to is permitted. Same-state
// "transitions" are treated as no-ops by callers, not validated here.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RequestID derives the tracking key for a review request.
func RequestID(platform, projectPath string, requestNumber int) string {
	return fmt.Sprintf("%s-%s-%d", platform, projectPath, requestNumber)
}

// ProjectKey derives the persistence key grouping requests of one
// project on one platform.
func ProjectKey(platform, projectPath string) string {
	return fmt.Sprintf("%s-%s", platform, projectPath)
}

// Assignment records who asked for the review.
type Assignment struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// ReviewEvent is one completed review pass, appended to the request's
// history log.
type ReviewEvent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // "review" or "followup"
	At            time.Time `json:"at"`
	DurationMs    int64     `json:"duration_ms"`
	Score         *float64  `json:"score,omitempty"`
	Blocking      int       `json:"blocking"`
	Warnings      int       `json:"warnings"`
	Suggestions   int       `json:"suggestions"`
	ThreadsOpened int       `json:"threads_opened"`
	ThreadsClosed int       `json:"threads_closed"`
}

// Request is the durable record for one merge request under review.
type Request struct {
	ID            string     `json:"id"`
	Platform      string     `json:"platform"`
	ProjectPath   string     `json:"project_path"`
	RequestNumber int        `json:"request_number"`
	Title         string     `json:"title,omitempty"`
	Assignment    Assignment `json:"assignment"`
	State         State      `json:"state"`

	OpenThreads  int `json:"open_threads"`
	TotalThreads int `json:"total_threads"`

	CreatedAt    time.Time  `json:"created_at"`
	LastReviewAt *time.Time `json:"last_review_at,omitempty"`
	LastPushAt   *time.Time `json:"last_push_at,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`

	Reviews []ReviewEvent `json:"reviews"`

	TotalReviews     int     `json:"total_reviews"`
	TotalFollowups   int     `json:"total_followups"`
	TotalBlocking    int     `json:"total_blocking"`
	TotalWarnings    int     `json:"total_warnings"`
	TotalSuggestions int     `json:"total_suggestions"`
	TotalDurationMs  int64   `json:"total_duration_ms"`
	AverageScore     float64 `json:"average_score"`
	LatestScore      float64 `json:"latest_score"`

	AutoFollowup bool `json:"auto_followup"`

	// Archived requests keep their history but are excluded from
	// active listings. The source system hard-deleted on close; we
	// keep the record and make deletion explicit.
	Archived bool `json:"archived,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (r *Request) clone() *Request {
	cp := *r
	cp.Reviews = make([]ReviewEvent, len(r.Reviews))
	copy(cp.Reviews, r.Reviews)
	for i := range cp.Reviews {
		if r.Reviews[i].Score != nil {
			s := *r.Reviews[i].Score
			cp.Reviews[i].Score = &s
		}
	}
	cp.LastReviewAt = cloneTime(r.LastReviewAt)
	cp.LastPushAt = cloneTime(r.LastPushAt)
	cp.ApprovedAt = cloneTime(r.ApprovedAt)
	cp.MergedAt = cloneTime(r.MergedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// recomputeScores rebuilds the score aggregates from the full review
// log. Always derived, never drifted incrementally.
func (r *Request) recomputeScores() {
	var sum float64
	var n int
	for _, ev := range r.Reviews {
		if ev.Score == nil {
			continue
		}
		sum += *ev.Score
		n++
	}
	if n == 0 {
		r.AverageScore = 0
		return
	}
	r.AverageScore = sum / float64(n)
}

// ProjectStats is the aggregate view for one project. Recomputed from
// the full record set on every save.
type ProjectStats struct {
	TotalRequests        int             `json:"total_requests"`
	TotalReviews         int             `json:"total_reviews"`
	TotalFollowups       int             `json:"total_followups"`
	AvgReviewsPerRequest float64         `json:"avg_reviews_per_request"`
	AvgTimeToApprovalMs  int64           `json:"avg_time_to_approval_ms"`
	TopAssignors         []AssignorCount `json:"top_assignors,omitempty"`
}

// AssignorCount pairs an assignor username with how many requests
// they assigned.
type AssignorCount struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}
