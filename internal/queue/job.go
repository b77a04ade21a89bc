package queue

import (
	"fmt"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/progress"
)

// JobType distinguishes a first review pass from a follow-up pass
// triggered by new commits.
type JobType string

const (
	JobReview   JobType = "review"
	JobFollowup JobType = "followup"
)

// Job is the immutable per-enqueue descriptor for one review run.
// Created by the trigger layer; never mutated after enqueue.
type Job struct {
	Fingerprint   string  `json:"fingerprint"`
	Platform      string  `json:"platform"`
	ProjectPath   string  `json:"project_path"`
	RequestNumber int     `json:"request_number"`
	WorkDir       string  `json:"work_dir"`
	Skill         string  `json:"skill"`
	SourceBranch  string  `json:"source_branch"`
	TargetBranch  string  `json:"target_branch"`
	Type          JobType `json:"type,omitempty"`
	Title         string  `json:"title,omitempty"`
	Assignor      string  `json:"assignor,omitempty"`

	// Timeout overrides the queue's default per-job wall-clock limit.
	// Zero uses the default. Set from per-repo config by the trigger
	// layer.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Fingerprint derives the dedup/concurrency key for a review request.
func Fingerprint(platform, projectPath string, requestNumber int) string {
	return fmt.Sprintf("%s-%s-%d", platform, projectPath, requestNumber)
}

// Status is the queue-side state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// JobStatus is the mutable record the queue keeps for one run. It
// lives in the active map while queued/running, then moves to the
// recent ring once terminal. Never persisted.
type JobStatus struct {
	Job         Job             `json:"job"`
	Status      Status          `json:"status"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Progress    *progress.Model `json:"progress,omitempty"`
}

// clone returns a copy safe to hand to consumers.
func (js *JobStatus) clone() JobStatus {
	cp := *js
	if js.StartedAt != nil {
		t := *js.StartedAt
		cp.StartedAt = &t
	}
	if js.CompletedAt != nil {
		t := *js.CompletedAt
		cp.CompletedAt = &t
	}
	if js.Progress != nil {
		cp.Progress = js.Progress.Clone()
	}
	return cp
}
