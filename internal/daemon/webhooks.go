package daemon

import (
	"fmt"
	"net/http"

	"github.com/mergehawk-dev/mergehawk/internal/config"
	"github.com/mergehawk-dev/mergehawk/internal/tracker"
)

// Webhook payloads arrive pre-verified and pre-parsed from the
// platform adapter sitting in front of the daemon. Signature checks
// and raw payload decoding happen there, not here.

// WebhookTarget identifies the review request a webhook refers to.
type WebhookTarget struct {
	Platform      string `json:"platform"`
	ProjectPath   string `json:"project_path"`
	RequestNumber int    `json:"request_number"`
}

func (t WebhookTarget) validate(w http.ResponseWriter) bool {
	if t.Platform == "" || t.ProjectPath == "" || t.RequestNumber <= 0 {
		writeError(w, http.StatusBadRequest, "platform, project_path and request_number are required")
		return false
	}
	return true
}

// AssignmentPayload is delivered when a reviewer is assigned to a
// merge request.
type AssignmentPayload struct {
	WebhookTarget
	Title               string `json:"title,omitempty"`
	AssignorUsername    string `json:"assignor_username"`
	AssignorDisplayName string `json:"assignor_display_name,omitempty"`
	WorkDir             string `json:"work_dir"`
	SourceBranch        string `json:"source_branch"`
	TargetBranch        string `json:"target_branch"`
	Skill               string `json:"skill,omitempty"`
}

// PushPayload is delivered when new commits land on a tracked request.
// Branch and workdir fields let the daemon spawn an automatic
// follow-up review without another round trip.
type PushPayload struct {
	WebhookTarget
	WorkDir      string `json:"work_dir"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

// ReviewCompletedPayload reports the outcome of a finished review pass.
type ReviewCompletedPayload struct {
	WebhookTarget
	Type          string   `json:"type,omitempty"` // "review" or "followup"
	DurationMs    int64    `json:"duration_ms"`
	Score         *float64 `json:"score,omitempty"`
	Blocking      int      `json:"blocking"`
	Warnings      int      `json:"warnings"`
	Suggestions   int      `json:"suggestions"`
	ThreadsOpened int      `json:"threads_opened"`
	ThreadsClosed int      `json:"threads_closed"`
}

// ThreadsPayload carries authoritative thread counts from the platform.
type ThreadsPayload struct {
	WebhookTarget
	Open  int `json:"open"`
	Total int `json:"total"`
}

func (s *Server) handleWebhookAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p AssignmentPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if !p.validate(w) {
		return
	}
	if p.AssignorUsername == "" {
		writeError(w, http.StatusBadRequest, "assignor_username is required")
		return
	}

	rec, err := s.tracker.RecordAssignment(tracker.RequestInfo{
		Platform:      p.Platform,
		ProjectPath:   p.ProjectPath,
		RequestNumber: p.RequestNumber,
		Title:         p.Title,
	}, tracker.Assignment{
		Username:    p.AssignorUsername,
		DisplayName: p.AssignorDisplayName,
	})
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	s.activityLog.Log("request.assigned", "tracker",
		fmt.Sprintf("%s !%d assigned by %s", p.ProjectPath, p.RequestNumber, p.AssignorUsername), nil)

	fp, accepted := s.enqueueReview(EnqueueRequest{
		Platform:      p.Platform,
		ProjectPath:   p.ProjectPath,
		RequestNumber: p.RequestNumber,
		WorkDir:       p.WorkDir,
		Skill:         p.Skill,
		SourceBranch:  p.SourceBranch,
		TargetBranch:  p.TargetBranch,
		Title:         p.Title,
		Assignor:      p.AssignorUsername,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":     rec,
		"fingerprint": fp,
		"enqueued":    accepted,
	})
}

func (s *Server) handleWebhookPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p PushPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if !p.validate(w) {
		return
	}

	if err := s.tracker.RecordPush(p.Platform, p.ProjectPath, p.RequestNumber); err != nil {
		writeTrackerError(w, err)
		return
	}

	needed, err := s.tracker.NeedsFollowup(p.Platform, p.ProjectPath, p.RequestNumber)
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	enqueued := false
	var fp string
	if needed && s.autoFollowupEnabled(p) {
		fp, enqueued = s.enqueueReview(EnqueueRequest{
			Platform:      p.Platform,
			ProjectPath:   p.ProjectPath,
			RequestNumber: p.RequestNumber,
			WorkDir:       p.WorkDir,
			SourceBranch:  p.SourceBranch,
			TargetBranch:  p.TargetBranch,
			Followup:      true,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"followup_needed": needed,
		"enqueued":        enqueued,
		"fingerprint":     fp,
	})
}

// autoFollowupEnabled checks the tracked record's flag, letting a
// per-repo .mergehawk.toml override it.
func (s *Server) autoFollowupEnabled(p PushPayload) bool {
	if p.WorkDir != "" {
		if repoCfg, err := config.LoadRepoConfig(p.WorkDir); err == nil && repoCfg != nil && repoCfg.AutoFollowup != nil {
			return *repoCfg.AutoFollowup
		}
	}
	rec, err := s.tracker.Get(p.Platform, p.ProjectPath, p.RequestNumber)
	if err != nil {
		return false
	}
	return rec.AutoFollowup
}

func (s *Server) handleWebhookReviewCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p ReviewCompletedPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if !p.validate(w) {
		return
	}

	rec, err := s.tracker.RecordReviewCompletion(p.Platform, p.ProjectPath, p.RequestNumber, tracker.ReviewCompletion{
		Type:          p.Type,
		DurationMs:    p.DurationMs,
		Score:         p.Score,
		Blocking:      p.Blocking,
		Warnings:      p.Warnings,
		Suggestions:   p.Suggestions,
		ThreadsOpened: p.ThreadsOpened,
		ThreadsClosed: p.ThreadsClosed,
	})
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	s.activityLog.Log("request.reviewed", "tracker",
		fmt.Sprintf("%s !%d now %s", p.ProjectPath, p.RequestNumber, rec.State), nil)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWebhookApproval(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleWebhook(w, r, "request.approved", s.tracker.RecordApproval)
}

func (s *Server) handleWebhookMerge(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleWebhook(w, r, "request.merged", s.tracker.RecordMerge)
}

func (s *Server) handleWebhookClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p WebhookTarget
	if !decodeBody(w, r, &p) {
		return
	}
	if !p.validate(w) {
		return
	}

	rec, err := s.tracker.RecordClose(p.Platform, p.ProjectPath, p.RequestNumber)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	// Closed requests drop out of active listings but keep their
	// review history.
	if err := s.tracker.Archive(p.Platform, p.ProjectPath, p.RequestNumber); err != nil {
		writeTrackerError(w, err)
		return
	}
	s.activityLog.Log("request.closed", "tracker",
		fmt.Sprintf("%s !%d closed", p.ProjectPath, p.RequestNumber), nil)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLifecycleWebhook(w http.ResponseWriter, r *http.Request, event string,
	apply func(platform, projectPath string, requestNumber int) (*tracker.Request, error)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p WebhookTarget
	if !decodeBody(w, r, &p) {
		return
	}
	if !p.validate(w) {
		return
	}

	rec, err := apply(p.Platform, p.ProjectPath, p.RequestNumber)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	s.activityLog.Log(event, "tracker",
		fmt.Sprintf("%s !%d now %s", p.ProjectPath, p.RequestNumber, rec.State), nil)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWebhookThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p ThreadsPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if !p.validate(w) {
		return
	}

	rec, err := s.tracker.SyncThreadCounts(p.Platform, p.ProjectPath, p.RequestNumber, p.Open, p.Total)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
