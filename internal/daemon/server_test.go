package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/config"
	"github.com/mergehawk-dev/mergehawk/internal/queue"
	"github.com/mergehawk-dev/mergehawk/internal/storage"
	"github.com/mergehawk-dev/mergehawk/internal/tracker"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MERGEHAWK_DATA_DIR", dir)

	db, err := storage.Open(filepath.Join(dir, "requests.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(db, cfg, filepath.Join(dir, "config.toml"))
	// No hot reload in tests; serve the boot config directly.
	s.config = NewStaticConfig(cfg)
	t.Cleanup(func() {
		s.queue.Stop()
		if s.activityLog != nil {
			s.activityLog.Close()
		}
	})
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeResp(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func assignmentPayload(n int) AssignmentPayload {
	return AssignmentPayload{
		WebhookTarget: WebhookTarget{
			Platform:      "gitlab",
			ProjectPath:   "team/api",
			RequestNumber: n,
		},
		Title:            "Add rate limiting",
		AssignorUsername: "alice",
		WorkDir:          "/tmp/checkout",
		SourceBranch:     "feature/rate-limit",
		TargetBranch:     "main",
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	decodeResp(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodGet, "/api/enqueue", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/enqueue", EnqueueRequest{Platform: "gitlab"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: expected 400, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/enqueue", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestEnqueueAndDuplicate(t *testing.T) {
	// Queue deliberately not started: the job stays queued, so the
	// second submission must be rejected as a duplicate.
	s := newTestServer(t, nil)

	body := EnqueueRequest{
		Platform:      "gitlab",
		ProjectPath:   "team/api",
		RequestNumber: 7,
		SourceBranch:  "feature/x",
		TargetBranch:  "main",
	}
	w := doJSON(t, s, http.MethodPost, "/api/enqueue", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Fingerprint string `json:"fingerprint"`
		Enqueued    bool   `json:"enqueued"`
		Reason      string `json:"reason"`
	}
	decodeResp(t, w, &resp)
	if !resp.Enqueued {
		t.Fatal("expected job to be enqueued")
	}
	if want := queue.Fingerprint("gitlab", "team/api", 7); resp.Fingerprint != want {
		t.Errorf("fingerprint = %q, want %q", resp.Fingerprint, want)
	}

	w = doJSON(t, s, http.MethodPost, "/api/enqueue", body)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", w.Code)
	}
	decodeResp(t, w, &resp)
	if resp.Enqueued || resp.Reason != "duplicate" {
		t.Errorf("expected duplicate rejection, got enqueued=%v reason=%q", resp.Enqueued, resp.Reason)
	}
}

func TestEnqueueResolvesRepoTimeout(t *testing.T) {
	s := newTestServer(t, nil)

	workDir := t.TempDir()
	cfgPath := filepath.Join(workDir, ".mergehawk.toml")
	if err := os.WriteFile(cfgPath, []byte("job_timeout_minutes = 90\n"), 0644); err != nil {
		t.Fatalf("write repo config: %v", err)
	}

	w := doJSON(t, s, http.MethodPost, "/api/enqueue", EnqueueRequest{
		Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 21,
		WorkDir: workDir, SourceBranch: "f", TargetBranch: "main",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	act := s.queue.ActivitySnapshot()
	if len(act.Active) != 1 {
		t.Fatalf("expected 1 active job, got %d", len(act.Active))
	}
	if got, want := act.Active[0].Job.Timeout, 90*time.Minute; got != want {
		t.Errorf("job timeout = %s, want %s", got, want)
	}

	// Without a repo override the global timeout applies.
	w = doJSON(t, s, http.MethodPost, "/api/enqueue", EnqueueRequest{
		Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 22,
		WorkDir: t.TempDir(), SourceBranch: "f", TargetBranch: "main",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	for _, js := range s.queue.ActivitySnapshot().Active {
		if js.Job.RequestNumber != 22 {
			continue
		}
		if got, want := js.Job.Timeout, 30*time.Minute; got != want {
			t.Errorf("default job timeout = %s, want %s", got, want)
		}
	}
}

func TestCancelEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/cancel", map[string]string{"fingerprint": "nope"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown fingerprint: expected 404, got %d", w.Code)
	}

	doJSON(t, s, http.MethodPost, "/api/enqueue", EnqueueRequest{
		Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 3,
		SourceBranch: "f", TargetBranch: "main",
	})
	w = doJSON(t, s, http.MethodPost, "/api/cancel", map[string]string{
		"fingerprint": queue.Fingerprint("gitlab", "team/api", 3),
	})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestActivityEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	doJSON(t, s, http.MethodPost, "/api/enqueue", EnqueueRequest{
		Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 9,
		SourceBranch: "f", TargetBranch: "main",
	})

	w := doJSON(t, s, http.MethodGet, "/api/activity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Queue queue.Activity  `json:"queue"`
		Log   []ActivityEntry `json:"log"`
	}
	decodeResp(t, w, &resp)
	if len(resp.Queue.Active) != 1 {
		t.Errorf("expected 1 active job, got %d", len(resp.Queue.Active))
	}
	if len(resp.Log) == 0 {
		t.Error("expected activity log entries")
	}
}

func TestWebhookAssignmentCreatesAndEnqueues(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(42))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Request  *tracker.Request `json:"request"`
		Enqueued bool             `json:"enqueued"`
	}
	decodeResp(t, w, &resp)
	if resp.Request.State != tracker.StatePendingReview {
		t.Errorf("state = %s, want pending-review", resp.Request.State)
	}
	if !resp.Enqueued {
		t.Error("expected review job to be enqueued")
	}

	w = doJSON(t, s, http.MethodGet, "/api/request?platform=gitlab&project=team/api&number=42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get request: expected 200, got %d", w.Code)
	}
}

func TestWebhookReviewCompletedTransitions(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(5))

	w := doJSON(t, s, http.MethodPost, "/api/webhook/review-completed", ReviewCompletedPayload{
		WebhookTarget: WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 5},
		DurationMs:    90_000,
		Blocking:      2,
		Warnings:      1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec tracker.Request
	decodeResp(t, w, &rec)
	if rec.State != tracker.StatePendingFix {
		t.Errorf("state = %s, want pending-fix", rec.State)
	}
	if rec.TotalBlocking != 2 {
		t.Errorf("TotalBlocking = %d, want 2", rec.TotalBlocking)
	}
}

func TestWebhookReviewCompletedUntracked(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/api/webhook/review-completed", ReviewCompletedPayload{
		WebhookTarget: WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 99},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWebhookMergeConflictAfterTerminal(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(6))
	target := WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 6}

	doJSON(t, s, http.MethodPost, "/api/webhook/review-completed", ReviewCompletedPayload{WebhookTarget: target})
	doJSON(t, s, http.MethodPost, "/api/webhook/approval", target)
	w := doJSON(t, s, http.MethodPost, "/api/webhook/merge", target)
	if w.Code != http.StatusOK {
		t.Fatalf("merge: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, "/api/webhook/merge", target)
	if w.Code != http.StatusConflict {
		t.Errorf("merge after merged: expected 409, got %d", w.Code)
	}
}

func TestWebhookCloseArchives(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(8))
	target := WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 8}

	w := doJSON(t, s, http.MethodPost, "/api/webhook/close", target)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Archived on close: gone from listings, history retained.
	w = doJSON(t, s, http.MethodGet, "/api/requests?platform=gitlab&project=team/api", nil)
	var resp struct {
		Requests []*tracker.Request `json:"requests"`
	}
	decodeResp(t, w, &resp)
	if len(resp.Requests) != 0 {
		t.Errorf("expected no listed requests, got %d", len(resp.Requests))
	}
	w = doJSON(t, s, http.MethodGet, "/api/request?platform=gitlab&project=team/api&number=8", nil)
	if w.Code != http.StatusOK {
		t.Errorf("archived record should still be fetchable, got %d", w.Code)
	}
}

func TestWebhookThreadsSync(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(10))
	target := WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 10}

	w := doJSON(t, s, http.MethodPost, "/api/webhook/threads", ThreadsPayload{WebhookTarget: target, Open: 2, Total: 4})
	var rec tracker.Request
	decodeResp(t, w, &rec)
	if rec.State != tracker.StatePendingFix || rec.OpenThreads != 2 {
		t.Errorf("after open threads: state=%s open=%d", rec.State, rec.OpenThreads)
	}

	w = doJSON(t, s, http.MethodPost, "/api/webhook/threads", ThreadsPayload{WebhookTarget: target, Open: 0, Total: 4})
	decodeResp(t, w, &rec)
	if rec.State != tracker.StatePendingApproval {
		t.Errorf("after resolve: state=%s, want pending-approval", rec.State)
	}
}

func TestDeleteRequest(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(11))

	w := doJSON(t, s, http.MethodPost, "/api/request/delete", map[string]interface{}{
		"platform": "gitlab", "project_path": "team/api", "request_number": 11,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, http.MethodGet, "/api/request?platform=gitlab&project=team/api&number=11", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestWebhookPushTriggersFollowup(t *testing.T) {
	// Reviewer command fails fast so the first job leaves no dedup
	// marker and the follow-up can be enqueued.
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.ReviewerCmd = "false"
	})
	s.queue.Start()

	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(12))
	waitQueueIdle(t, s.queue, 5*time.Second)

	target := WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 12}
	doJSON(t, s, http.MethodPost, "/api/webhook/review-completed", ReviewCompletedPayload{
		WebhookTarget: target,
		Blocking:      1,
	})

	w := doJSON(t, s, http.MethodPost, "/api/webhook/push", PushPayload{
		WebhookTarget: target,
		WorkDir:       "/tmp/checkout",
		SourceBranch:  "feature/rate-limit",
		TargetBranch:  "main",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("push: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		FollowupNeeded bool   `json:"followup_needed"`
		Enqueued       bool   `json:"enqueued"`
		Fingerprint    string `json:"fingerprint"`
	}
	decodeResp(t, w, &resp)
	if !resp.FollowupNeeded {
		t.Fatal("expected follow-up to be needed")
	}
	if !resp.Enqueued {
		t.Fatal("expected follow-up job to be enqueued")
	}

	// The follow-up shows up in the followups listing too.
	w = doJSON(t, s, http.MethodGet, "/api/followups?platform=gitlab&project=team/api", nil)
	var fu struct {
		Followups []*tracker.Request `json:"followups"`
	}
	decodeResp(t, w, &fu)
	if len(fu.Followups) != 1 {
		t.Errorf("expected 1 pending follow-up, got %d", len(fu.Followups))
	}
}

func TestWebhookPushNoFollowupWhenClean(t *testing.T) {
	s := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/api/webhook/assignment", assignmentPayload(13))

	// Still pending-review: a push alone never warrants a follow-up.
	w := doJSON(t, s, http.MethodPost, "/api/webhook/push", PushPayload{
		WebhookTarget: WebhookTarget{Platform: "gitlab", ProjectPath: "team/api", RequestNumber: 13},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		FollowupNeeded bool `json:"followup_needed"`
		Enqueued       bool `json:"enqueued"`
	}
	decodeResp(t, w, &resp)
	if resp.FollowupNeeded || resp.Enqueued {
		t.Errorf("expected no follow-up, got needed=%v enqueued=%v", resp.FollowupNeeded, resp.Enqueued)
	}
}

func waitQueueIdle(t *testing.T, q *queue.Queue, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(q.ActivitySnapshot().Active) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue did not drain in time")
}

// safeRecorder guards httptest.ResponseRecorder for use from the
// streaming handler goroutine.
type safeRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (s *safeRecorder) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResponseRecorder.Write(p)
}

func (s *safeRecorder) bodyString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Body.String()
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream/events", nil).WithContext(ctx)
	w := &safeRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Handler().ServeHTTP(w, req)
	}()

	// Wait for the subscription, then publish an event through the
	// broadcaster the queue uses.
	deadline := time.Now().Add(2 * time.Second)
	for s.queue.Broadcaster().SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.queue.Broadcaster().Broadcast(queue.Event{
		Type:        queue.EventJobQueued,
		Fingerprint: "gitlab-team/api-1",
		ProjectPath: "team/api",
	})

	for !strings.Contains(w.bodyString(), "job.queued") {
		if time.Now().After(deadline) {
			t.Fatalf("event never streamed, body: %q", w.bodyString())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on client disconnect")
	}

	var ev queue.Event
	line := strings.SplitN(strings.TrimSpace(w.bodyString()), "\n", 2)[0]
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("stream line not valid JSON: %v", err)
	}
	if ev.Type != queue.EventJobQueued {
		t.Errorf("event type = %q, want job.queued", ev.Type)
	}
}

func TestProjectParamValidation(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{
		"/api/requests",
		"/api/followups",
		fmt.Sprintf("/api/request?platform=gitlab&project=team/api&number=%s", "abc"),
	} {
		w := doJSON(t, s, http.MethodGet, path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}
