package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/config"
	"github.com/mergehawk-dev/mergehawk/internal/progress"
	"github.com/mergehawk-dev/mergehawk/internal/queue"
	"github.com/mergehawk-dev/mergehawk/internal/runner"
	"github.com/mergehawk-dev/mergehawk/internal/storage"
	"github.com/mergehawk-dev/mergehawk/internal/tracker"
)

// Server is the HTTP API server for the daemon. It owns the review
// queue, the request tracker, and the runner, and exposes them to the
// CLI and to platform webhooks.
type Server struct {
	db            *storage.DB
	tracker       *tracker.Manager
	queue         *queue.Queue
	runner        *runner.Runner
	config        ConfigGetter
	configWatcher *ConfigWatcher
	activityLog   *ActivityLog
	httpServer    *http.Server
	startTime     time.Time

	eventSubID int
}

// NewServer creates a daemon server wired to the given database.
func NewServer(db *storage.DB, cfg *config.Config, configPath string) *Server {
	activityLog, err := NewActivityLog(DefaultActivityLogPath())
	if err != nil {
		log.Printf("Warning: failed to create activity log: %v", err)
	}

	configWatcher := NewConfigWatcher(configPath, cfg, activityLog)

	broadcaster := queue.NewBroadcaster()
	q := queue.New(queue.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		DedupWindow:   time.Duration(cfg.DedupWindowMinutes) * time.Minute,
		JobTimeout:    time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
	}, broadcaster)

	run := runner.New(runner.Options{
		ReviewerCmd: cfg.ReviewerCmd,
		KillGrace:   time.Duration(cfg.KillGraceSeconds) * time.Second,
		MemLimitMB:  cfg.MaxReviewerMemoryMB,
		MemInterval: time.Duration(cfg.MemorySampleSeconds) * time.Second,
	}, progress.NewTracker(), q)

	s := &Server{
		db:            db,
		tracker:       tracker.NewManager(db),
		queue:         q,
		runner:        run,
		config:        configWatcher,
		configWatcher: configWatcher,
		activityLog:   activityLog,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/enqueue", s.handleEnqueue)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/activity", s.handleActivity)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/requests", s.handleListRequests)
	mux.HandleFunc("/api/request", s.handleGetRequest)
	mux.HandleFunc("/api/request/delete", s.handleDeleteRequest)
	mux.HandleFunc("/api/followups", s.handleFollowups)
	mux.HandleFunc("/api/stream/events", s.handleStreamEvents)
	mux.HandleFunc("/api/webhook/assignment", s.handleWebhookAssignment)
	mux.HandleFunc("/api/webhook/push", s.handleWebhookPush)
	mux.HandleFunc("/api/webhook/review-completed", s.handleWebhookReviewCompleted)
	mux.HandleFunc("/api/webhook/approval", s.handleWebhookApproval)
	mux.HandleFunc("/api/webhook/merge", s.handleWebhookMerge)
	mux.HandleFunc("/api/webhook/close", s.handleWebhookClose)
	mux.HandleFunc("/api/webhook/threads", s.handleWebhookThreads)

	s.httpServer = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: mux,
	}

	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Tracker returns the request lifecycle manager.
func (s *Server) Tracker() *tracker.Manager { return s.tracker }

// Queue returns the review job queue.
func (s *Server) Queue() *queue.Queue { return s.queue }

// Start runs the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	if info, err := ReadRuntime(); err == nil && IsDaemonAlive(info.Addr) {
		return fmt.Errorf("daemon already running (pid %d on %s)", info.PID, info.Addr)
	}

	if err := s.configWatcher.Start(); err != nil {
		// Hot-reloading is best effort; run with the boot config.
		log.Printf("Warning: failed to start config watcher: %v", err)
	}

	addr, err := FindAvailablePort(s.config.Config().ServerAddr)
	if err != nil {
		s.configWatcher.Stop()
		return fmt.Errorf("find available port: %w", err)
	}
	s.httpServer.Addr = addr

	if err := WriteRuntime(addr); err != nil {
		log.Printf("Warning: failed to write runtime info: %v", err)
	}

	s.queue.Start()
	go s.logQueueEvents()
	s.activityLog.Log("daemon.started", "daemon", fmt.Sprintf("listening on %s", addr), nil)

	log.Printf("Starting HTTP server on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		s.configWatcher.Stop()
		s.queue.Stop()
		return err
	}
	return nil
}

// Stop gracefully shuts down the server, the queue, and all active
// reviewer processes.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	RemoveRuntime()
	s.configWatcher.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	s.queue.Stop()
	if s.eventSubID != 0 {
		s.queue.Broadcaster().Unsubscribe(s.eventSubID)
	}
	s.activityLog.Log("daemon.stopped", "daemon", "shutdown complete", nil)
	if s.activityLog != nil {
		s.activityLog.Close()
	}
	return nil
}

// logQueueEvents mirrors terminal queue events into the activity log.
func (s *Server) logQueueEvents() {
	id, ch := s.queue.Broadcaster().Subscribe("")
	s.eventSubID = id
	for ev := range ch {
		switch ev.Type {
		case queue.EventJobCompleted:
			s.activityLog.Log(ev.Type, "queue", fmt.Sprintf("job %s completed", ev.Fingerprint), nil)
		case queue.EventJobFailed:
			s.activityLog.Log(ev.Type, "queue", fmt.Sprintf("job %s failed", ev.Fingerprint),
				map[string]string{"error": ev.Error})
		}
	}
}

// API request/response types

type EnqueueRequest struct {
	Platform      string `json:"platform"`
	ProjectPath   string `json:"project_path"`
	RequestNumber int    `json:"request_number"`
	WorkDir       string `json:"work_dir"`
	Skill         string `json:"skill,omitempty"`
	SourceBranch  string `json:"source_branch"`
	TargetBranch  string `json:"target_branch"`
	Followup      bool   `json:"followup,omitempty"`
	Title         string `json:"title,omitempty"`
	Assignor      string `json:"assignor,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeTrackerError maps tracker errors onto HTTP statuses.
func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracker.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

const maxBodySize = 250 * 1024

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "empty request body")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// enqueueReview builds a review job from the request fields and
// submits it. Returns the fingerprint and whether it was accepted.
func (s *Server) enqueueReview(req EnqueueRequest) (string, bool) {
	cfg := s.config.Config()
	jobType := queue.JobReview
	if req.Followup {
		jobType = queue.JobFollowup
	}
	job := queue.Job{
		Fingerprint:   queue.Fingerprint(req.Platform, req.ProjectPath, req.RequestNumber),
		Platform:      req.Platform,
		ProjectPath:   req.ProjectPath,
		RequestNumber: req.RequestNumber,
		WorkDir:       req.WorkDir,
		Skill:         config.ResolveSkill(req.Skill, req.WorkDir, cfg),
		SourceBranch:  req.SourceBranch,
		TargetBranch:  req.TargetBranch,
		Type:          jobType,
		Title:         req.Title,
		Assignor:      req.Assignor,
		Timeout:       time.Duration(config.ResolveJobTimeout(req.WorkDir, cfg)) * time.Minute,
	}
	accepted := s.queue.Enqueue(job, s.runner.Processor())
	if accepted {
		s.activityLog.Log("job.enqueued", "queue",
			fmt.Sprintf("%s job %s", jobType, job.Fingerprint),
			map[string]string{"skill": job.Skill})
	}
	return job.Fingerprint, accepted
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Platform == "" || req.ProjectPath == "" || req.RequestNumber <= 0 {
		writeError(w, http.StatusBadRequest, "platform, project_path and request_number are required")
		return
	}

	fp, accepted := s.enqueueReview(req)
	if !accepted {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"fingerprint": fp,
			"enqueued":    false,
			"reason":      "duplicate",
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"fingerprint": fp,
		"enqueued":    true,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}

	if !s.queue.Cancel(req.Fingerprint) {
		writeError(w, http.StatusNotFound, "no active job for fingerprint")
		return
	}
	s.activityLog.Log("job.cancelled", "queue", fmt.Sprintf("job %s cancel requested", req.Fingerprint), nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": s.queue.ActivitySnapshot(),
		"log":   s.activityLog.Recent(50),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"pid":    os.Getpid(),
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// projectParams pulls the platform/project pair every tracker endpoint
// needs from the query string.
func projectParams(w http.ResponseWriter, r *http.Request) (platform, projectPath string, ok bool) {
	platform = r.URL.Query().Get("platform")
	projectPath = r.URL.Query().Get("project")
	if platform == "" || projectPath == "" {
		writeError(w, http.StatusBadRequest, "platform and project are required")
		return "", "", false
	}
	return platform, projectPath, true
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	platform, projectPath, ok := projectParams(w, r)
	if !ok {
		return
	}

	reqs, err := s.tracker.List(platform, projectPath)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	stats, err := s.tracker.Stats(platform, projectPath)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"stats":    stats,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	platform, projectPath, ok := projectParams(w, r)
	if !ok {
		return
	}
	num, ok := requestNumberParam(w, r)
	if !ok {
		return
	}

	rec, err := s.tracker.Get(platform, projectPath, num)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Platform      string `json:"platform"`
		ProjectPath   string `json:"project_path"`
		RequestNumber int    `json:"request_number"`
		Archive       bool   `json:"archive,omitempty"` // soft delete: keep history
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	if req.Archive {
		err = s.tracker.Archive(req.Platform, req.ProjectPath, req.RequestNumber)
	} else {
		err = s.tracker.Delete(req.Platform, req.ProjectPath, req.RequestNumber)
	}
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "archived": req.Archive})
}

func (s *Server) handleFollowups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	platform, projectPath, ok := projectParams(w, r)
	if !ok {
		return
	}

	reqs, err := s.tracker.List(platform, projectPath)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	pending := []*tracker.Request{}
	for _, rec := range reqs {
		needed, err := s.tracker.NeedsFollowup(platform, projectPath, rec.RequestNumber)
		if err != nil {
			continue
		}
		if needed && rec.AutoFollowup {
			pending = append(pending, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"followups": pending})
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	projectFilter := r.URL.Query().Get("project")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	subID, eventCh := s.queue.Broadcaster().Subscribe(projectFilter)
	defer s.queue.Broadcaster().Unsubscribe(subID)

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func requestNumberParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	var num int
	if _, err := fmt.Sscanf(r.URL.Query().Get("number"), "%d", &num); err != nil || num <= 0 {
		writeError(w, http.StatusBadRequest, "invalid number parameter")
		return 0, false
	}
	return num, true
}
