//go:build !windows

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/progress"
	"github.com/mergehawk-dev/mergehawk/internal/queue"
)

// fakeSink records progress snapshots.
type fakeSink struct {
	mu    sync.Mutex
	snaps []*progress.Model
}

func (s *fakeSink) UpdateProgress(fingerprint string, snapshot *progress.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snapshot)
}

func (s *fakeSink) last(t *testing.T) *progress.Model {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		t.Fatal("no progress snapshots recorded")
	}
	return s.snaps[len(s.snaps)-1]
}

// writeScript creates an executable fake reviewer.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-reviewer")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testRunnerJob() queue.Job {
	return queue.Job{
		Fingerprint:   "gitlab-acme/widgets-42",
		Platform:      "gitlab",
		ProjectPath:   "acme/widgets",
		RequestNumber: 42,
		Skill:         "code-review",
		SourceBranch:  "feature/x",
		TargetBranch:  "main",
	}
}

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, `
echo "[phase agents-running]"
echo "[agent-start security-review]"
echo "[agent-done security-review]"
echo "[phase publishing]"
exit 0`)

	sink := &fakeSink{}
	r := New(Options{ReviewerCmd: script}, progress.NewTracker(), sink)

	if err := r.run(context.Background(), testRunnerJob()); err != nil {
		t.Fatalf("run: %v", err)
	}

	final := sink.last(t)
	if final.OverallProgress != 100 || final.CurrentPhase != progress.PhaseCompleted {
		t.Errorf("final snapshot: progress=%d phase=%s", final.OverallProgress, final.CurrentPhase)
	}
	if len(final.Agents) != 1 || final.Agents[0].Status != progress.AgentCompleted {
		t.Errorf("final agents: %+v", final.Agents)
	}
}

func TestRunStructuredOutput(t *testing.T) {
	script := writeScript(t, `
echo 'MH_PROGRESS {"event":"phase","phase":"agents-running"}'
echo 'MH_PROGRESS {"event":"agent_start","agent":"style"}'
echo '[agent-fail style: marker channel should be ignored]'
echo 'MH_PROGRESS {"event":"agent_complete","agent":"style"}'
exit 0`)

	sink := &fakeSink{}
	r := New(Options{ReviewerCmd: script}, progress.NewTracker(), sink)

	if err := r.run(context.Background(), testRunnerJob()); err != nil {
		t.Fatalf("run: %v", err)
	}
	final := sink.last(t)
	if final.Agents[0].Status != progress.AgentCompleted || final.Agents[0].Error != "" {
		t.Errorf("marker channel leaked through: %+v", final.Agents[0])
	}
}

func TestRunExitNonZero(t *testing.T) {
	script := writeScript(t, `
echo "[agent-start security-review]"
echo "fatal: repository not found" >&2
exit 3`)

	sink := &fakeSink{}
	r := New(Options{ReviewerCmd: script}, progress.NewTracker(), sink)

	err := r.run(context.Background(), testRunnerJob())
	var rerr *RunError
	if !errors.As(err, &rerr) || rerr.Kind != FailExitNonZero {
		t.Fatalf("err = %v, want RunError(process-exit-nonzero)", err)
	}

	// The running agent is marked failed with the run's reason.
	final := sink.last(t)
	if final.Agents[0].Status != progress.AgentFailed {
		t.Errorf("agent status = %s, want failed", final.Agents[0].Status)
	}
	if final.Agents[0].Error == "" {
		t.Error("agent failure reason missing")
	}
}

func TestRunSpawnFailed(t *testing.T) {
	r := New(Options{ReviewerCmd: "/nonexistent/reviewer-binary"}, progress.NewTracker(), &fakeSink{})

	err := r.run(context.Background(), testRunnerJob())
	var rerr *RunError
	if !errors.As(err, &rerr) || rerr.Kind != FailSpawn {
		t.Fatalf("err = %v, want RunError(spawn-failed)", err)
	}
}

func TestRunCancelled(t *testing.T) {
	script := writeScript(t, `
echo "[agent-start security-review]"
sleep 30`)

	sink := &fakeSink{}
	r := New(Options{ReviewerCmd: script, KillGrace: time.Second}, progress.NewTracker(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.run(ctx, testRunnerJob()) }()

	// Let the reviewer start, then cancel.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		var rerr *RunError
		if !errors.As(err, &rerr) || rerr.Kind != FailCancelled {
			t.Fatalf("err = %v, want RunError(cancelled)", err)
		}
		if rerr.Error() != queue.CancelledByUser {
			t.Errorf("message = %q", rerr.Error())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not finish")
	}
}

func TestRunTimedOut(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	r := New(Options{ReviewerCmd: script, KillGrace: time.Second}, progress.NewTracker(), &fakeSink{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := r.run(ctx, testRunnerJob())
	var rerr *RunError
	if !errors.As(err, &rerr) || rerr.Kind != FailTimedOut {
		t.Fatalf("err = %v, want RunError(timed-out)", err)
	}
}

func TestRunKillEscalation(t *testing.T) {
	// The reviewer traps SIGTERM and refuses to die; the supervisor
	// must hard-kill it after the grace period.
	script := writeScript(t, `
trap "" TERM
echo started
sleep 30`)

	r := New(Options{ReviewerCmd: script, KillGrace: 300 * time.Millisecond}, progress.NewTracker(), &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.run(ctx, testRunnerJob()) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		var rerr *RunError
		if !errors.As(err, &rerr) || rerr.Kind != FailCancelled {
			t.Fatalf("err = %v, want RunError(cancelled)", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("SIGTERM-immune reviewer was never hard-killed")
	}
}

func TestRunMemoryGuard(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	// Pretend the process balloons immediately.
	origRead := readRSSKB
	readRSSKB = func(pid int) (int64, bool) { return 512 * 1024, true }
	defer func() { readRSSKB = origRead }()

	r := New(Options{
		ReviewerCmd: script,
		MemLimitMB:  256,
		MemInterval: 20 * time.Millisecond,
		KillGrace:   time.Second,
	}, progress.NewTracker(), &fakeSink{})

	err := r.run(context.Background(), testRunnerJob())
	var rerr *RunError
	if !errors.As(err, &rerr) || rerr.Kind != FailResourceLimit {
		t.Fatalf("err = %v, want RunError(resource-limit-exceeded)", err)
	}
}
