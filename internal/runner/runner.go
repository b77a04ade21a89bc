package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/progress"
	"github.com/mergehawk-dev/mergehawk/internal/queue"
)

// ProgressSink receives progress snapshots for active jobs. Satisfied
// by *queue.Queue.
type ProgressSink interface {
	UpdateProgress(fingerprint string, snapshot *progress.Model)
}

// Options configures a Runner.
type Options struct {
	ReviewerCmd string        // external reviewer binary
	KillGrace   time.Duration // soft-terminate to hard-kill delay (default 5s)
	MemLimitMB  int           // RSS ceiling for the reviewer; 0 disables
	MemInterval time.Duration // memory sample interval (default 10s)
}

func (o Options) withDefaults() Options {
	if o.ReviewerCmd == "" {
		o.ReviewerCmd = "mr-reviewer"
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
	if o.MemInterval <= 0 {
		o.MemInterval = 10 * time.Second
	}
	return o
}

// Runner builds queue processors that supervise one external reviewer
// process per job and feed its output into the progress tracker.
type Runner struct {
	opts    Options
	tracker *progress.Tracker
	sink    ProgressSink
}

// New creates a runner publishing progress through sink.
func New(opts Options, tracker *progress.Tracker, sink ProgressSink) *Runner {
	return &Runner{opts: opts.withDefaults(), tracker: tracker, sink: sink}
}

// Tracker returns the progress tracker the runner feeds.
func (r *Runner) Tracker() *progress.Tracker { return r.tracker }

// Processor returns the queue.Processor for review jobs.
func (r *Runner) Processor() queue.Processor {
	return r.run
}

func (r *Runner) run(ctx context.Context, job queue.Job) error {
	fp := job.Fingerprint

	r.tracker.Begin(fp, nil)
	defer r.tracker.Finish(fp)

	args := []string{
		"--skill", job.Skill,
		"--request", strconv.Itoa(job.RequestNumber),
		"--source", job.SourceBranch,
		"--target", job.TargetBranch,
	}
	cmd := exec.Command(r.opts.ReviewerCmd, args...)
	cmd.Dir = job.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.fail(fp, runErrorf(FailSpawn, err, "create stdout pipe: %v", err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return r.fail(fp, runErrorf(FailSpawn, err, "start %s: %v", r.opts.ReviewerCmd, err))
	}

	// Supervision: cancellation/timeout escalates from soft terminate
	// to hard kill after the grace period; the memory guard skips the
	// courtesy and kills outright.
	doneCh := make(chan struct{})
	var memBreached atomic.Int64 // breach RSS in MB, 0 = no breach
	go r.supervise(ctx, cmd, doneCh)
	if r.opts.MemLimitMB > 0 {
		go memGuard(cmd.Process.Pid, r.opts.MemLimitMB, r.opts.MemInterval, doneCh, func(rssMB int64) {
			memBreached.Store(rssMB)
			log.Printf("Job %s reviewer over memory ceiling (%d MB > %d MB), killing",
				fp, rssMB, r.opts.MemLimitMB)
			kill(cmd)
		})
	}

	// Single reader of the process output; progress events for one
	// job are ordered by arrival here.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ev := applyLine(r.tracker, fp, scanner.Text()); ev != nil {
			r.sink.UpdateProgress(fp, ev.Snapshot)
		}
	}

	waitErr := cmd.Wait()
	close(doneCh)

	switch {
	case memBreached.Load() > 0:
		return r.fail(fp, runErrorf(FailResourceLimit, waitErr,
			"reviewer exceeded memory limit (%d MB > %d MB)", memBreached.Load(), r.opts.MemLimitMB))
	case ctx.Err() == context.DeadlineExceeded:
		return r.fail(fp, runErrorf(FailTimedOut, waitErr, "reviewer timed out"))
	case ctx.Err() == context.Canceled:
		return r.fail(fp, runErrorf(FailCancelled, waitErr, queue.CancelledByUser))
	case waitErr != nil:
		msg := fmt.Sprintf("reviewer exited: %v", waitErr)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, lastLine(s))
		}
		return r.fail(fp, runErrorf(FailExitNonZero, waitErr, "%s", msg))
	}

	r.sink.UpdateProgress(fp, r.tracker.MarkAllCompleted(fp))
	return nil
}

// supervise waits for cancellation and escalates: soft terminate,
// then hard kill if the process outlives the grace period.
func (r *Runner) supervise(ctx context.Context, cmd *exec.Cmd, doneCh <-chan struct{}) {
	select {
	case <-doneCh:
		return
	case <-ctx.Done():
	}

	if err := terminate(cmd); err != nil {
		kill(cmd)
		return
	}
	select {
	case <-doneCh:
	case <-time.After(r.opts.KillGrace):
		log.Printf("Reviewer did not exit within %s of terminate, killing", r.opts.KillGrace)
		kill(cmd)
	}
}

// fail finalizes the progress model so dashboards see one consistent
// signal: agents still running are marked failed with the reason.
func (r *Runner) fail(fp string, rerr *RunError) error {
	if snap := r.tracker.MarkFailed(fp, rerr.Error()); snap != nil {
		r.sink.UpdateProgress(fp, snap)
	}
	return rerr
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
