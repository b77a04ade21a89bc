package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/progress"
)

// CancelledByUser is the error string recorded for a user-cancelled job.
const CancelledByUser = "cancelled by user"

// Processor runs one review job. It is supplied by the trigger layer
// and must spawn the external reviewer, feed its output into the
// progress tracker, and observe ctx for cancellation and timeout.
type Processor func(ctx context.Context, job Job) error

// Options configures a Queue.
type Options struct {
	MaxConcurrent int           // worker pool size (default 2)
	DedupWindow   time.Duration // suppression window after success (default 5m)
	JobTimeout    time.Duration // hard wall-clock limit per job (default 30m)
	HistorySize   int           // recent-history ring capacity (default 20)
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 20
	}
	return o
}

type queuedJob struct {
	job       Job
	processor Processor
	ctx       context.Context
}

// Queue runs at most MaxConcurrent processors concurrently, rejects
// duplicate work per fingerprint, and keeps a bounded history of
// finished runs. All state is owned by the instance; there are no
// package-level registries.
type Queue struct {
	opts        Options
	broadcaster Broadcaster

	mu       sync.Mutex
	active   map[string]*JobStatus          // queued + running
	cancels  map[string]context.CancelFunc  // cancellation tokens
	recentOK map[string]time.Time           // fingerprint -> success time (dedup markers)
	pending  []queuedJob                    // FIFO feed for the worker pool
	recent   []JobStatus                    // ring of terminal runs
	writeIdx int
	count    int

	wake      chan struct{}
	stopCh    chan struct{}
	readyCh   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	now func() time.Time // overridable in tests
}

// New creates a queue. Events are published to broadcaster; pass nil
// to discard them.
func New(opts Options, broadcaster Broadcaster) *Queue {
	o := opts.withDefaults()
	if broadcaster == nil {
		broadcaster = NewBroadcaster()
	}
	return &Queue{
		opts:        o,
		broadcaster: broadcaster,
		active:      make(map[string]*JobStatus),
		cancels:     make(map[string]context.CancelFunc),
		recentOK:    make(map[string]time.Time),
		recent:      make([]JobStatus, o.HistorySize),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		readyCh:     make(chan struct{}),
		now:         time.Now,
	}
}

// Broadcaster returns the event broadcaster for subscription.
func (q *Queue) Broadcaster() Broadcaster { return q.broadcaster }

// Start spawns the worker pool and the dedup sweeper. Safe to call
// multiple times; only the first call spawns workers.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		log.Printf("Starting review queue with %d workers", q.opts.MaxConcurrent)
		q.wg.Add(q.opts.MaxConcurrent + 1)
		close(q.readyCh)
		for i := 0; i < q.opts.MaxConcurrent; i++ {
			go q.worker(i)
		}
		go q.sweepLoop()
	})
}

// Stop cancels all active jobs and shuts the pool down. Safe to call
// multiple times.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		log.Println("Stopping review queue...")
		close(q.stopCh)
		q.mu.Lock()
		for _, cancel := range q.cancels {
			cancel()
		}
		q.mu.Unlock()
		select {
		case <-q.readyCh:
			q.wg.Wait()
		default:
		}
		log.Println("Review queue stopped")
	})
}

// Enqueue submits a job for processing and returns immediately.
// Returns false without running anything when the fingerprint is
// currently active or completed successfully within the dedup window.
func (q *Queue) Enqueue(job Job, processor Processor) bool {
	now := q.now()

	q.mu.Lock()
	if t, ok := q.recentOK[job.Fingerprint]; ok {
		if now.Sub(t) < q.opts.DedupWindow {
			q.mu.Unlock()
			log.Printf("Job %s deduplicated (succeeded %s ago)",
				job.Fingerprint, now.Sub(t).Round(time.Second))
			return false
		}
		delete(q.recentOK, job.Fingerprint)
	}
	if _, ok := q.active[job.Fingerprint]; ok {
		q.mu.Unlock()
		log.Printf("Job %s already active, rejecting", job.Fingerprint)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancels[job.Fingerprint] = cancel
	q.active[job.Fingerprint] = &JobStatus{
		Job:        job,
		Status:     StatusQueued,
		EnqueuedAt: now,
	}
	q.pending = append(q.pending, queuedJob{job: job, processor: processor, ctx: ctx})
	q.mu.Unlock()

	q.broadcaster.Broadcast(Event{
		Type:          EventJobQueued,
		TS:            now,
		Fingerprint:   job.Fingerprint,
		ProjectPath:   job.ProjectPath,
		RequestNumber: job.RequestNumber,
		JobType:       job.Type,
		Status:        StatusQueued,
	})

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel signals the cancellation token for a fingerprint. Returns
// true if a token existed. Idempotent: cancelling twice is safe, and
// the second call still returns true while the job remains active.
func (q *Queue) Cancel(fingerprint string) bool {
	q.mu.Lock()
	cancel, ok := q.cancels[fingerprint]
	q.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("Cancelling job %s", fingerprint)
	cancel()
	return true
}

// UpdateProgress records the latest progress snapshot for an active
// job and forwards it to subscribers. No-op for inactive fingerprints.
func (q *Queue) UpdateProgress(fingerprint string, snapshot *progress.Model) {
	if snapshot == nil {
		return
	}
	q.mu.Lock()
	js, ok := q.active[fingerprint]
	if !ok {
		q.mu.Unlock()
		return
	}
	js.Progress = snapshot
	job := js.Job
	q.mu.Unlock()

	q.broadcaster.Broadcast(Event{
		Type:          EventJobProgress,
		TS:            q.now(),
		Fingerprint:   fingerprint,
		ProjectPath:   job.ProjectPath,
		RequestNumber: job.RequestNumber,
		JobType:       job.Type,
		Progress:      snapshot.Clone(),
	})
}

// Activity is a read-only view of the queue: active jobs plus the
// recent-history ring (newest first).
type Activity struct {
	Active []JobStatus `json:"active"`
	Recent []JobStatus `json:"recent"`
}

// ActivitySnapshot returns copies of the active and recent job
// records. Internal mutable state is never exposed.
func (q *Queue) ActivitySnapshot() Activity {
	q.mu.Lock()
	defer q.mu.Unlock()

	var act Activity
	for _, js := range q.active {
		act.Active = append(act.Active, js.clone())
	}
	readIdx := (q.writeIdx - 1 + q.opts.HistorySize) % q.opts.HistorySize
	for i := 0; i < q.count; i++ {
		act.Recent = append(act.Recent, q.recent[readIdx].clone())
		readIdx = (readIdx - 1 + q.opts.HistorySize) % q.opts.HistorySize
	}
	return act
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)
	log.Printf("[%s] Started", workerID)

	for {
		qj, ok := q.dequeue()
		if ok {
			q.runJob(workerID, qj)
			continue
		}
		select {
		case <-q.stopCh:
			log.Printf("[%s] Shutting down", workerID)
			return
		case <-q.wake:
		}
	}
}

// dequeue pops the oldest pending job. If more remain, it re-signals
// wake so sibling workers pick them up.
func (q *Queue) dequeue() (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return queuedJob{}, false
	}
	qj := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return qj, true
}

func (q *Queue) runJob(workerID string, qj queuedJob) {
	fp := qj.job.Fingerprint
	started := q.now()

	q.mu.Lock()
	js, ok := q.active[fp]
	if !ok {
		// Should not happen; active entries outlive pending ones.
		q.mu.Unlock()
		return
	}
	js.Status = StatusRunning
	js.StartedAt = &started
	q.mu.Unlock()

	log.Printf("[%s] Processing job %s %s (%s -> %s)",
		workerID, fp, qj.job.Type, qj.job.SourceBranch, qj.job.TargetBranch)
	q.broadcastState(EventJobStarted, qj.job, StatusRunning, "")

	timeout := q.opts.JobTimeout
	if qj.job.Timeout > 0 {
		timeout = qj.job.Timeout
	}
	ctx, cancelTimeout := context.WithTimeout(qj.ctx, timeout)
	err := q.invoke(ctx, qj)
	cancelTimeout()

	// Classify the outcome. Token cancellation and timeout win over
	// whatever error the processor surfaced for them.
	var errMsg string
	switch {
	case qj.ctx.Err() == context.Canceled:
		errMsg = CancelledByUser
	case ctx.Err() == context.DeadlineExceeded:
		errMsg = fmt.Sprintf("timed out after %s", timeout)
	case err != nil:
		errMsg = err.Error()
	}

	finished := q.now()
	q.mu.Lock()
	js.CompletedAt = &finished
	if errMsg == "" {
		js.Status = StatusCompleted
		q.recentOK[fp] = finished
	} else {
		js.Status = StatusFailed
		js.Error = errMsg
		// A failed fingerprint must be retryable immediately.
		delete(q.recentOK, fp)
	}
	q.recent[q.writeIdx] = js.clone()
	q.writeIdx = (q.writeIdx + 1) % q.opts.HistorySize
	if q.count < q.opts.HistorySize {
		q.count++
	}
	delete(q.active, fp)
	delete(q.cancels, fp)
	q.mu.Unlock()

	if errMsg == "" {
		log.Printf("[%s] Completed job %s in %s",
			workerID, fp, finished.Sub(started).Round(time.Second))
		q.broadcastState(EventJobCompleted, qj.job, StatusCompleted, "")
	} else {
		log.Printf("[%s] Job %s failed: %s", workerID, fp, errMsg)
		q.broadcastState(EventJobFailed, qj.job, StatusFailed, errMsg)
	}
}

// invoke runs the processor, converting panics into errors so a
// misbehaving processor cannot take down the pool.
func (q *Queue) invoke(ctx context.Context, qj queuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	if ctx.Err() != nil {
		// Cancelled while still queued; never run the processor.
		return ctx.Err()
	}
	return qj.processor(ctx, qj.job)
}

func (q *Queue) broadcastState(typ string, job Job, status Status, errMsg string) {
	q.broadcaster.Broadcast(Event{
		Type:          typ,
		TS:            q.now(),
		Fingerprint:   job.Fingerprint,
		ProjectPath:   job.ProjectPath,
		RequestNumber: job.RequestNumber,
		JobType:       job.Type,
		Status:        status,
		Error:         errMsg,
	})
}

// sweepInterval bounds dedup-marker memory; expired markers are also
// dropped lazily on enqueue, so correctness does not depend on it.
const sweepInterval = time.Minute

func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepDedup()
		}
	}
}

func (q *Queue) sweepDedup() {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for fp, t := range q.recentOK {
		if now.Sub(t) >= q.opts.DedupWindow {
			delete(q.recentOK, fp)
		}
	}
}
