// Package scheduler is the heart of the agent (spec.md §4.6): each tick
// flushes the outbox, claims a batch, fans jobs out to the handler
// registry under a concurrency permit, and reports each terminal
// outcome — falling back to the outbox on report failure. Grounded on
// the teacher's executor.Run/execute split (one queue, bounded
// concurrent execution, a finally-guard that always releases its
// permit) and on Geocoder89-event-hub's worker.go fan-out/join shape
// (per-batch sync.WaitGroup around a pool of goroutines).
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/dispatch-agent/internal/backoff"
	"github.com/arkeep-io/dispatch-agent/internal/dispatcher"
	"github.com/arkeep-io/dispatch-agent/internal/handlers"
	"github.com/arkeep-io/dispatch-agent/internal/outbox"
	"github.com/arkeep-io/dispatch-agent/internal/telemetry"
	"github.com/arkeep-io/dispatch-agent/internal/wire"
)

// idleSleep is the small jitter applied when a claim returns no jobs,
// discouraging thundering herd (spec.md §4.6.1 step 3).
const idleSleep = 400 * time.Millisecond
const idleJitterFraction = 0.25

type inflightEntry struct {
	op        string
	startedAt time.Time
}

// Scheduler holds one agent's claim/execute/report loop state. Safe for
// concurrent use: Tick runs on the agent's run-loop goroutine while
// SetAssignment is called from the heartbeat goroutine.
type Scheduler struct {
	client     *dispatcher.Client
	registry   *handlers.Registry
	outbox     *outbox.Outbox
	telemetry  *telemetry.Telemetry
	logger     *zap.Logger
	botID      string
	instanceID string

	claimBatchSize int

	mu     sync.Mutex
	ops    []string
	sem    chan struct{}
	paused bool

	inflightMu sync.Mutex
	inflight   map[string]inflightEntry
}

// New constructs a Scheduler. Called only after a successful register
// (spec.md §3 invariant: scheduler != nil ⇔ bot_id != nil).
func New(
	client *dispatcher.Client,
	botID, instanceID string,
	claimBatchSize int,
	ops []string,
	maxConcurrency int,
	registry *handlers.Registry,
	obx *outbox.Outbox,
	tel *telemetry.Telemetry,
	logger *zap.Logger,
) *Scheduler {
	s := &Scheduler{
		client:         client,
		registry:       registry,
		outbox:         obx,
		telemetry:      tel,
		logger:         logger.Named("scheduler"),
		botID:          botID,
		instanceID:     instanceID,
		claimBatchSize: claimBatchSize,
		inflight:       make(map[string]inflightEntry),
	}
	s.SetAssignment(ops, maxConcurrency, false)
	return s
}

// SetAssignment replaces the operations list, paused flag, and permit
// pool atomically. Per spec.md §9 "semaphore swap under load": jobs
// already executing keep their original permit (they hold a reference
// to the channel they acquired from, not to the Scheduler), so brief
// transient excess above the new cap is possible until the old tick
// drains — an explicitly accepted, documented caveat, not a bug.
func (s *Scheduler) SetAssignment(ops []string, maxConcurrency int, paused bool) {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	s.mu.Lock()
	s.ops = append([]string(nil), ops...)
	s.sem = make(chan struct{}, maxConcurrency)
	s.paused = paused
	s.mu.Unlock()
}

func (s *Scheduler) opsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *Scheduler) currentSem() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sem
}

// Paused reports the assignment's current paused flag (spec.md §9
// redesign: paused now gates claiming, rather than being an inert
// field).
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Running returns a snapshot of in-flight jobs for the heartbeat's
// "running" field (spec.md §6).
func (s *Scheduler) Running() []wire.RunningJob {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	now := time.Now()
	out := make([]wire.RunningJob, 0, len(s.inflight))
	for id, e := range s.inflight {
		out = append(out, wire.RunningJob{
			JobID:     id,
			Op:        e.op,
			ElapsedMS: now.Sub(e.startedAt).Milliseconds(),
		})
	}
	return out
}

// Tick runs one scheduler cycle: flush, claim, fan out, join
// (spec.md §4.6.1). Errors from claim are returned to the caller so the
// run loop can apply backoff; outbox/report/handler failures are
// handled internally and never surface here (tick isolation, P4).
func (s *Scheduler) Tick(ctx context.Context) error {
	s.flushOutbox(ctx)

	if s.Paused() {
		time.Sleep(jitteredIdle())
		return nil
	}

	ops := s.opsSnapshot()
	rawJobs, err := s.client.Claim(ctx, wire.ClaimRequest{
		BotID:      s.botID,
		Operations: ops,
		Limit:      s.claimBatchSize,
	})
	if err != nil {
		return fmt.Errorf("scheduler: claim failed: %w", err)
	}
	if s.telemetry != nil {
		s.telemetry.JobsClaimed.Add(float64(len(rawJobs)))
	}

	if len(rawJobs) == 0 {
		time.Sleep(jitteredIdle())
		return nil
	}

	jobs := make([]handlers.Job, 0, len(rawJobs))
	for _, raw := range rawJobs {
		job, err := decodeJob(raw)
		if err != nil {
			return fmt.Errorf("scheduler: aborting tick, malformed claim entry: %w", err)
		}
		jobs = append(jobs, job)
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		sem, err := s.acquire(ctx)
		if err != nil {
			// Context cancelled while waiting for a permit (shutdown).
			// Stop admitting more work from this batch; already-spawned
			// tasks are still joined below.
			break
		}
		wg.Add(1)
		go func(job handlers.Job, sem chan struct{}) {
			defer wg.Done()
			defer release(sem)
			s.runJob(ctx, job)
		}(job, sem)
	}
	wg.Wait()

	return nil
}

// acquire waits for a permit from the scheduler's *current* semaphore,
// returning the specific channel it acquired from so the caller can
// release to that same channel even if SetAssignment swaps s.sem in the
// meantime (spec.md §9).
func (s *Scheduler) acquire(ctx context.Context) (chan struct{}, error) {
	sem := s.currentSem()
	select {
	case sem <- struct{}{}:
		return sem, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func release(sem chan struct{}) {
	<-sem
}

// decodeJob validates the required fields of a raw claim entry
// (spec.md §4.6.2 step 1). A missing id/op/payload is fatal for the
// whole tick — the dispatcher is misbehaving.
func decodeJob(raw wire.RawJob) (handlers.Job, error) {
	if raw.ID == "" {
		return handlers.Job{}, fmt.Errorf("job missing required field %q", "id")
	}
	if raw.Op == "" {
		return handlers.Job{}, fmt.Errorf("job %s missing required field %q", raw.ID, "op")
	}
	if raw.Payload == nil {
		return handlers.Job{}, fmt.Errorf("job %s missing required field %q", raw.ID, "payload")
	}
	return handlers.Job{ID: raw.ID, Op: raw.Op, Payload: raw.Payload}, nil
}

// runJob executes one job's pipeline end to end (spec.md §4.6.2,
// steps 2-5): lookup, invoke, report, outbox fallback. A panicking
// handler is recovered and turned into a handler error — it must not
// take down the tick or its siblings (P5).
func (s *Scheduler) runJob(ctx context.Context, job handlers.Job) {
	s.trackStart(job)
	defer s.trackEnd(job.ID)

	handler, ok := s.registry.Lookup(job.Op)

	var result map[string]any
	var handlerErr error
	if !ok {
		handlerErr = handlers.ErrNoHandler(job.Op)
	} else {
		result, handlerErr = invoke(ctx, handler, job)
	}

	if handlerErr == nil {
		s.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("op", job.Op))
		s.reportComplete(ctx, job.ID, result)
		if s.telemetry != nil {
			s.telemetry.JobsCompleted.Inc()
		}
		return
	}

	s.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("op", job.Op), zap.Error(handlerErr))
	s.reportFail(ctx, job.ID, handlerErr.Error())
	if s.telemetry != nil {
		s.telemetry.JobsFailed.Inc()
	}
}

// invoke calls the handler, converting a panic into an error so it
// cannot escape the job's goroutine.
func invoke(ctx context.Context, h handlers.Handler, job handlers.Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (s *Scheduler) reportComplete(ctx context.Context, jobID string, result map[string]any) {
	err := s.client.ReportComplete(ctx, jobID, wire.CompleteRequest{InstanceID: s.instanceID, Result: result})
	if err == nil {
		return
	}
	s.enqueueOutbox(jobID, "complete", map[string]any{"instance_id": s.instanceID, "result": result}, err)
}

func (s *Scheduler) reportFail(ctx context.Context, jobID, message string) {
	err := s.client.ReportFail(ctx, jobID, wire.FailRequest{InstanceID: s.instanceID, Error: message})
	if err == nil {
		return
	}
	s.enqueueOutbox(jobID, "fail", map[string]any{"instance_id": s.instanceID, "error": message}, err)
}

// enqueueOutbox is the report-delivery-error fallback (spec.md §4.6.2
// step 5). An outbox append failure is logged and swallowed — the job
// outcome is lost, a known failure mode spec.md §9 flags as needing
// alerting (see DESIGN.md for the operational decision).
func (s *Scheduler) enqueueOutbox(jobID, action string, payload map[string]any, reportErr error) {
	s.logger.Warn("report delivery failed, enqueueing to outbox",
		zap.String("job_id", jobID), zap.String("action", action), zap.Error(reportErr))
	if err := s.outbox.Append(outbox.Entry{JobID: jobID, Action: action, Payload: payload}); err != nil {
		s.logger.Error("outbox append failed, job outcome lost",
			zap.String("job_id", jobID), zap.String("action", action), zap.Error(err))
	}
}

// flushOutbox drains and attempts to redeliver pending entries in FIFO
// order, stopping at the first failure and re-appending that entry and
// every undelivered entry after it, in order (spec.md §4.6.1 step 1,
// P6, P8).
func (s *Scheduler) flushOutbox(ctx context.Context) {
	entries, err := s.outbox.Drain(0)
	if err != nil {
		s.logger.Warn("outbox drain failed, file already removed, starting clean", zap.Error(err))
		return
	}

	for i, e := range entries {
		if err := s.deliver(ctx, e); err != nil {
			s.logger.Warn("outbox flush: report failed, re-enqueueing and aborting flush",
				zap.String("job_id", e.JobID), zap.Error(err))
			for _, pending := range entries[i:] {
				if appendErr := s.outbox.Append(pending); appendErr != nil {
					s.logger.Error("outbox append failed during flush, job outcome lost",
						zap.String("job_id", pending.JobID), zap.Error(appendErr))
				}
			}
			if s.telemetry != nil {
				s.telemetry.OutboxDepth.Set(float64(len(entries) - i))
			}
			return
		}
	}

	if s.telemetry != nil {
		s.telemetry.OutboxDepth.Set(0)
	}
}

func (s *Scheduler) deliver(ctx context.Context, e outbox.Entry) error {
	switch e.Action {
	case "complete":
		result, _ := e.Payload["result"].(map[string]any)
		return s.client.ReportComplete(ctx, e.JobID, wire.CompleteRequest{InstanceID: s.instanceID, Result: result})
	case "fail":
		message, _ := e.Payload["error"].(string)
		return s.client.ReportFail(ctx, e.JobID, wire.FailRequest{InstanceID: s.instanceID, Error: message})
	default:
		return fmt.Errorf("scheduler: unknown outbox action %q", e.Action)
	}
}

func (s *Scheduler) trackStart(job handlers.Job) {
	s.inflightMu.Lock()
	s.inflight[job.ID] = inflightEntry{op: job.Op, startedAt: time.Now()}
	s.inflightMu.Unlock()
}

func (s *Scheduler) trackEnd(jobID string) {
	s.inflightMu.Lock()
	delete(s.inflight, jobID)
	s.inflightMu.Unlock()
}

// jitteredIdle applies the teacher's jitter shape (backoff.Jitter) to
// the fixed idle sleep duration.
func jitteredIdle() time.Duration {
	return backoff.Jitter(idleSleep, idleJitterFraction, rand.Float64)
}
