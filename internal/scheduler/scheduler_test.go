package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/dispatch-agent/internal/dispatcher"
	"github.com/arkeep-io/dispatch-agent/internal/handlers"
	"github.com/arkeep-io/dispatch-agent/internal/outbox"
	"github.com/arkeep-io/dispatch-agent/internal/wire"
)

// fakeDispatcher is a minimal in-memory stand-in for the server side of
// the wire protocol, driven over real HTTP via httptest so the
// scheduler exercises the same dispatcher.Client code path used in
// production.
type fakeDispatcher struct {
	mu sync.Mutex

	claimQueue   [][]wire.RawJob
	claimCalls   int
	completed    []string
	failed       []string
	failReports  bool // when true, /complete and /fail always return 500
}

func (f *fakeDispatcher) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/jobs/claim":
			f.mu.Lock()
			var jobs []wire.RawJob
			if f.claimCalls < len(f.claimQueue) {
				jobs = f.claimQueue[f.claimCalls]
			}
			f.claimCalls++
			f.mu.Unlock()
			json.NewEncoder(w).Encode(wire.ClaimResponse{Jobs: jobs})

		case len(r.URL.Path) > len("/jobs/") && r.URL.Path[len(r.URL.Path)-len("/complete"):] == "/complete":
			f.mu.Lock()
			fail := f.failReports
			f.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			jobID := r.URL.Path[len("/jobs/") : len(r.URL.Path)-len("/complete")]
			f.mu.Lock()
			f.completed = append(f.completed, jobID)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		case len(r.URL.Path) > len("/jobs/") && r.URL.Path[len(r.URL.Path)-len("/fail"):] == "/fail":
			f.mu.Lock()
			fail := f.failReports
			f.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			jobID := r.URL.Path[len("/jobs/") : len(r.URL.Path)-len("/fail")]
			f.mu.Lock()
			f.failed = append(f.failed, jobID)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestScheduler(t *testing.T, f *fakeDispatcher, registry *handlers.Registry, maxConcurrency int) (*Scheduler, *dispatcher.Client) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	client := dispatcher.New(srv.URL)
	obx := outbox.New(t.TempDir())
	logger := zap.NewNop()

	s := New(client, "bot-1", "inst-1", 5, []string{"sum", "subtract"}, maxConcurrency, registry, obx, nil, logger)
	return s, client
}

func TestTickExecutesClaimedJobAndReportsComplete(t *testing.T) {
	registry := handlers.NewRegistry()
	handlers.RegisterBuiltins(registry)

	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{
		{{ID: "j1", Op: "sum", Payload: map[string]any{"a": float64(2), "b": float64(3)}}},
	}}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completed) != 1 || f.completed[0] != "j1" {
		t.Fatalf("expected job j1 to be reported complete, got %+v", f.completed)
	}
}

func TestTickReportsFailForMissingHandler(t *testing.T) {
	registry := handlers.NewRegistry() // no handlers registered

	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{
		{{ID: "j1", Op: "unknown-op", Payload: map[string]any{}}},
	}}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failed) != 1 || f.failed[0] != "j1" {
		t.Fatalf("expected job j1 to be reported failed, got %+v", f.failed)
	}
}

func TestTickAbortsOnMalformedClaimEntry(t *testing.T) {
	registry := handlers.NewRegistry()
	handlers.RegisterBuiltins(registry)

	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{
		{{ID: "", Op: "sum", Payload: map[string]any{"a": float64(1)}}}, // missing id
	}}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected Tick to abort on a malformed claim entry")
	}
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	registry := handlers.NewRegistry()

	var inFlight, maxSeen int32
	registry.Register("slow", func(ctx context.Context, job handlers.Job) (map[string]any, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return map[string]any{}, nil
	})

	jobs := make([]wire.RawJob, 0, 10)
	for i := 0; i < 10; i++ {
		jobs = append(jobs, wire.RawJob{ID: "job", Op: "slow", Payload: map[string]any{}})
	}
	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{jobs}}
	s, _ := newTestScheduler(t, f, registry, 3)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if atomic.LoadInt32(&maxSeen) > 3 {
		t.Fatalf("concurrency cap violated: observed %d concurrent jobs, cap was 3", maxSeen)
	}
}

func TestTickEnqueuesOutboxOnReportFailure(t *testing.T) {
	registry := handlers.NewRegistry()
	handlers.RegisterBuiltins(registry)

	f := &fakeDispatcher{
		failReports: true,
		claimQueue: [][]wire.RawJob{
			{{ID: "j1", Op: "sum", Payload: map[string]any{"a": float64(1), "b": float64(1)}}},
		},
	}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	entries, err := s.outbox.Drain(0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "j1" {
		t.Fatalf("expected j1's outcome to be enqueued to the outbox, got %+v", entries)
	}
}

func TestFlushOutboxStopsAtFirstFailureAndPreservesOrder(t *testing.T) {
	registry := handlers.NewRegistry()
	f := &fakeDispatcher{failReports: true}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.outbox.Append(outbox.Entry{JobID: "j1", Action: "complete", Payload: map[string]any{"instance_id": "inst-1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.outbox.Append(outbox.Entry{JobID: "j2", Action: "complete", Payload: map[string]any{"instance_id": "inst-1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s.flushOutbox(context.Background())

	entries, err := s.outbox.Drain(0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "j1" || entries[1].JobID != "j2" {
		t.Fatalf("expected both entries re-enqueued in original order, got %+v", entries)
	}
}

func TestSetAssignmentUpdatesOpsAndConcurrency(t *testing.T) {
	registry := handlers.NewRegistry()
	f := &fakeDispatcher{}
	s, _ := newTestScheduler(t, f, registry, 2)

	s.SetAssignment([]string{"exec"}, 5, true)

	if ops := s.opsSnapshot(); len(ops) != 1 || ops[0] != "exec" {
		t.Fatalf("expected ops to update to [exec], got %v", ops)
	}
	if !s.Paused() {
		t.Fatal("expected paused=true to take effect")
	}
	if cap(s.currentSem()) != 5 {
		t.Fatalf("expected semaphore capacity 5, got %d", cap(s.currentSem()))
	}
}

func TestPausedSchedulerDoesNotClaim(t *testing.T) {
	registry := handlers.NewRegistry()
	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{{{ID: "j1", Op: "sum", Payload: map[string]any{}}}}}
	s, _ := newTestScheduler(t, f, registry, 2)
	s.SetAssignment([]string{"sum"}, 2, true)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimCalls != 0 {
		t.Fatalf("expected a paused scheduler to skip claiming, but claim was called %d times", f.claimCalls)
	}
}

func TestHandlerPanicIsRecoveredAndReportedAsFailure(t *testing.T) {
	registry := handlers.NewRegistry()
	registry.Register("boom", func(_ context.Context, _ handlers.Job) (map[string]any, error) {
		panic("kaboom")
	})

	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{
		{{ID: "j1", Op: "boom", Payload: map[string]any{}}},
	}}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick must not propagate a handler panic: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failed) != 1 {
		t.Fatalf("expected the panicking job to be reported as a failure, got completed=%v failed=%v", f.completed, f.failed)
	}
}

func TestDecodeJobRejectsMissingFields(t *testing.T) {
	cases := []wire.RawJob{
		{Op: "sum", Payload: map[string]any{}},
		{ID: "j1", Payload: map[string]any{}},
		{ID: "j1", Op: "sum"},
	}
	for _, raw := range cases {
		if _, err := decodeJob(raw); err == nil {
			t.Fatalf("expected decodeJob to reject %+v", raw)
		}
	}
}

func TestDecodeJobAcceptsEmptyPayloadObject(t *testing.T) {
	job, err := decodeJob(wire.RawJob{ID: "j1", Op: "sum", Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("decodeJob: %v", err)
	}
	if job.ID != "j1" || job.Op != "sum" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestRunningReflectsInFlightJobs(t *testing.T) {
	registry := handlers.NewRegistry()
	release := make(chan struct{})
	started := make(chan struct{})
	registry.Register("block", func(ctx context.Context, job handlers.Job) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{}, nil
	})

	f := &fakeDispatcher{claimQueue: [][]wire.RawJob{
		{{ID: "j1", Op: "block", Payload: map[string]any{}}},
	}}
	s, _ := newTestScheduler(t, f, registry, 2)

	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background()) }()

	<-started
	running := s.Running()
	close(release)
	<-done

	if len(running) != 1 || running[0].JobID != "j1" {
		t.Fatalf("expected j1 to be reported as running, got %+v", running)
	}
}

func TestDeliverRejectsUnknownAction(t *testing.T) {
	registry := handlers.NewRegistry()
	f := &fakeDispatcher{}
	s, _ := newTestScheduler(t, f, registry, 2)

	if err := s.deliver(context.Background(), outbox.Entry{JobID: "j1", Action: "unknown"}); err == nil {
		t.Fatal("expected deliver to reject an unknown outbox action")
	}
}
