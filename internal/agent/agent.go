// Package agent owns the bot's lifecycle state machine and the two
// long-running loops that drive it: registration-then-run, and
// heartbeat (spec.md §4.7). Grounded on the teacher's connection.Manager
// — a Run(ctx) method that registers, then runs a heartbeat goroutine
// alongside a main loop, both gated by the same cancellable context —
// generalized from a persistent gRPC stream to a claim/report poll loop.
//
// Unlike the teacher's BotState-equivalent (left declared but unused in
// the Python original this system is based on), State here is
// authoritative: every phase of Run asserts it via setState, and a
// disallowed transition is a logged bug rather than silently permitted.
package agent

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/arkeep-io/dispatch-agent/internal/backoff"
	"github.com/arkeep-io/dispatch-agent/internal/dispatcher"
	"github.com/arkeep-io/dispatch-agent/internal/handlers"
	"github.com/arkeep-io/dispatch-agent/internal/hostmetrics"
	"github.com/arkeep-io/dispatch-agent/internal/identity"
	"github.com/arkeep-io/dispatch-agent/internal/outbox"
	"github.com/arkeep-io/dispatch-agent/internal/scheduler"
	"github.com/arkeep-io/dispatch-agent/internal/settings"
	"github.com/arkeep-io/dispatch-agent/internal/telemetry"
	"github.com/arkeep-io/dispatch-agent/internal/wire"
)

// State is the bot's lifecycle phase (spec.md §9 redesign: made
// authoritative instead of vestigial).
type State int

const (
	StateBootstrap State = iota
	StateRegister
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBootstrap:
		return "bootstrap"
	case StateRegister:
		return "register"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// allowedTransitions enumerates every legal state change. Registration
// may be retried from itself (backoff loop) or re-entered from Running
// (a future re-register path); anything else is a programming error.
var allowedTransitions = map[State][]State{
	StateBootstrap: {StateRegister},
	StateRegister:  {StateRegister, StateRunning},
	StateRunning:   {StateRegister, StateDraining},
	StateDraining:  {StateStopped},
	StateStopped:   {},
}

// Agent wires a registered identity, dispatcher client, and handler
// registry into the register → run → drain lifecycle.
type Agent struct {
	settings  settings.Settings
	identity  identity.Identity
	client    *dispatcher.Client
	registry  *handlers.Registry
	outbox    *outbox.Outbox
	telemetry *telemetry.Telemetry
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	botID     string
	scheduler *scheduler.Scheduler
}

// New returns an Agent ready to Run. No network calls happen until Run
// is called.
func New(
	cfg settings.Settings,
	ident identity.Identity,
	client *dispatcher.Client,
	registry *handlers.Registry,
	obx *outbox.Outbox,
	tel *telemetry.Telemetry,
	logger *zap.Logger,
) *Agent {
	return &Agent{
		settings:  cfg,
		identity:  ident,
		client:    client,
		registry:  registry,
		outbox:    obx,
		telemetry: tel,
		logger:    logger.Named("agent"),
		state:     StateBootstrap,
	}
}

// State returns the agent's current lifecycle phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allowed := false
	for _, s := range allowedTransitions[a.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		a.logger.Error("rejected illegal state transition",
			zap.String("from", a.state.String()), zap.String("to", next.String()))
		return
	}
	a.logger.Info("state transition", zap.String("from", a.state.String()), zap.String("to", next.String()))
	a.state = next
}

// Run executes the full lifecycle: register (retrying under backoff
// until it succeeds or ctx is cancelled), then alternates ticking the
// scheduler with a concurrent heartbeat goroutine until ctx is
// cancelled, then drains.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("agent: registration aborted: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeatLoop(hbCtx)
	}()

	policy := backoff.New(a.settings.MinBackoff, a.settings.MaxBackoff)
	for ctx.Err() == nil {
		if err := a.scheduler.Tick(ctx); err != nil {
			a.logger.Warn("tick failed, backing off", zap.Error(err))
			delay := policy.NextDelay()
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		policy.Reset()
	}

	a.setState(StateDraining)
	hbCancel()
	<-hbDone
	a.setState(StateStopped)
	a.logger.Info("agent stopped")
	return nil
}

// register performs the initial handshake, retrying under the same
// backoff policy the run loop uses for tick failures until it succeeds
// or ctx is cancelled. The scheduler is constructed only on success —
// spec.md §3's invariant that a non-nil scheduler implies a known
// bot_id holds by construction.
func (a *Agent) register(ctx context.Context) error {
	a.setState(StateRegister)

	req := wire.RegisterRequest{
		BotKey:       a.identity.BotKey,
		InstanceID:   a.identity.InstanceID,
		Version:      a.settings.BotVersion,
		Capabilities: a.registry.Ops(),
		Resources:    hostCapacity(ctx),
	}

	policy := backoff.New(a.settings.MinBackoff, a.settings.MaxBackoff)
	for {
		resp, err := a.client.Register(ctx, req)
		if err == nil {
			a.mu.Lock()
			a.botID = resp.BotID
			a.mu.Unlock()

			a.scheduler = scheduler.New(
				a.client, resp.BotID, a.identity.InstanceID,
				a.settings.ClaimBatchSize,
				resp.Assignment.Operations, resp.Assignment.MaxConcurrency,
				a.registry, a.outbox, a.telemetry, a.logger,
			)
			a.scheduler.SetAssignment(resp.Assignment.Operations, resp.Assignment.MaxConcurrency, resp.Assignment.Paused)
			a.setState(StateRunning)
			a.logger.Info("registered", zap.String("bot_id", resp.BotID))
			return nil
		}

		a.logger.Warn("register failed, retrying", zap.Error(err))
		delay := policy.NextDelay()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval until ctx is
// cancelled, applying any returned assignment update to the scheduler.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	a.mu.Lock()
	botID := a.botID
	a.mu.Unlock()

	snap := hostmetrics.Collect(ctx)
	req := wire.HeartbeatRequest{
		InstanceID: a.identity.InstanceID,
		Running:    a.scheduler.Running(),
		Metrics:    wire.HeartbeatMetrics{CPU: snap.CPU, MemMB: snap.MemMB},
	}

	resp, err := a.client.Heartbeat(ctx, botID, req)
	if err != nil {
		a.logger.Warn("heartbeat failed", zap.Error(err))
		if a.telemetry != nil {
			a.telemetry.HeartbeatErrors.Inc()
		}
		return
	}

	// spec.md §9 redesign: paused now gates claiming, not just an inert
	// field the scheduler ignores.
	if resp.Assignment != nil {
		a.logger.Info("assignment updated",
			zap.Strings("operations", resp.Assignment.Operations),
			zap.Int("max_concurrency", resp.Assignment.MaxConcurrency),
			zap.Bool("paused", resp.Assignment.Paused))
		a.scheduler.SetAssignment(resp.Assignment.Operations, resp.Assignment.MaxConcurrency, resp.Assignment.Paused)
	}
}

// hostCapacity reports this machine's advertised capacity at
// registration — distinct from hostmetrics.Collect, which reports
// point-in-time utilization for heartbeats.
func hostCapacity(ctx context.Context) wire.Resources {
	memMB := 128 // validator floor; overwritten below when readable
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		if total := int(vm.Total / (1024 * 1024)); total > memMB {
			memMB = total
		}
	}
	return wire.Resources{
		CPUCores: runtime.NumCPU(),
		MemMB:    memMB,
	}
}
