package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/acplink/transport"
)

var errNoTransport = errors.New("no transport configured")

// supervisor owns the agent's lifecycle: one transport at a time, a
// readiness check, bounded restarts after a crash and an orderly stop.
// Every field below mu is guarded by it; gen is bumped whenever a run is
// abandoned so its goroutines become no-ops.
type supervisor struct {
	baseCtx  context.Context
	d        *Dispatcher
	events   *eventHub
	log      *slog.Logger
	teardown func(reason string)
	cfg      ClientConfig

	tr           transport.Transport
	readiness    *Readiness
	cancelRun    context.CancelFunc
	restartTimer *time.Timer
	stableTimer  *time.Timer
	stopDone     chan struct{}
	runID        string
	agentInfo    json.RawMessage
	mu           sync.Mutex
	gen          uint64
	attempt      int
	state        State
	restarting   bool
}

func newSupervisor(cfg ClientConfig, d *Dispatcher, events *eventHub, log *slog.Logger, teardown func(string)) *supervisor {
	return &supervisor{
		cfg:       cfg,
		d:         d,
		events:    events,
		log:       log,
		teardown:  teardown,
		baseCtx:   context.Background(),
		readiness: failedReadiness(errors.New("not started")),
	}
}

// Start launches the agent if idle. While a start or restart is in flight,
// or the agent is ready, it returns the existing Readiness and spawns
// nothing. ctx contributes values only; the agent outlives it.
func (s *supervisor) Start(ctx context.Context) *Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarting, StateReady:
		return s.readiness
	case StateStopping:
		return failedReadiness(ErrStopping)
	}
	if s.restarting {
		return s.readiness
	}
	if s.cfg.Transport == nil {
		return failedReadiness(&TransportError{Op: "start", Err: errNoTransport})
	}

	s.baseCtx = context.WithoutCancel(ctx)
	s.readiness = newReadiness()
	s.attempt = 0
	s.launchLocked()
	return s.readiness
}

func (s *supervisor) launchLocked() {
	s.gen++
	s.runID = uuid.NewString()
	s.agentInfo = nil

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancelRun = cancel
	s.setStateLocked(StateStarting, nil)
	go s.run(ctx, s.gen, s.runID)
}

func (s *supervisor) run(ctx context.Context, gen uint64, runID string) {
	log := s.log.With("run_id", runID)
	tr := s.cfg.Transport(
		transport.WithStateHook(func(ev transport.StateEvent) {
			s.events.publish(TransportStateEvent{State: ev.State, RunID: runID, Err: ev.Err})
		}),
		transport.WithLogger(log),
	)

	if err := tr.Connect(ctx); err != nil {
		log.Warn("agent connect failed", "err", err)
		s.crash(gen, &TransportError{Op: "connect", Err: err})
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.tr = tr
	s.d.attach(tr)
	s.mu.Unlock()

	go s.read(ctx, gen, tr)

	info, err := s.awaitReady(ctx)
	if err != nil {
		s.crash(gen, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateStarting {
		return
	}
	s.agentInfo = info
	s.setStateLocked(StateReady, nil)
	s.readiness.resolve(nil)
	s.armStableLocked(gen)
	if s.cfg.HealthInterval > 0 && s.cfg.Methods.Heartbeat != "" {
		go s.healthLoop(ctx, gen)
	}
}

// read runs the dispatcher's reader until the transport ends, then treats
// the end as a crash unless the run was already abandoned.
func (s *supervisor) read(ctx context.Context, gen uint64, tr transport.Transport) {
	err := s.d.Serve(ctx, tr)
	cause := tr.Err()
	if cause == nil {
		cause = err
	}
	if cause == nil {
		cause = transport.ErrPeerClosed
	}
	s.crash(gen, &TransportError{Op: "receive", Err: cause})
}

func (s *supervisor) awaitReady(ctx context.Context) (json.RawMessage, error) {
	if !s.cfg.Handshake || s.cfg.Methods.Initialize == "" {
		timer := time.NewTimer(s.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	info := s.cfg.ClientInfo
	call, err := s.d.Send(ctx, s.cfg.Methods.Initialize, InitializeRequest{
		ProtocolVersion:    ProtocolVersion,
		ClientInfo:         &info,
		ClientCapabilities: &ClientCapabilities{},
	})
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return raw, nil
}

// crash handles the end of run gen while Starting or Ready. Outstanding
// calls and sessions are failed before any restart is scheduled.
func (s *supervisor) crash(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateStarting && s.state != StateReady) {
		s.mu.Unlock()
		return
	}
	s.log.Warn("agent crashed", "run_id", s.runID, "state", s.state.String(), "err", cause)
	s.setStateLocked(StateCrashed, cause)
	s.gen++
	s.cancelRun()
	s.stopStableLocked()

	tr := s.tr
	s.tr = nil
	s.d.detach()
	if n := s.d.table.expireAll(&ClosedError{Reason: ReasonProcessTerminated, Cause: cause}); n > 0 {
		s.log.Warn("failed outstanding calls", "run_id", s.runID, "count", n)
	}
	s.teardown(ReasonProcessTerminated)
	s.scheduleRestartLocked(cause)
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
}

func (s *supervisor) scheduleRestartLocked(cause error) {
	if s.attempt >= s.cfg.MaxRestarts {
		s.setStateLocked(StateIdle, cause)
		if s.cfg.MaxRestarts > 0 {
			s.log.Error("agent restart budget exhausted", "attempts", s.attempt, "err", cause)
		}
		s.readiness.resolve(fmt.Errorf("%w after %d attempts: %w", ErrRestartsExhausted, s.attempt, cause))
		return
	}

	s.attempt++
	delay := s.backoff(s.attempt)
	if s.readiness.resolved() {
		s.readiness = newReadiness()
	}
	s.restarting = true
	s.setStateLocked(StateIdle, cause)
	s.log.Info("scheduling agent restart", "attempt", s.attempt, "delay", delay)

	gen := s.gen
	s.restartTimer = time.AfterFunc(delay, func() { s.restart(gen) })
}

func (s *supervisor) restart(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || !s.restarting || s.state != StateIdle {
		return
	}
	s.restarting = false
	s.launchLocked()
}

// backoff doubles from InitialBackoff per attempt, capped at MaxBackoff.
func (s *supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.cfg.MaxBackoff > 0 && d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if s.cfg.MaxBackoff > 0 && d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}

// armStableLocked resets the restart counter once the agent has stayed
// ready for StableAfter.
func (s *supervisor) armStableLocked(gen uint64) {
	if s.attempt == 0 {
		return
	}
	if s.cfg.StableAfter <= 0 {
		s.attempt = 0
		return
	}
	s.stableTimer = time.AfterFunc(s.cfg.StableAfter, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen && s.state == StateReady {
			s.log.Debug("agent stable, resetting restart counter", "attempts", s.attempt)
			s.attempt = 0
		}
	})
}

func (s *supervisor) stopStableLocked() {
	if s.stableTimer != nil {
		s.stableTimer.Stop()
		s.stableTimer = nil
	}
}

func (s *supervisor) healthLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
		err := s.d.Call(hctx, s.cfg.Methods.Heartbeat, nil, nil)
		cancel()

		// An error response still proves the agent is alive.
		var remote *RemoteError
		if err == nil || errors.As(err, &remote) {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		s.log.Warn("health check failed", "failures", failures, "err", err)
		if failures >= s.cfg.HealthFailureThreshold {
			s.crash(gen, fmt.Errorf("health check failed %d consecutive times: %w", failures, err))
			return
		}
	}
}

// Stop drains outstanding calls for up to StopGrace, fails the rest,
// closes the transport and returns to Idle. It is safe to call in any
// state and from several goroutines.
func (s *supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopping:
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateIdle, StateCrashed:
		if s.restarting {
			s.restarting = false
			s.restartTimer.Stop()
			s.gen++
			s.readiness.resolve(&ClosedError{Reason: ReasonClientStopped})
			s.log.Info("cancelled pending agent restart")
		}
		s.mu.Unlock()
		return nil
	}

	s.setStateLocked(StateStopping, nil)
	s.gen++
	s.cancelRun()
	s.stopStableLocked()
	s.readiness.resolve(&ClosedError{Reason: ReasonClientStopped})
	tr := s.tr
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	s.drain(ctx, tr)
	s.d.detach()
	if n := s.d.table.expireAll(&ClosedError{Reason: ReasonClientStopped}); n > 0 {
		s.log.Info("failed calls still outstanding at stop", "count", n)
	}

	var closeErr error
	if tr != nil {
		closeErr = tr.Close()
	}
	s.teardown(ReasonClientStopped)

	s.mu.Lock()
	s.tr = nil
	s.setStateLocked(StateIdle, nil)
	close(done)
	s.mu.Unlock()

	if closeErr != nil {
		return &TransportError{Op: "close", Err: closeErr}
	}
	return nil
}

func (s *supervisor) drain(ctx context.Context, tr transport.Transport) {
	if s.d.Outstanding() == 0 {
		return
	}
	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()

	var gone <-chan struct{}
	if tr != nil {
		gone = tr.Done()
	}
	select {
	case <-s.d.table.emptied():
	case <-timer.C:
	case <-ctx.Done():
	case <-gone:
	}
}

func (s *supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *supervisor) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *supervisor) AgentInfo() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentInfo
}

// setStateLocked records a transition and queues its event while mu is
// held, so listeners see transitions in order.
func (s *supervisor) setStateLocked(to State, err error) {
	from := s.state
	s.state = to
	s.log.Info("agent state changed",
		"from", from.String(), "to", to.String(),
		"run_id", s.runID, "attempt", s.attempt)
	s.events.publish(StateChangeEvent{From: from, To: to, RunID: s.runID, Attempt: s.attempt, Err: err})
}
