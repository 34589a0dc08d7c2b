// Package health supervises the external services the model host depends on:
// it probes each one periodically, tracks a health state and rolling metrics
// per service, gates control calls through a circuit breaker and restarts
// critical services that go down.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"modelwarden/internal/breaker"
	"modelwarden/internal/events"
	"modelwarden/pkg/types"
)

// latencyAlpha is the smoothing factor of the response time average.
const latencyAlpha = 0.1

// SupervisorConfig carries the collaborators of a Supervisor.
type SupervisorConfig struct {
	Clock     clock.Clock
	Logger    *zerolog.Logger
	Publisher events.Publisher
}

type entry struct {
	desc Descriptor
	svc  Service
	br   *breaker.Breaker

	state       State
	probed      bool
	detail      string
	lastCheck   time.Time
	lastLatency time.Duration
	upSince     time.Time
	requests    int64
	errors      int64
	avg         time.Duration
	restarts    int64
	restarting  bool

	stop chan struct{}
}

// Supervisor owns the registered services and their poll loops.
type Supervisor struct {
	mu      sync.Mutex
	entries map[string]*entry

	clk clock.Clock
	pub events.Publisher
	log zerolog.Logger

	// ctx scopes background restarts; cancelled by Close.
	ctx     context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	pending sync.WaitGroup
	closed  bool
}

// NewSupervisor constructs an empty supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		entries: make(map[string]*entry),
		clk:     clk,
		pub:     events.OrNoop(cfg.Publisher),
		log:     lg.With().Str("component", "supervisor").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a service, seeds its state to down and starts polling it.
func (s *Supervisor) Register(d Descriptor, svc Service) error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", errInvalidDescriptor)
	}
	if svc == nil {
		return fmt.Errorf("%w: %s has no service", errInvalidDescriptor, d.Name)
	}
	d = d.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: supervisor closed", errInvalidDescriptor)
	}
	if _, dup := s.entries[d.Name]; dup {
		return fmt.Errorf("%w: duplicate service %s", errInvalidDescriptor, d.Name)
	}
	e := &entry{
		desc:  d,
		svc:   svc,
		state: StateDown,
		stop:  make(chan struct{}),
	}
	e.br = breaker.New(breaker.Config{
		Name:          d.Name,
		Threshold:     d.FailureThreshold,
		Cooldown:      d.Cooldown,
		Clock:         s.clk,
		OnStateChange: s.breakerChanged,
	})
	s.entries[d.Name] = e
	healthState.WithLabelValues(d.Name).Set(stateValue(StateDown))
	breakerState.WithLabelValues(d.Name).Set(0)

	s.loops.Add(1)
	go s.poll(d.Name, d.Interval, e.stop)

	s.log.Info().Str("service", d.Name).Dur("interval", d.Interval).Msg("service registered")
	return nil
}

// Unregister stops polling a service and forgets it.
func (s *Supervisor) Unregister(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return serviceNotFoundError{name}
	}
	delete(s.entries, name)
	close(e.stop)
	s.mu.Unlock()

	healthState.DeleteLabelValues(name)
	breakerState.DeleteLabelValues(name)
	return nil
}

func (s *Supervisor) poll(name string, every time.Duration, stop <-chan struct{}) {
	defer s.loops.Done()
	t := s.clk.Ticker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-t.C:
			// Failures are recorded on the entry; nothing to propagate.
			_, _ = s.Check(s.ctx, name)
		}
	}
}

// CheckAll probes every registered service once, concurrently.
func (s *Supervisor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range s.names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, _ = s.Check(ctx, name)
		}(name)
	}
	wg.Wait()
}

// Check runs one health probe through the service's breaker and records the
// outcome. The returned error is the probe failure, if any.
func (s *Supervisor) Check(ctx context.Context, name string) (State, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return StateDown, serviceNotFoundError{name}
	}

	began := s.clk.Now()
	var res Result
	err := e.br.Execute(func() error {
		var perr error
		res, perr = callWithTimeout(ctx, s.clk, e.desc.Timeout, e.svc.HealthCheck)
		return perr
	})
	latency := s.clk.Since(began)
	next := classify(res, err, latency, e.desc.Timeout)
	probeLatency.WithLabelValues(name).Observe(latency.Seconds())

	s.mu.Lock()
	prev, wasProbed := e.state, e.probed
	e.probed = true
	e.state = next
	e.lastCheck = s.clk.Now()
	e.lastLatency = latency
	e.requests++
	if e.avg == 0 {
		e.avg = latency
	} else {
		e.avg = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(e.avg))
	}
	if err != nil {
		e.errors++
		e.detail = err.Error()
	} else {
		e.detail = res.Detail
	}
	switch {
	case next == StateDown:
		e.upSince = time.Time{}
	case e.upSince.IsZero():
		e.upSince = e.lastCheck
	}
	restart := next == StateDown && (prev != StateDown || !wasProbed) &&
		e.desc.Critical && e.desc.AutoRestart && !e.restarting && !s.closed
	if restart {
		e.restarting = true
		s.pending.Add(1)
	}
	detail := e.detail
	s.mu.Unlock()

	if err != nil {
		probesTotal.WithLabelValues(name, "error").Inc()
		s.log.Warn().Err(err).Str("service", name).Msg("health check failed")
	} else {
		probesTotal.WithLabelValues(name, "ok").Inc()
	}
	if prev != next {
		s.transition(name, prev, next, detail)
	}
	if restart {
		go s.autoRestart(e, name)
	}
	return next, err
}

// classify maps one probe outcome onto a health state.
func classify(res Result, err error, latency, timeout time.Duration) State {
	switch {
	case err != nil:
		return StateDown
	case !res.Healthy:
		return StateCritical
	case res.Degraded || latency > timeout/2:
		return StateWarning
	}
	return StateHealthy
}

func (s *Supervisor) transition(name string, from, to State, detail string) {
	healthState.WithLabelValues(name).Set(stateValue(to))
	s.log.Info().Str("service", name).Str("from", string(from)).Str("to", string(to)).Msg("service health changed")
	s.pub.Publish(events.Event{
		Name:    "service_health",
		Subject: name,
		Time:    s.clk.Now(),
		Fields:  map[string]any{"from": string(from), "to": string(to), "detail": detail},
	})
}

func (s *Supervisor) breakerChanged(name string, from, to breaker.State) {
	breakerState.WithLabelValues(name).Set(breakerValue(to))
	s.log.Warn().Str("service", name).Str("from", string(from)).Str("to", string(to)).Msg("breaker state changed")
	s.pub.Publish(events.Event{
		Name:    "breaker_state",
		Subject: name,
		Time:    s.clk.Now(),
		Fields:  map[string]any{"from": string(from), "to": string(to)},
	})
}

func (s *Supervisor) autoRestart(e *entry, name string) {
	defer s.pending.Done()
	defer func() {
		s.mu.Lock()
		e.restarting = false
		s.mu.Unlock()
	}()
	s.log.Warn().Str("service", name).Msg("critical service down, restarting")
	if err := s.Restart(s.ctx, name); err != nil {
		s.log.Error().Err(err).Str("service", name).Msg("auto restart failed")
	}
}

func (s *Supervisor) lookup(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, serviceNotFoundError{name}
	}
	return e, nil
}

// Start starts a service once all of its dependencies report healthy.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := s.dependenciesMet(e); err != nil {
		return err
	}
	err = e.br.Execute(func() error {
		_, cerr := callWithTimeout(ctx, s.clk, e.desc.Timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.svc.Start(ctx)
		})
		return cerr
	})
	if err != nil {
		if breaker.IsOpen(err) {
			return err
		}
		return probeError{name: name, op: "start", err: err}
	}

	s.mu.Lock()
	prev := e.state
	if prev == StateDown {
		e.state = StateStarting
	}
	s.mu.Unlock()
	if prev == StateDown {
		s.transition(name, prev, StateStarting, "started")
	}
	s.log.Info().Str("service", name).Msg("service started")
	return nil
}

func (s *Supervisor) dependenciesMet(e *entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range e.desc.Dependencies {
		d, ok := s.entries[dep]
		if !ok {
			return dependencyUnmetError{name: e.desc.Name, dep: dep, state: "unregistered"}
		}
		if d.state != StateHealthy {
			return dependencyUnmetError{name: e.desc.Name, dep: dep, state: d.state}
		}
	}
	return nil
}

// Stop stops a service and marks it down.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	err = e.br.Execute(func() error {
		_, cerr := callWithTimeout(ctx, s.clk, e.desc.Timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.svc.Stop(ctx)
		})
		return cerr
	})
	if err != nil {
		if breaker.IsOpen(err) {
			return err
		}
		return probeError{name: name, op: "stop", err: err}
	}

	s.mu.Lock()
	prev := e.state
	e.state = StateDown
	e.upSince = time.Time{}
	s.mu.Unlock()
	if prev != StateDown {
		s.transition(name, prev, StateDown, "stopped")
	}
	s.log.Info().Str("service", name).Msg("service stopped")
	return nil
}

// Restart stops the service, waits the settle delay and starts it again,
// retrying the start up to MaxRetries times.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	// A service that is already dead may refuse to stop; the start decides.
	if err := s.Stop(ctx, name); err != nil {
		s.log.Warn().Err(err).Str("service", name).Msg("stop before restart failed")
	}
	if d := e.desc.RestartDelay; d > 0 {
		select {
		case <-s.clk.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempts := e.desc.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		if err = s.Start(ctx, name); err == nil {
			break
		}
		s.log.Warn().Err(err).Str("service", name).Int("attempt", i).Msg("restart attempt failed")
		if breaker.IsOpen(err) || IsDependencyUnmet(err) || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		restartsTotal.WithLabelValues(name, "failed").Inc()
		s.pub.Publish(events.Event{
			Name: "service_restart_failed", Subject: name, Time: s.clk.Now(),
			Fields: map[string]any{"error": err.Error()},
		})
		return err
	}
	s.mu.Lock()
	e.restarts++
	s.mu.Unlock()
	restartsTotal.WithLabelValues(name, "ok").Inc()
	s.pub.Publish(events.Event{Name: "service_restart", Subject: name, Time: s.clk.Now()})
	return nil
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Status returns the current view of one service.
func (s *Supervisor) Status(name string) (types.ServiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return types.ServiceStatus{}, serviceNotFoundError{name}
	}
	return s.statusLocked(e), nil
}

// Statuses returns every service ordered by name.
func (s *Supervisor) Statuses() []types.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ServiceStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) statusLocked(e *entry) types.ServiceStatus {
	snap := e.br.Snapshot()
	st := types.ServiceStatus{
		Name:         e.desc.Name,
		Label:        e.desc.Label,
		Health:       string(e.state),
		Breaker:      string(snap.State),
		Failures:     snap.Failures,
		Critical:     e.desc.Critical,
		AutoRestart:  e.desc.AutoRestart,
		Dependencies: append([]string(nil), e.desc.Dependencies...),
		Detail:       e.detail,
		LastCheck:    e.lastCheck,
		LastLatency:  e.lastLatency,
		Requests:     e.requests,
		Errors:       e.errors,
		AvgResponse:  e.avg,
		Restarts:     e.restarts,
	}
	if !e.upSince.IsZero() {
		st.UptimeSeconds = int64(s.clk.Since(e.upSince).Seconds())
	}
	return st
}

// SystemHealth rolls every service up into one system state. It is computed
// on each call from the current service states.
func (s *Supervisor) SystemHealth() types.SystemHealthResponse {
	statuses := s.Statuses()
	return types.SystemHealthResponse{Status: string(rollup(statuses)), Services: statuses}
}

// rollup is healthy when every service is healthy, critical when a critical
// service is not, down when most services are unhealthy and warning otherwise.
func rollup(statuses []types.ServiceStatus) State {
	unhealthy := 0
	criticalHit := false
	for _, st := range statuses {
		if State(st.Health) == StateHealthy {
			continue
		}
		unhealthy++
		if st.Critical {
			criticalHit = true
		}
	}
	switch {
	case unhealthy == 0:
		return StateHealthy
	case criticalHit:
		return StateCritical
	case unhealthy*2 > len(statuses):
		return StateDown
	}
	return StateWarning
}

// Close stops every poll loop and waits for background restarts to settle.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.loops.Wait()
	s.pending.Wait()
}

// callWithTimeout races fn against a timer on clk. fn's context is cancelled
// when the timer fires so well-behaved callees can return early.
func callWithTimeout[T any](ctx context.Context, clk clock.Clock, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	t := clk.Timer(d)
	defer t.Stop()
	var zero T
	select {
	case o := <-ch:
		return o.v, o.err
	case <-t.C:
		return zero, timeoutError{after: d.String()}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
