package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/flowbind/internal/runtime/ack"
	"github.com/drblury/flowbind/internal/runtime/binding"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

// errCompleted ends a publisher whose source stream closed.
var errCompleted = errors.New("flowbind: source completed")

type pipeline struct {
	key  Key
	desc binding.Descriptor

	// drainCtx ends when a stop is requested; hardCtx when in-flight work must
	// be abandoned. drainCtx derives from hardCtx.
	hardCtx   context.Context
	abort     context.CancelFunc
	drainCtx  context.Context
	stopDrain context.CancelFunc
	done      chan struct{}
	finalErr  error

	mu       sync.Mutex
	state    State
	since    time.Time
	failures int
	restarts int
	lastErr  error
	tracker  *ack.Tracker
	healthy  bool
}

func newPipeline(root context.Context, key Key, desc binding.Descriptor) *pipeline {
	hardCtx, abort := context.WithCancel(root)
	drainCtx, stopDrain := context.WithCancel(hardCtx)
	return &pipeline{
		key:       key,
		desc:      desc,
		hardCtx:   hardCtx,
		abort:     abort,
		drainCtx:  drainCtx,
		stopDrain: stopDrain,
		done:      make(chan struct{}),
		state:     Starting,
		since:     time.Now(),
	}
}

func (p *pipeline) info() PipelineInfo {
	return PipelineInfo{
		Key:       p.key,
		Binding:   p.desc.QualifiedName(),
		Topic:     p.desc.Topic,
		Partition: p.key.Partition,
		Mode:      p.desc.Mode.String(),
	}
}

func (p *pipeline) requestStop() {
	p.stopDrain()
}

func (p *pipeline) stopping() bool {
	return p.drainCtx.Err() != nil
}

func (p *pipeline) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// setState moves the pipeline to s. A draining pipeline only moves on to
// Stopped, which is final.
func (p *pipeline) setState(s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if (p.state == Draining || p.state == Stopped) && s != Stopped {
		return false
	}
	if p.state != s {
		p.state = s
		p.since = time.Now()
	}
	return true
}

func (s *Supervisor) enter(p *pipeline, st State) {
	if p.setState(st) {
		s.metrics.setState(p.key, st)
	}
}

func (p *pipeline) beginRun() {
	p.mu.Lock()
	p.healthy = false
	p.tracker = nil
	p.mu.Unlock()
}

func (p *pipeline) attach(t *ack.Tracker) {
	p.mu.Lock()
	p.tracker = t
	p.mu.Unlock()
}

// exchanged records a successful element exchange and reports whether it was
// the first of the current run.
func (p *pipeline) exchanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy {
		return false
	}
	p.healthy = true
	p.failures = 0
	return true
}

func (p *pipeline) failed(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.lastErr = err
	return p.failures
}

func (p *pipeline) status() PipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PipelineStatus{
		Key:       p.key,
		Binding:   p.desc.QualifiedName(),
		Topic:     p.desc.Topic,
		Partition: p.key.Partition,
		Mode:      p.desc.Mode.String(),
		State:     p.state,
		Failures:  p.failures,
		Restarts:  p.restarts,
		Since:     p.since,
	}
	if p.tracker != nil {
		st.InFlight = p.tracker.InFlight()
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// supervise runs the pipeline until it is stopped, completes or fails fatally.
func (s *Supervisor) supervise(p *pipeline) {
	info := p.info()
	bo := newRestartBackoff(s.conf.BackoffBase, s.conf.BackoffMax)
	defer func() {
		s.enter(p, Stopped)
		s.metrics.setInFlight(p.key, 0)
		p.abort()
		if s.hooks.OnStop != nil {
			s.hooks.OnStop(info)
		}
		close(p.done)
	}()

	for {
		s.enter(p, Starting)
		if s.hooks.OnStart != nil {
			s.hooks.OnStart(info)
		}

		p.beginRun()
		err := s.runOnce(p)
		if p.stopping() {
			if err != nil && !errors.Is(err, context.Canceled) {
				fields := s.fields(p)
				fields["error"] = err.Error()
				s.log.Debug("Pipeline ended while draining", fields)
			}
			return
		}
		if errors.Is(err, errCompleted) {
			s.log.Info("Source completed", s.fields(p))
			return
		}
		if err == nil {
			err = &errspkg.HandlerFault{Binding: info.Binding, Partition: info.Partition, Err: errspkg.ErrHandlerStopped}
		}

		if p.healthySinceLastFailure() {
			bo.Reset()
		}
		attempt := p.failed(err)
		s.metrics.fault(p.key, err)
		if errors.Is(err, errspkg.ErrHandlerFault) && s.hooks.OnHandlerFault != nil {
			s.hooks.OnHandlerFault(info, err)
		}

		if errors.Is(err, errspkg.ErrIncomparableOffsets) {
			s.fatal(p, info, err)
			return
		}
		if attempt > s.conf.MaxFailures {
			s.fatal(p, info, &errspkg.FatalSupervisionError{
				Binding:   info.Binding,
				Partition: info.Partition,
				Failures:  attempt,
				Last:      err,
			})
			return
		}

		delay := bo.Next()
		s.enter(p, Restarting)
		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()
		s.metrics.restarted(p.key, delay)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(info, attempt, delay, err)
		}
		if err := s.sleep(p.drainCtx, delay); err != nil {
			return
		}
	}
}

// healthySinceLastFailure reports whether the last run exchanged an element,
// which resets the restart delay.
func (p *pipeline) healthySinceLastFailure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (s *Supervisor) fatal(p *pipeline, info PipelineInfo, err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.finalErr = err
	s.metrics.fault(p.key, err)
	s.log.Error("Pipeline failed permanently", err, s.fields(p))
	if s.hooks.OnFatal != nil {
		s.hooks.OnFatal(info, err)
	}
}

// runOnce opens the streams of one run and blocks until it ends. A nil error
// means the pipeline drained after a stop request.
func (s *Supervisor) runOnce(p *pipeline) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.HandlerFault{Binding: p.desc.QualifiedName(), Partition: p.key.Partition, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if p.desc.Direction == binding.Publishes {
		return s.publish(p)
	}
	return s.consume(p)
}

func (s *Supervisor) healthy(p *pipeline) {
	if !p.exchanged() {
		return
	}
	s.enter(p, Running)
	if s.hooks.OnHealthy != nil {
		s.hooks.OnHealthy(p.info())
	}
}

// restartBackoff yields exponential delays with ±50% jitter that never
// decrease and never exceed the cap.
type restartBackoff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

func newRestartBackoff(base, max time.Duration) *restartBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxInterval = max
	exp.Reset()
	return &restartBackoff{exp: exp, max: max}
}

func (b *restartBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d > b.max {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

func (b *restartBackoff) Reset() {
	b.exp.Reset()
	b.last = 0
}
