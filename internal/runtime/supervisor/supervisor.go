// Package supervisor runs one pipeline per (binding, partition) and keeps it
// alive: it wires the bound handler to the broker through the ack protocol of
// its mode, restarts it with backoff after faults and drains it on stop.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/flowbind/internal/runtime/binding"
	configpkg "github.com/drblury/flowbind/internal/runtime/config"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/transport"
)

// State is the lifecycle state of a pipeline.
type State int

const (
	Starting State = iota
	Running
	Draining
	Stopped
	Restarting
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Restarting:
		return "restarting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key identifies a pipeline: a binding ID and a partition, or
// binding.NoPartition for unpartitioned bindings.
type Key struct {
	Binding   string `json:"binding"`
	Partition int    `json:"partition"`
}

func (k Key) String() string {
	if k.Partition == binding.NoPartition {
		return k.Binding
	}
	return fmt.Sprintf("%s[%d]", k.Binding, k.Partition)
}

// Config tunes supervision.
type Config struct {
	// Window bounds uncommitted elements in flight per pipeline.
	Window int
	// DrainGrace is how long a stopping pipeline may finish in-flight work.
	DrainGrace time.Duration
	// BackoffBase is the first restart delay.
	BackoffBase time.Duration
	// BackoffMax caps restart delays.
	BackoffMax time.Duration
	// MaxFailures is the number of consecutive failures that are retried.
	// The next one is fatal.
	MaxFailures int
}

// ConfigFrom extracts supervision settings from the runtime configuration.
func ConfigFrom(conf *configpkg.Config) Config {
	if conf == nil {
		return Config{}.withDefaults()
	}
	return Config{
		Window:      conf.Window,
		DrainGrace:  conf.DrainGrace,
		BackoffBase: conf.BackoffBase,
		BackoffMax:  conf.BackoffMax,
		MaxFailures: conf.MaxConsecutiveFailures,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = configpkg.DefaultWindow
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = configpkg.DefaultDrainGrace
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = configpkg.DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = configpkg.DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = configpkg.DefaultMaxConsecutiveFailures
	}
	return c
}

// Dependencies holds the collaborators a Supervisor works with.
type Dependencies struct {
	Transport transport.Transport
	Store     offsetstore.Store
	Logger    logging.ServiceLogger
	Hooks     Hooks
	Metrics   *Metrics
	// Sleep waits between restarts. Defaults to a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// PipelineStatus is a point-in-time view of one pipeline.
type PipelineStatus struct {
	Key       Key       `json:"key"`
	Binding   string    `json:"binding"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Mode      string    `json:"mode"`
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	Restarts  int       `json:"restarts"`
	InFlight  int       `json:"in_flight"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Supervisor owns the active pipelines.
type Supervisor struct {
	conf      Config
	transport transport.Transport
	store     offsetstore.Store
	log       logging.ServiceLogger
	hooks     Hooks
	metrics   *Metrics
	sleep     func(ctx context.Context, d time.Duration) error

	root   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pipelines map[Key]*pipeline
}

// New creates a Supervisor. The transport and store are required.
func New(conf Config, deps Dependencies) (*Supervisor, error) {
	if deps.Transport == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("flowbind: offset store is required")
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	root, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		conf:      conf.withDefaults(),
		transport: deps.Transport,
		store:     deps.Store,
		log:       logging.OrNop(deps.Logger),
		hooks:     deps.Hooks,
		metrics:   deps.Metrics,
		sleep:     sleep,
		root:      root,
		cancel:    cancel,
		pipelines: make(map[Key]*pipeline),
	}, nil
}

// Config returns the effective supervision settings.
func (s *Supervisor) Config() Config { return s.conf }

// ConsumerWindow is the window of subscriber pipelines. Backends that hand out
// one message per acknowledgement get 1.
func (s *Supervisor) ConsumerWindow() int {
	if !s.transport.Capabilities().ConcurrentAck {
		return 1
	}
	return s.conf.Window
}

// Start launches the pipeline of desc for partition. Starting a pipeline that
// is already active is a no-op; a pipeline that stopped on its own is
// replaced by a fresh one.
func (s *Supervisor) Start(desc binding.Descriptor, partition int) (Key, error) {
	key := Key{Binding: desc.ID, Partition: partition}
	if err := desc.CheckPartition(partition); err != nil {
		return key, err
	}

	s.mu.Lock()
	if s.root.Err() != nil {
		s.mu.Unlock()
		return key, errspkg.ErrBrokerClosed
	}
	if existing, ok := s.pipelines[key]; ok && !existing.finished() {
		s.mu.Unlock()
		return key, nil
	}
	p := newPipeline(s.root, key, desc)
	s.pipelines[key] = p
	s.mu.Unlock()

	go s.supervise(p)
	return key, nil
}

// Stop drains and stops the pipeline. In-flight work gets DrainGrace to
// finish; after that it is abandoned. Stop returns early with ctx's error,
// leaving the pipeline to finish stopping in the background.
func (s *Supervisor) Stop(ctx context.Context, key Key) error {
	s.mu.Lock()
	p, ok := s.pipelines[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownBinding, key)
	}

	if err := s.drain(ctx, p); err != nil {
		return err
	}

	s.mu.Lock()
	if s.pipelines[key] == p {
		delete(s.pipelines, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) drain(ctx context.Context, p *pipeline) error {
	p.requestStop()
	if !p.finished() {
		s.enter(p, Draining)
	}

	grace := time.NewTimer(s.conf.DrainGrace)
	defer grace.Stop()

	select {
	case <-p.done:
		return nil
	case <-grace.C:
		s.log.Info("Drain grace expired, abandoning in-flight work", s.fields(p))
		p.abort()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopBinding stops every pipeline of a binding ID.
func (s *Supervisor) StopBinding(ctx context.Context, bindingID string) error {
	return s.stopWhere(ctx, func(k Key) bool { return k.Binding == bindingID })
}

// StopAll stops every pipeline concurrently and closes the supervisor for new
// pipelines.
func (s *Supervisor) StopAll(ctx context.Context) error {
	err := s.stopWhere(ctx, func(Key) bool { return true })
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	return err
}

func (s *Supervisor) stopWhere(ctx context.Context, match func(Key) bool) error {
	s.mu.Lock()
	var keys []Key
	for key := range s.pipelines {
		if match(key) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			return s.Stop(gctx, key)
		})
	}
	return g.Wait()
}

// State reports the state of one pipeline.
func (s *Supervisor) State(key Key) (State, bool) {
	s.mu.Lock()
	p, ok := s.pipelines[key]
	s.mu.Unlock()
	if !ok {
		return Stopped, false
	}
	return p.status().State, true
}

// Done is closed once the pipeline reached Stopped. Unknown keys yield nil.
func (s *Supervisor) Done(key Key) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[key]; ok {
		return p.done
	}
	return nil
}

// Err returns the error a stopped pipeline ended with, nil while it runs or
// when it stopped cleanly.
func (s *Supervisor) Err(key Key) error {
	s.mu.Lock()
	p, ok := s.pipelines[key]
	s.mu.Unlock()
	if !ok || !p.finished() {
		return nil
	}
	return p.finalErr
}

// Status lists every pipeline ordered by key.
func (s *Supervisor) Status() []PipelineStatus {
	s.mu.Lock()
	out := make([]PipelineStatus, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.status())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Binding != out[j].Key.Binding {
			return out[i].Key.Binding < out[j].Key.Binding
		}
		return out[i].Key.Partition < out[j].Key.Partition
	})
	return out
}

func (s *Supervisor) fields(p *pipeline) logging.LogFields {
	return logging.PartitionFields(p.desc.QualifiedName(), p.key.Partition).With(logging.FieldTopic, p.desc.Topic)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
