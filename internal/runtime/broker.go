package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowbind/internal/runtime/binding"
	"github.com/drblury/flowbind/internal/runtime/client"
	configpkg "github.com/drblury/flowbind/internal/runtime/config"
	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
	"github.com/drblury/flowbind/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbind/internal/runtime/logging"
	"github.com/drblury/flowbind/internal/runtime/membership"
	"github.com/drblury/flowbind/internal/runtime/offsetstore"
	"github.com/drblury/flowbind/internal/runtime/partition"
	"github.com/drblury/flowbind/internal/runtime/supervisor"
	transportpkg "github.com/drblury/flowbind/internal/runtime/transport"
)

// BrokerDependencies holds the optional collaborators of a Broker. Nil fields
// are built from the configuration.
type BrokerDependencies struct {
	// Transport takes precedence over TransportFactory.
	Transport        transportpkg.Transport
	TransportFactory transportpkg.Factory
	OffsetStore      offsetstore.Store
	Membership       membership.Membership
	// Hooks run after the built-in logging hooks.
	Hooks supervisor.Hooks
	// Registry receives the pipeline collectors and backs /metrics. Defaults
	// to the Prometheus default registry.
	Registry *prometheus.Registry
}

// Broker owns the registered handlers and runs one supervised pipeline per
// binding and owned partition.
type Broker struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	node        string
	registry    *binding.Registry
	coordinator *partition.Coordinator
	supervisor  *supervisor.Supervisor
	transport   transportpkg.Transport
	store       offsetstore.Store
	members     membership.Membership
	clients     *client.Factory
	metrics     *supervisor.Metrics
	gatherer    prometheus.Gatherer
	usage       *usageSampler

	mu        sync.Mutex
	started   bool
	closed    bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
	releases  sync.WaitGroup

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server
}

// NewBroker validates conf and builds the transport, offset store and
// membership. Register handlers, then call Start.
func NewBroker(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BrokerDependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if c.NodeID == "" {
		c.NodeID = ids.NewNodeID()
	}
	log.Info("Creating broker", loggingpkg.LogFields{
		"pubsub_system":         c.PubSubSystem,
		loggingpkg.FieldProcess: c.NodeID,
		"config":                c,
	})

	b := &Broker{
		Conf:        &c,
		Logger:      log,
		node:        c.NodeID,
		registry:    binding.NewRegistry(),
		usage:       newUsageSampler(),
	}

	var err error
	b.transport, err = buildTransport(ctx, &c, log, deps)
	if err != nil {
		return nil, err
	}
	if caps := b.transport.Capabilities(); conf.Window > 1 && !caps.ConcurrentAck {
		_ = b.transport.Close()
		return nil, errspkg.NewConfigValidationError(fmt.Errorf(
			"supervision: window %d needs a transport that delivers past unacknowledged messages; %s hands out one message per acknowledgement, leave Window unset or set it to 1",
			conf.Window, caps.Name))
	}

	b.store = deps.OffsetStore
	if b.store == nil {
		if b.store, err = offsetstore.Open(ctx, &c); err != nil {
			_ = b.transport.Close()
			return nil, fmt.Errorf("flowbind: open offset store: %w", err)
		}
	}

	b.members = deps.Membership
	if b.members == nil {
		if b.members, err = selectMembership(ctx, &c, log); err != nil {
			_ = b.store.Close()
			_ = b.transport.Close()
			return nil, err
		}
	}

	// Memberships without a shared lease table are static, where a private
	// table is enough.
	b.coordinator = partition.NewCoordinator(log, membership.LeasesOf(b.members))
	if c.MembershipHeartbeat > 0 {
		b.coordinator.Resync = c.MembershipHeartbeat
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	b.gatherer = prometheus.DefaultGatherer
	if deps.Registry != nil {
		registerer, b.gatherer = deps.Registry, deps.Registry
	}
	b.metrics = supervisor.NewMetrics(registerer)
	if err := b.metrics.Register(); err != nil {
		log.Error("Failed to register pipeline metrics", err, nil)
	}

	b.supervisor, err = supervisor.New(supervisor.ConfigFrom(&c), supervisor.Dependencies{
		Transport: b.transport,
		Store:     b.store,
		Logger:    log,
		Hooks:     supervisor.LoggingHooks(log).Merge(deps.Hooks),
		Metrics:   b.metrics,
	})
	if err != nil {
		return nil, errors.Join(err, b.closeResources())
	}

	b.clients, err = client.NewFactory(b.transport, log)
	if err != nil {
		return nil, errors.Join(err, b.closeResources())
	}
	return b, nil
}

// closeResources releases what NewBroker opened, in reverse order.
func (b *Broker) closeResources() error {
	var errs []error
	if b.metrics != nil {
		b.metrics.Unregister()
	}
	if b.members != nil {
		errs = append(errs, b.members.Close())
	}
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.transport != nil {
		errs = append(errs, b.transport.Close())
	}
	return errors.Join(errs...)
}

func buildTransport(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BrokerDependencies) (transportpkg.Transport, error) {
	if deps.Transport != nil {
		return deps.Transport, nil
	}
	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, conf, log)
	if err != nil {
		return nil, fmt.Errorf("flowbind: build transport %q: %w", conf.PubSubSystem, err)
	}
	if t == nil {
		return nil, errspkg.ErrTransportRequired
	}
	return t, nil
}

// selectMembership uses NATS heartbeats when a membership URL is configured
// and the static member list otherwise.
func selectMembership(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (membership.Membership, error) {
	if conf.MembershipNATSURL != "" {
		m, err := membership.NewNATS(ctx, membership.NATSOptions{
			URL:       conf.MembershipNATSURL,
			Cluster:   conf.ClusterName,
			Self:      conf.NodeID,
			Heartbeat: conf.MembershipHeartbeat,
			TTL:       conf.MembershipTTL,
			Logger:    log,
		})
		if err != nil {
			return nil, fmt.Errorf("flowbind: membership: %w", err)
		}
		return m, nil
	}
	return membership.NewStatic(conf.NodeID, conf.ClusterMembers...), nil
}

// Node returns the process ID used for partition ownership.
func (b *Broker) Node() string { return b.node }

// Client returns the factory for unsupervised streams.
func (b *Broker) Client() *client.Factory { return b.clients }

// Register validates the bindings of h and, once the broker is started, runs
// them. Valid bindings are kept even when siblings fail validation; the
// returned error then lists the failures.
func (b *Broker) Register(h binding.Handler) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errspkg.ErrBrokerClosed
	}
	started := b.started
	b.mu.Unlock()

	set, err := b.registry.Register(h)
	if set == nil {
		return "", err
	}
	b.Logger.Info("Handler registered", loggingpkg.LogFields{"set": set.ID, "bindings": len(set.Descriptors)})

	if started {
		for _, desc := range set.Descriptors {
			b.activate(desc)
		}
	}
	return set.ID, err
}

// Deregister stops every pipeline of a registration and forgets it.
func (b *Broker) Deregister(ctx context.Context, setID string) error {
	set, ok := b.registry.Deregister(setID)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownBinding, setID)
	}
	var errs []error
	for _, desc := range set.Descriptors {
		if err := b.supervisor.StopBinding(ctx, desc.ID); err != nil {
			errs = append(errs, err)
		}
		// Leases go back only once the pipelines stopped.
		if desc.Coordinated() {
			b.coordinator.Untrack(desc.ID)
		}
	}
	b.Logger.Info("Handler deregistered", loggingpkg.LogFields{"set": setID})
	return errors.Join(errs...)
}

func (b *Broker) activate(desc binding.Descriptor) {
	if desc.Coordinated() {
		b.coordinator.Track(desc.ID, desc.PartitionCount)
		return
	}
	if _, err := b.supervisor.Start(desc, binding.NoPartition); err != nil {
		b.Logger.Error("Failed to start pipeline", err, loggingpkg.LogFields{loggingpkg.FieldBinding: desc.QualifiedName()})
	}
}

// OnAcquire starts the pipeline of a partition the coordinator granted.
func (b *Broker) OnAcquire(bindingID string, p int) {
	desc, ok := b.registry.Lookup(bindingID)
	if !ok {
		return
	}
	if _, err := b.supervisor.Start(desc, p); err != nil {
		b.Logger.Error("Failed to start pipeline", err, loggingpkg.PartitionFields(desc.QualifiedName(), p))
	}
}

// OnRelease drains the pipeline of a partition in the background and confirms
// the release once it stopped.
func (b *Broker) OnRelease(bindingID string, p int) {
	b.releases.Add(1)
	go func() {
		defer b.releases.Done()
		key := supervisor.Key{Binding: bindingID, Partition: p}
		if err := b.supervisor.Stop(context.Background(), key); err != nil && !errors.Is(err, errspkg.ErrUnknownBinding) {
			b.Logger.Error("Failed to release partition", err, loggingpkg.PartitionFields(bindingID, p))
		}
		b.coordinator.ConfirmReleased(b.node, bindingID, p)
	}()
}

// Start joins partition coordination, runs every registered binding and
// serves the metrics and status endpoints when enabled. It returns once the
// pipelines were launched.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errspkg.ErrBrokerClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelRun = cancel
	b.runDone = make(chan struct{})
	b.mu.Unlock()

	b.coordinator.Join(b.node, b)
	go func() {
		defer close(b.runDone)
		if err := b.coordinator.Run(runCtx, b.members); err != nil && !errors.Is(err, context.Canceled) {
			b.Logger.Error("Membership watch stopped", err, nil)
		}
	}()

	for _, desc := range b.registry.Descriptors() {
		b.activate(desc)
	}

	b.registerHTTPSurfaces()
	b.startHTTPServers()
	b.Logger.Info("Broker started", loggingpkg.LogFields{loggingpkg.FieldProcess: b.node})
	return nil
}

// Run starts the broker and blocks until ctx ends, then closes it.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), b.Conf.DrainGrace+5*time.Second)
	defer cancel()
	return b.Close(closeCtx)
}

// Close drains every pipeline and releases the transport, store and
// membership. The broker cannot be restarted.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, runDone := b.cancelRun, b.runDone
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-runDone
	}

	var errs []error
	if err := b.supervisor.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop pipelines: %w", err))
	}
	b.releases.Wait()
	// Leases go back only once the pipelines stopped.
	b.coordinator.Leave(b.node)
	errs = append(errs, b.stopHTTPServers(ctx))
	errs = append(errs, b.members.Close())
	errs = append(errs, b.transport.Close())
	errs = append(errs, b.store.Close())

	b.Logger.Info("Broker closed", loggingpkg.LogFields{loggingpkg.FieldProcess: b.node})
	return errors.Join(errs...)
}

// Pipelines lists the state of every pipeline of this process.
func (b *Broker) Pipelines() []supervisor.PipelineStatus {
	return b.supervisor.Status()
}

// Assignment returns the current partition ownership.
func (b *Broker) Assignment() *partition.Snapshot {
	return b.coordinator.Snapshot()
}

// Bindings lists the registered descriptors.
func (b *Broker) Bindings() []binding.Descriptor {
	return b.registry.Descriptors()
}
