package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/drblury/flowbind/internal/runtime/logging"
)

// NATSOptions configures heartbeat based membership.
type NATSOptions struct {
	// URL is used to dial when Conn is nil.
	URL string
	// Conn is an existing connection. It is not closed by the membership.
	Conn *nats.Conn
	// Cluster scopes the heartbeat subject.
	Cluster   string
	Self      string
	Heartbeat time.Duration
	// TTL is how long a silent peer is kept in the view. Partition leases
	// expire after the same TTL.
	TTL time.Duration
	// LeaseBucket is the JetStream key-value bucket holding partition leases.
	// Defaults to LeaseBucket(Cluster).
	LeaseBucket string
	Logger      logging.ServiceLogger
}

type heartbeat struct {
	ID      string `json:"id"`
	Leaving bool   `json:"leaving,omitempty"`
	SentAt  int64  `json:"sent_at"`
}

// NATS discovers peers by exchanging heartbeats on flowbind.<cluster>.members.
type NATS struct {
	opts    NATSOptions
	conn    *nats.Conn
	ownConn bool
	sub     *nats.Subscription
	subject string
	log     logging.ServiceLogger

	mu     sync.Mutex
	peers  *peerTable
	hub    *hub
	leases *NATSLeases

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewNATS connects (when needed), starts heartbeating and returns the membership.
func NewNATS(ctx context.Context, opts NATSOptions) (*NATS, error) {
	if opts.Self == "" {
		return nil, errors.New("nats membership: self ID is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 2 * time.Second
	}
	if opts.TTL <= opts.Heartbeat {
		opts.TTL = 5 * opts.Heartbeat
	}
	if opts.Cluster == "" {
		opts.Cluster = "flowbind"
	}
	if opts.LeaseBucket == "" {
		opts.LeaseBucket = LeaseBucket(opts.Cluster)
	}

	m := &NATS{
		opts:    opts,
		conn:    opts.Conn,
		subject: fmt.Sprintf("flowbind.%s.members", opts.Cluster),
		log:     logging.OrNop(opts.Logger).With(logging.LogFields{logging.FieldProcess: opts.Self}),
		peers:   newPeerTable(opts.Self, opts.TTL),
		hub:     newHub([]string{opts.Self}),
		done:    make(chan struct{}),
	}
	if m.conn == nil {
		if opts.URL == "" {
			return nil, errors.New("nats membership: URL or connection is required")
		}
		conn, err := nats.Connect(opts.URL, nats.Name("flowbind-"+opts.Self))
		if err != nil {
			return nil, fmt.Errorf("nats membership: connect: %w", err)
		}
		m.conn = conn
		m.ownConn = true
	}

	leases, err := NewNATSLeases(m.conn, opts.LeaseBucket, opts.TTL, m.log)
	if err != nil {
		m.closeConn()
		return nil, fmt.Errorf("nats membership: %w", err)
	}
	m.leases = leases

	sub, err := m.conn.Subscribe(m.subject, m.receive)
	if err != nil {
		_ = m.leases.Close()
		m.closeConn()
		return nil, fmt.Errorf("nats membership: subscribe %s: %w", m.subject, err)
	}
	m.sub = sub

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	go m.loop(loopCtx)

	return m, nil
}

func (m *NATS) Self() string { return m.opts.Self }

func (m *NATS) Watch(ctx context.Context) (<-chan View, error) { return m.hub.watch(ctx) }

// View returns the latest view.
func (m *NATS) View() View { return m.hub.view() }

// Leases returns the JetStream lease table shared by the cluster.
func (m *NATS) Leases() LeaseTable { return m.leases }

func (m *NATS) receive(msg *nats.Msg) {
	var hb heartbeat
	if err := sonic.Unmarshal(msg.Data, &hb); err != nil {
		m.log.Debug("Dropping malformed heartbeat", logging.LogFields{"error": err.Error()})
		return
	}

	m.mu.Lock()
	changed := m.peers.observe(hb, time.Now())
	members := m.peers.members()
	m.mu.Unlock()

	if changed && m.hub.publish(members) {
		m.log.Info("Cluster membership changed", logging.LogFields{"members": members})
	}
}

func (m *NATS) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.Heartbeat)
	defer ticker.Stop()

	m.beat(false)
	for {
		select {
		case <-ctx.Done():
			m.beat(true)
			return
		case now := <-ticker.C:
			m.beat(false)

			m.mu.Lock()
			expired := m.peers.expire(now)
			members := m.peers.members()
			m.mu.Unlock()

			if len(expired) > 0 && m.hub.publish(members) {
				m.log.Info("Peers expired from cluster", logging.LogFields{"expired": expired})
			}
		}
	}
}

func (m *NATS) beat(leaving bool) {
	data, err := sonic.Marshal(heartbeat{ID: m.opts.Self, Leaving: leaving, SentAt: time.Now().UnixMilli()})
	if err != nil {
		m.log.Error("Failed to encode heartbeat", err, nil)
		return
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		m.log.Error("Failed to publish heartbeat", err, nil)
		return
	}
	if leaving {
		_ = m.conn.Flush()
	}
}

// Close announces departure, stops heartbeating and closes owned connections.
func (m *NATS) Close() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		<-m.done
		var errs []error
		if m.sub != nil {
			errs = append(errs, m.sub.Unsubscribe())
		}
		errs = append(errs, m.leases.Close())
		m.hub.close()
		m.closeConn()
		err = errors.Join(errs...)
	})
	return err
}

func (m *NATS) closeConn() {
	if m.ownConn && m.conn != nil {
		m.conn.Close()
	}
}

// peerTable tracks the last heartbeat per peer. The local process never expires.
type peerTable struct {
	self     string
	ttl      time.Duration
	lastSeen map[string]time.Time
}

func newPeerTable(self string, ttl time.Duration) *peerTable {
	return &peerTable{self: self, ttl: ttl, lastSeen: make(map[string]time.Time)}
}

// observe applies a heartbeat and reports whether the member set changed.
func (p *peerTable) observe(hb heartbeat, now time.Time) bool {
	if hb.ID == "" || hb.ID == p.self {
		return false
	}
	_, known := p.lastSeen[hb.ID]
	if hb.Leaving {
		delete(p.lastSeen, hb.ID)
		return known
	}
	p.lastSeen[hb.ID] = now
	return !known
}

// expire drops peers silent for longer than the TTL and returns their IDs.
func (p *peerTable) expire(now time.Time) []string {
	var expired []string
	for id, seen := range p.lastSeen {
		if now.Sub(seen) > p.ttl {
			delete(p.lastSeen, id)
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	return expired
}

func (p *peerTable) members() []string {
	out := make([]string, 0, len(p.lastSeen)+1)
	out = append(out, p.self)
	for id := range p.lastSeen {
		out = append(out, id)
	}
	return normalize(out)
}
