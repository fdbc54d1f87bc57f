package membership

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/drblury/flowbind/internal/runtime/logging"
)

// NATSLeases keeps leases in a JetStream key-value bucket. Keys expire after
// the bucket TTL unless their holder refreshes them, so the leases of a crashed
// process become claimable once it stops refreshing.
type NATSLeases struct {
	kv  nats.KeyValue
	log logging.ServiceLogger

	mu  sync.Mutex
	own map[Lease]ownedLease

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type ownedLease struct {
	holder   string
	revision uint64
}

// LeaseBucket derives the key-value bucket name of a cluster.
func LeaseBucket(cluster string) string {
	return "flowbind_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, cluster) + "_leases"
}

func leaseKey(l Lease) string {
	return base64.RawURLEncoding.EncodeToString([]byte(l.Binding)) + "." + strconv.Itoa(l.Partition)
}

func parseLeaseKey(key string) (Lease, bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 {
		return Lease{}, false
	}
	name, err := base64.RawURLEncoding.DecodeString(key[:i])
	if err != nil {
		return Lease{}, false
	}
	p, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return Lease{}, false
	}
	return Lease{Binding: string(name), Partition: p}, true
}

// NewNATSLeases opens (or creates) bucket on conn. Held leases are refreshed
// three times per ttl.
func NewNATSLeases(conn *nats.Conn, bucket string, ttl time.Duration, log logging.ServiceLogger) (*NATSLeases, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("nats leases: jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "flowbind partition leases",
			History:     1,
			TTL:         ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("nats leases: bucket %s: %w", bucket, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &NATSLeases{
		kv:     kv,
		log:    logging.OrNop(log),
		own:    make(map[Lease]ownedLease),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.refreshLoop(ctx, ttl/3)
	return l, nil
}

func (l *NATSLeases) Claim(_ context.Context, lease Lease, holder string) (bool, error) {
	key := leaseKey(lease)
	rev, err := l.kv.Create(key, []byte(holder))
	if err == nil {
		l.remember(lease, holder, rev)
		return true, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return false, fmt.Errorf("nats leases: claim %s: %w", lease, err)
	}

	entry, err := l.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats leases: claim %s: %w", lease, err)
	}
	if string(entry.Value()) != holder {
		return false, nil
	}
	l.remember(lease, holder, entry.Revision())
	return true, nil
}

func (l *NATSLeases) remember(lease Lease, holder string, rev uint64) {
	l.mu.Lock()
	l.own[lease] = ownedLease{holder: holder, revision: rev}
	l.mu.Unlock()
}

func (l *NATSLeases) Release(_ context.Context, lease Lease, holder string) error {
	l.mu.Lock()
	owned, ok := l.own[lease]
	if ok && owned.holder == holder {
		delete(l.own, lease)
	}
	l.mu.Unlock()

	key := leaseKey(lease)
	if !ok || owned.holder != holder {
		entry, err := l.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("nats leases: release %s: %w", lease, err)
		}
		if string(entry.Value()) != holder {
			return nil
		}
		owned = ownedLease{holder: holder, revision: entry.Revision()}
	}

	err := l.kv.Delete(key, nats.LastRevision(owned.revision))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("nats leases: release %s: %w", lease, err)
	}
	return nil
}

func (l *NATSLeases) Holders(context.Context) (map[Lease]string, error) {
	keys, err := l.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return map[Lease]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nats leases: list: %w", err)
	}

	out := make(map[Lease]string, len(keys))
	for _, key := range keys {
		lease, ok := parseLeaseKey(key)
		if !ok {
			continue
		}
		entry, err := l.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("nats leases: get %s: %w", lease, err)
		}
		out[lease] = string(entry.Value())
	}
	return out, nil
}

func (l *NATSLeases) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := l.kv.WatchAll()
	if err != nil {
		return nil, fmt.Errorf("nats leases: watch: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.Updates():
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// refreshLoop rewrites every held key before it expires. A failed rewrite
// means the lease expired and was taken; it is forgotten.
func (l *NATSLeases) refreshLoop(ctx context.Context, every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			owned := make(map[Lease]ownedLease, len(l.own))
			for lease, o := range l.own {
				owned[lease] = o
			}
			l.mu.Unlock()

			for lease, o := range owned {
				rev, err := l.kv.Update(leaseKey(lease), []byte(o.holder), o.revision)
				l.mu.Lock()
				if current, still := l.own[lease]; still && current.revision == o.revision {
					if err != nil {
						delete(l.own, lease)
					} else {
						l.own[lease] = ownedLease{holder: o.holder, revision: rev}
					}
				}
				l.mu.Unlock()
				if err != nil {
					l.log.Error("Lease lost", err, logging.PartitionFields(lease.Binding, lease.Partition))
				}
			}
		}
	}
}

// Close stops refreshing and gives up every lease still held.
func (l *NATSLeases) Close() error {
	var errs []error
	l.once.Do(func() {
		l.cancel()
		<-l.done

		l.mu.Lock()
		owned := l.own
		l.own = make(map[Lease]ownedLease)
		l.mu.Unlock()

		for lease, o := range owned {
			err := l.kv.Delete(leaseKey(lease), nats.LastRevision(o.revision))
			if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
