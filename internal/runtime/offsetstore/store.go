// Package offsetstore persists the last committed offset per binding, topic
// and partition.
package offsetstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	configpkg "github.com/drblury/flowbind/internal/runtime/config"
	"github.com/drblury/flowbind/internal/runtime/offset"
)

// Key addresses one committed position. Group is the qualified binding name,
// so every binding on a topic keeps its own progress.
type Key struct {
	Group     string
	Topic     string
	Partition int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Group, k.Topic, k.Partition)
}

// Store loads and saves committed offsets. Save must ignore offsets that do not
// advance the stored one, so duplicate confirmations are harmless.
type Store interface {
	Load(ctx context.Context, key Key) (offset.Offset, error)
	Save(ctx context.Context, key Key, off offset.Offset) error
	Close() error
}

// advances reports whether next should replace stored. Incomparable offsets are
// returned as an error.
func advances(stored, next offset.Offset) (bool, error) {
	if next.IsNone() {
		return false, nil
	}
	return offset.After(next, stored)
}

// Memory keeps offsets in process memory.
type Memory struct {
	mu      sync.Mutex
	offsets map[Key]offset.Offset
}

func NewMemory() *Memory {
	return &Memory{offsets: make(map[Key]offset.Offset)}
}

func (m *Memory) Load(_ context.Context, key Key) (offset.Offset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[key], nil
}

func (m *Memory) Save(_ context.Context, key Key, off offset.Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := advances(m.offsets[key], off)
	if err != nil || !ok {
		return err
	}
	m.offsets[key] = off
	return nil
}

func (m *Memory) Close() error { return nil }

// Open builds the store selected by conf.OffsetStore: "memory" (default),
// "sqlite", "postgres" or "pebble". conf.OffsetStoreDSN is the file path,
// connection string or directory respectively.
func Open(ctx context.Context, conf *configpkg.Config) (Store, error) {
	if conf == nil {
		return NewMemory(), nil
	}
	switch strings.ToLower(conf.OffsetStore) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, conf.OffsetStoreDSN)
	case "postgres":
		return NewPostgres(ctx, conf.OffsetStoreDSN)
	case "pebble":
		return NewPebble(PebbleOptions{Dir: conf.OffsetStoreDSN, Sync: true})
	}
	return nil, fmt.Errorf("flowbind: unknown offset store %q", conf.OffsetStore)
}
