package offsetstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/drblury/flowbind/internal/runtime/offset"
)

// PebbleOptions configures the embedded Pebble store.
type PebbleOptions struct {
	// Dir is the database directory.
	Dir string
	// Sync fsyncs the WAL on every save.
	Sync bool
	// Pebble allows advanced tuning. Nil uses defaults.
	Pebble *pebble.Options
}

// PebbleStore keeps offsets in an embedded Pebble key/value store.
type PebbleStore struct {
	db    *pebble.DB
	write *pebble.WriteOptions
	mu    sync.Mutex
}

func NewPebble(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("flowbind: pebble offset store needs a directory")
	}
	po := opts.Pebble
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("flowbind: open pebble offset store: %w", err)
	}
	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}
	return &PebbleStore{db: db, write: write}, nil
}

func pebbleKey(key Key) []byte {
	b := make([]byte, 0, len("offsets/")+len(key.Group)+len(key.Topic)+8)
	b = append(b, "offsets/"...)
	b = append(b, key.Group...)
	b = append(b, 0)
	b = append(b, key.Topic...)
	b = append(b, 0)
	return strconv.AppendInt(b, int64(key.Partition), 10)
}

func (s *PebbleStore) Load(_ context.Context, key Key) (offset.Offset, error) {
	val, closer, err := s.db.Get(pebbleKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return offset.None, nil
	}
	if err != nil {
		return offset.None, fmt.Errorf("flowbind: load offset %s: %w", key, err)
	}
	text := string(val)
	if err := closer.Close(); err != nil {
		return offset.None, err
	}
	return offset.Parse(text)
}

func (s *PebbleStore) Save(ctx context.Context, key Key, off offset.Offset) error {
	if off.IsNone() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	ok, err := advances(stored, off)
	if err != nil || !ok {
		return err
	}
	if err := s.db.Set(pebbleKey(key), []byte(off.Text()), s.write); err != nil {
		return fmt.Errorf("flowbind: save offset %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
