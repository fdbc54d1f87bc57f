package offsetstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drblury/flowbind/internal/runtime/offset"
)

const offsetsTable = "flowbind_offsets"

type dialect struct {
	name   string
	driver string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", driver: "sqlite3"}
	dialectPostgres = dialect{name: "postgres", driver: "postgres", numbered: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore keeps offsets in a relational table shared by the SQLite and
// PostgreSQL backends.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.Mutex
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+offsetsTable+` (
		grp        TEXT      NOT NULL,
		topic      TEXT      NOT NULL,
		part       INTEGER   NOT NULL,
		position   TEXT      NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (grp, topic, part)
	)`)
	if err != nil {
		return fmt.Errorf("flowbind: create %s offsets table: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key Key) (offset.Offset, error) {
	return s.load(ctx, s.db, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) load(ctx context.Context, q queryer, key Key) (offset.Offset, error) {
	var text string
	err := q.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT position FROM `+offsetsTable+` WHERE grp = ? AND topic = ? AND part = ?`),
		key.Group, key.Topic, key.Partition,
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return offset.None, nil
	}
	if err != nil {
		return offset.None, fmt.Errorf("flowbind: load offset %s: %w", key, err)
	}
	return offset.Parse(text)
}

func (s *SQLStore) Save(ctx context.Context, key Key, off offset.Offset) error {
	if off.IsNone() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flowbind: save offset %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := s.load(ctx, tx, key)
	if err != nil {
		return err
	}
	ok, err := advances(stored, off)
	if err != nil || !ok {
		return err
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO `+offsetsTable+` (grp, topic, part, position, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (grp, topic, part) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`),
		key.Group, key.Topic, key.Partition, off.Text(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("flowbind: save offset %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
