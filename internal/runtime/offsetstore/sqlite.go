package offsetstore

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLite opens (or creates) an SQLite database at path. Use ":memory:" for a
// throwaway store.
func NewSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("flowbind: sqlite offset store needs a file path")
	}
	db, err := sql.Open(dialectSQLite.driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, dialectSQLite)
}
