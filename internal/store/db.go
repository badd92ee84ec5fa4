package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB holds the gateway's durable state: connection records and the
// durable half of the device key store.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database at path, creating it if needed. WAL keeps
// readers unblocked while a dispatcher writes; the busy timeout covers the
// migration window at startup.
func Open(path string) (*DB, error) {
	opts := url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, opts.Encode()))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// One writer; concurrent sessions otherwise trip SQLITE_BUSY on the
	// shared connections table.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}
