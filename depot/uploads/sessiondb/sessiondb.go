// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sessiondb implements the durable registry of in-flight upload
// sessions.
package sessiondb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // register sqlite to sql
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/depot/depot/tenants"
)

var (
	// Error is the default sessiondb error class.
	Error = errs.Class("sessiondb")
	// ErrNotFound is returned for unknown or already retired sessions.
	ErrNotFound = errs.Class("session not found")
	// ErrMismatch is returned when a request's declaration disagrees
	// with the session created by the first chunk.
	ErrMismatch = errs.Class("session mismatch")

	mon = monkit.Package()
)

// Session is the metadata record of one in-flight upload.
//
// TotalChunks is fixed by the first accepted chunk; received indices are
// not part of the record on purpose, they are always derived from what
// chunk storage actually holds.
type Session struct {
	Tenant      tenants.ID
	ID          string
	Filename    string
	Category    string
	TotalChunks int
	Created     time.Time
}

// DB is the session registry database.
type DB struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens the registry database at path, creating the schema when
// necessary.
func Open(ctx context.Context, path string) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, Error.Wrap(err)
	}

	sqlite, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&mutex=full", path))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	// try to enable write-ahead-logging
	_, _ = sqlite.Exec(`PRAGMA journal_mode = WAL`)

	defer func() {
		if err != nil {
			_ = sqlite.Close()
		}
	}()

	tx, err := sqlite.Begin()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		tenant       TEXT NOT NULL,
		id           TEXT NOT NULL,
		filename     TEXT NOT NULL,
		category     TEXT NOT NULL,
		total_chunks INT  NOT NULL,
		created      INT  NOT NULL,
		PRIMARY KEY (tenant, id)
	);`)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions (created);`)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, Error.Wrap(err)
	}

	return &DB{db: sqlite}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

func (db *DB) locked() func() {
	db.mu.Lock()
	return db.mu.Unlock
}

// Ensure creates the session record if absent and returns the stored
// record. When a record already exists its declaration wins: a
// disagreeing filename, category or chunk count in the request is a
// client error, never silently accepted.
func (db *DB) Ensure(ctx context.Context, session Session) (_ Session, err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	if session.TotalChunks <= 0 {
		return Session{}, Error.New("total chunks must be positive, got %d", session.TotalChunks)
	}
	if session.ID == "" {
		return Session{}, Error.New("session id is required")
	}

	if session.Created.IsZero() {
		session.Created = time.Now()
	}

	_, err = db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (tenant, id, filename, category, total_chunks, created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(session.Tenant), session.ID, session.Filename, session.Category,
		session.TotalChunks, session.Created.Unix())
	if err != nil {
		return Session{}, Error.Wrap(err)
	}

	stored, err := db.getLocked(ctx, session.Tenant, session.ID)
	if err != nil {
		return Session{}, err
	}

	if stored.Filename != session.Filename ||
		stored.Category != session.Category ||
		stored.TotalChunks != session.TotalChunks {
		return Session{}, ErrMismatch.New(
			"session %q declared as %q/%q with %d chunks, request says %q/%q with %d chunks",
			session.ID,
			stored.Category, stored.Filename, stored.TotalChunks,
			session.Category, session.Filename, session.TotalChunks)
	}
	return stored, nil
}

// Get returns the session record.
func (db *DB) Get(ctx context.Context, tenant tenants.ID, id string) (_ Session, err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	return db.getLocked(ctx, tenant, id)
}

func (db *DB) getLocked(ctx context.Context, tenant tenants.ID, id string) (Session, error) {
	session := Session{Tenant: tenant, ID: id}
	var created int64
	err := db.db.QueryRowContext(ctx,
		`SELECT filename, category, total_chunks, created FROM sessions WHERE tenant = ? AND id = ?`,
		string(tenant), id).
		Scan(&session.Filename, &session.Category, &session.TotalChunks, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound.New("tenant %q session %q", tenant, id)
	}
	if err != nil {
		return Session{}, Error.Wrap(err)
	}
	session.Created = time.Unix(created, 0)
	return session, nil
}

// Delete removes the session record. Deleting a missing record is not
// an error, so retire races resolve as success.
func (db *DB) Delete(ctx context.Context, tenant tenants.ID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	_, err = db.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE tenant = ? AND id = ?`, string(tenant), id)
	return Error.Wrap(err)
}

// Count returns the number of in-flight sessions.
func (db *DB) Count(ctx context.Context) (count int, err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	err = db.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions`).Scan(&count)
	return count, Error.Wrap(err)
}

// ListExpired returns every session created before the given time.
func (db *DB) ListExpired(ctx context.Context, createdBefore time.Time) (_ []Session, err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	rows, err := db.db.QueryContext(ctx,
		`SELECT tenant, id, filename, category, total_chunks, created FROM sessions WHERE created < ? ORDER BY created`,
		createdBefore.Unix())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var expired []Session
	for rows.Next() {
		var session Session
		var tenant string
		var created int64
		if err := rows.Scan(&tenant, &session.ID, &session.Filename, &session.Category, &session.TotalChunks, &created); err != nil {
			return nil, Error.Wrap(err)
		}
		session.Tenant = tenants.ID(tenant)
		session.Created = time.Unix(created, 0)
		expired = append(expired, session)
	}
	return expired, Error.Wrap(rows.Err())
}
