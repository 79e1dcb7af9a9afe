////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package eventArchive persists decrypted group events, processed outer event
// ids and deferred events in SQLite. Aggregation reads from here.
package eventArchive

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/whitenoise/errs"
)

// MemoryPath opens a private in-memory archive.
const MemoryPath = ":memory:"

// DefaultFileName is the archive filename under the storage directory.
const DefaultFileName = "events.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS group_events (
  account    TEXT NOT NULL,
  event_id   TEXT NOT NULL,
  group_id   TEXT NOT NULL,
  kind       INTEGER NOT NULL,
  author     TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  content    TEXT NOT NULL,
  tags       TEXT NOT NULL,
  PRIMARY KEY (account, event_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_group_events_group_time
ON group_events (account, group_id, created_at, event_id);
`,
	`
CREATE TABLE IF NOT EXISTS processed_events (
  account      TEXT NOT NULL,
  event_id     TEXT NOT NULL,
  processed_at INTEGER NOT NULL,
  PRIMARY KEY (account, event_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS deferred_events (
  account     TEXT NOT NULL,
  event_id    TEXT NOT NULL,
  group_id    TEXT NOT NULL,
  raw         TEXT NOT NULL,
  received_at INTEGER NOT NULL,
  PRIMARY KEY (account, event_id)
);
`,
}

// Archive is a thin wrapper around a SQLite connection.
type Archive struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Event is one decrypted inner event of a group.
type Event struct {
	Account   string
	EventID   string
	GroupID   string
	Kind      int
	Author    string
	CreatedAt int64
	Content   string
	// JSON encoded tag list
	Tags string
}

// Deferred is an outer event that could not be processed yet, such as a
// message for an epoch that has not been reached.
type Deferred struct {
	Account    string
	EventID    string
	GroupID    string
	Raw        string
	ReceivedAt int64
}

// OpenDir opens the archive under a storage directory.
func OpenDir(dir string) (*Archive, error) {
	return Open(filepath.Join(dir, DefaultFileName))
}

// Open opens or creates the archive at path and runs schema migrations. Pass
// MemoryPath for an in-memory archive.
func Open(path string) (*Archive, error) {
	dsn := path
	if path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000",
			filepath.ToSlash(path))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.StorageErr(err, "failed to open archive %s", path)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errs.StorageErr(err, "failed to ping archive %s", path)
	}

	a := &Archive{db: db}
	if err = a.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	jww.DEBUG.Printf("[ARC] Opened event archive at %s", path)
	return a, nil
}

// Close closes the SQLite connection.
func (a *Archive) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		closeErr = a.db.Close()
	})
	return closeErr
}

func (a *Archive) applyMigrations() error {
	var version int
	if err := a.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errs.StorageErr(err, "failed to read schema version")
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return errs.StorageErr(err, "failed to begin migration")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err = tx.Exec(migrations[i]); err != nil {
			return errs.StorageErr(err, "failed to apply migration %d", i+1)
		}
		_, err = tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1))
		if err != nil {
			return errs.StorageErr(err, "failed to set schema version %d", i+1)
		}
	}

	if err = tx.Commit(); err != nil {
		return errs.StorageErr(err, "failed to commit migration")
	}
	return nil
}

// Insert stores the event. Returns false when an event with the same id was
// already archived for the account.
func (a *Archive) Insert(e Event) (bool, error) {
	if e.Account == "" || e.EventID == "" {
		return false, errs.New(errs.StorageFailure,
			"account and event id are required")
	}
	if e.Tags == "" {
		e.Tags = "[]"
	}
	res, err := a.db.Exec(
		`INSERT OR IGNORE INTO group_events (
			account, event_id, group_id, kind, author, created_at, content, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Account, e.EventID, e.GroupID, e.Kind, e.Author, e.CreatedAt,
		e.Content, e.Tags)
	if err != nil {
		return false, errs.StorageErr(err, "failed to insert event %s", e.EventID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.StorageErr(err, "failed to count inserted rows")
	}
	return n == 1, nil
}

// ByGroup returns every archived event of a group in chronological order.
func (a *Archive) ByGroup(account, groupID string) ([]Event, error) {
	rows, err := a.db.Query(
		`SELECT account, event_id, group_id, kind, author, created_at, content, tags
		FROM group_events WHERE account = ? AND group_id = ?
		ORDER BY created_at ASC, event_id ASC`, account, groupID)
	if err != nil {
		return nil, errs.StorageErr(err, "failed to query group %s", groupID)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		err = rows.Scan(&e.Account, &e.EventID, &e.GroupID, &e.Kind, &e.Author,
			&e.CreatedAt, &e.Content, &e.Tags)
		if err != nil {
			return nil, errs.StorageErr(err, "failed to scan event")
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, errs.StorageErr(err, "failed to iterate group %s", groupID)
	}
	return events, nil
}

// Get returns a single archived event.
func (a *Archive) Get(account, eventID string) (Event, bool, error) {
	var e Event
	err := a.db.QueryRow(
		`SELECT account, event_id, group_id, kind, author, created_at, content, tags
		FROM group_events WHERE account = ? AND event_id = ?`,
		account, eventID).Scan(&e.Account, &e.EventID, &e.GroupID, &e.Kind,
		&e.Author, &e.CreatedAt, &e.Content, &e.Tags)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	} else if err != nil {
		return Event{}, false, errs.StorageErr(err, "failed to get event %s", eventID)
	}
	return e, true, nil
}

// MarkProcessed records that an outer event was handled. Returns false if it
// already was.
func (a *Archive) MarkProcessed(account, eventID string, at int64) (bool, error) {
	res, err := a.db.Exec(
		`INSERT OR IGNORE INTO processed_events (account, event_id, processed_at)
		VALUES (?, ?, ?)`, account, eventID, at)
	if err != nil {
		return false, errs.StorageErr(err, "failed to mark %s processed", eventID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.StorageErr(err, "failed to count processed rows")
	}
	return n == 1, nil
}

// IsProcessed reports whether an outer event was handled.
func (a *Archive) IsProcessed(account, eventID string) (bool, error) {
	var n int
	err := a.db.QueryRow(
		`SELECT COUNT(1) FROM processed_events WHERE account = ? AND event_id = ?`,
		account, eventID).Scan(&n)
	if err != nil {
		return false, errs.StorageErr(err, "failed to check %s", eventID)
	}
	return n > 0, nil
}

// Defer stores an outer event for a later retry.
func (a *Archive) Defer(d Deferred) error {
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO deferred_events (
			account, event_id, group_id, raw, received_at
		) VALUES (?, ?, ?, ?, ?)`,
		d.Account, d.EventID, d.GroupID, d.Raw, d.ReceivedAt)
	if err != nil {
		return errs.StorageErr(err, "failed to defer event %s", d.EventID)
	}
	return nil
}

// DeferredFor returns the deferred events of an account, oldest first.
func (a *Archive) DeferredFor(account string) ([]Deferred, error) {
	rows, err := a.db.Query(
		`SELECT account, event_id, group_id, raw, received_at
		FROM deferred_events WHERE account = ?
		ORDER BY received_at ASC, event_id ASC`, account)
	if err != nil {
		return nil, errs.StorageErr(err, "failed to query deferred events")
	}
	defer rows.Close()

	var out []Deferred
	for rows.Next() {
		var d Deferred
		err = rows.Scan(&d.Account, &d.EventID, &d.GroupID, &d.Raw, &d.ReceivedAt)
		if err != nil {
			return nil, errs.StorageErr(err, "failed to scan deferred event")
		}
		out = append(out, d)
	}
	if err = rows.Err(); err != nil {
		return nil, errs.StorageErr(err, "failed to iterate deferred events")
	}
	return out, nil
}

// Undefer removes a deferred event.
func (a *Archive) Undefer(account, eventID string) error {
	_, err := a.db.Exec(
		`DELETE FROM deferred_events WHERE account = ? AND event_id = ?`,
		account, eventID)
	if err != nil {
		return errs.StorageErr(err, "failed to remove deferred %s", eventID)
	}
	return nil
}

// DeleteGroup removes every archived and deferred event of a group.
func (a *Archive) DeleteGroup(account, groupID string) error {
	return a.inTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM group_events WHERE account = ? AND group_id = ?`,
			`DELETE FROM deferred_events WHERE account = ? AND group_id = ?`,
		} {
			if _, err := tx.Exec(q, account, groupID); err != nil {
				return errs.StorageErr(err, "failed to delete group %s", groupID)
			}
		}
		return nil
	})
}

// DeleteAccount removes every row owned by the account.
func (a *Archive) DeleteAccount(account string) error {
	return a.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{
			"group_events", "processed_events", "deferred_events"} {
			q := fmt.Sprintf("DELETE FROM %s WHERE account = ?", table)
			if _, err := tx.Exec(q, account); err != nil {
				return errs.StorageErr(err, "failed to clear %s", table)
			}
		}
		return nil
	})
}

// DeleteAll empties every table.
func (a *Archive) DeleteAll() error {
	return a.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{
			"group_events", "processed_events", "deferred_events"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return errs.StorageErr(err, "failed to clear %s", table)
			}
		}
		return nil
	})
}

func (a *Archive) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := a.db.Begin()
	if err != nil {
		return errs.StorageErr(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.StorageErr(err, "failed to commit transaction")
	}
	return nil
}
