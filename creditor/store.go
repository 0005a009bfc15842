// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

// Package creditor implements the creditor-side bookkeeping core: the
// durable account ledger, the reconciliation engine that keeps it
// consistent with peer-reported facts, the running-transfer
// coordinator, and the per-creditor change log.
//
// All state lives in SQLite. Every exported operation runs in exactly
// one IMMEDIATE transaction; no lock is held across calls. Outbound
// peer messages are spooled in the outbox table by the transaction
// that decides to send them and drained separately by DispatchOutbox,
// giving at-least-once delivery without distributed transactions.
package creditor

import (
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tally-foundation/tally/lib/clock"
	"github.com/tally-foundation/tally/lib/sqlitepool"
)

// ConfigFlagScheduledForDeletion marks an account configuration as
// requesting peer-side deletion once the balance is negligible.
const ConfigFlagScheduledForDeletion int32 = 1 << 0

const (
	// HugeNegligibleAmount is the negligible-amount threshold that
	// makes every possible balance negligible. New accounts start
	// with it, and orphaned peer accounts are told to adopt it.
	HugeNegligibleAmount = 1e30

	// DefaultEpsilon is the relative tolerance for floating-point
	// config comparisons.
	DefaultEpsilon = 1e-5

	// KnowledgeMaxBytes bounds the opaque account-knowledge blob.
	KnowledgeMaxBytes = 8000
)

// Store is the SQLite-backed creditor state store. Safe for
// concurrent use; SQLite's single-writer discipline serializes the
// mutating operations, and WAL keeps readers unblocked.
type Store struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	logger  *slog.Logger
	epsilon float64
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4
	// if zero or negative.
	PoolSize int

	// Clock provides the current time for heartbeats, deadlines,
	// and log timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// Epsilon is the relative tolerance for floating-point config
	// comparisons. Defaults to DefaultEpsilon if zero.
	Epsilon float64
}

// Open creates the store, creating the database schema on first use.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("creditor store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	epsilon := cfg.Epsilon
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creditor store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger, epsilon: epsilon}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS creditor (
	creditor_id                    INTEGER PRIMARY KEY,
	activated                      INTEGER NOT NULL DEFAULT 0,
	created_at                     INTEGER NOT NULL,
	last_log_entry_id              INTEGER NOT NULL DEFAULT 0,
	last_coordinator_request_id    INTEGER NOT NULL DEFAULT 0,
	profile_latest_update_id       INTEGER NOT NULL DEFAULT 1,
	profile_latest_update_ts       INTEGER NOT NULL,
	account_list_latest_update_id  INTEGER NOT NULL DEFAULT 1,
	account_list_latest_update_ts  INTEGER NOT NULL,
	transfer_list_latest_update_id INTEGER NOT NULL DEFAULT 1,
	transfer_list_latest_update_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account (
	creditor_id      INTEGER NOT NULL REFERENCES creditor (creditor_id) ON DELETE CASCADE,
	debtor_id        INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	latest_update_id INTEGER NOT NULL DEFAULT 1,
	latest_update_ts INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, debtor_id)
);

CREATE TABLE IF NOT EXISTS account_display (
	creditor_id      INTEGER NOT NULL,
	debtor_id        INTEGER NOT NULL,
	debtor_name      TEXT,
	amount_divisor   REAL    NOT NULL DEFAULT 1 CHECK (amount_divisor > 0),
	decimal_places   INTEGER NOT NULL DEFAULT 0,
	unit             TEXT,
	known_debtor     INTEGER NOT NULL DEFAULT 0,
	latest_update_id INTEGER NOT NULL DEFAULT 1,
	latest_update_ts INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, debtor_id),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_account_display_name
	ON account_display (creditor_id, debtor_name) WHERE debtor_name IS NOT NULL;

CREATE TABLE IF NOT EXISTS account_exchange (
	creditor_id       INTEGER NOT NULL,
	debtor_id         INTEGER NOT NULL,
	policy            TEXT,
	min_principal     INTEGER NOT NULL DEFAULT -9223372036854775808,
	max_principal     INTEGER NOT NULL DEFAULT 9223372036854775807,
	peg_exchange_rate REAL,
	peg_debtor_id     INTEGER,
	latest_update_id  INTEGER NOT NULL DEFAULT 1,
	latest_update_ts  INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, debtor_id),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE,
	CHECK (min_principal <= max_principal)
);

CREATE INDEX IF NOT EXISTS idx_account_exchange_peg
	ON account_exchange (creditor_id, peg_debtor_id) WHERE peg_debtor_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS account_knowledge (
	creditor_id      INTEGER NOT NULL,
	debtor_id        INTEGER NOT NULL,
	data             BLOB    NOT NULL DEFAULT x'',
	latest_update_id INTEGER NOT NULL DEFAULT 1,
	latest_update_ts INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, debtor_id),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS account_data (
	creditor_id                  INTEGER NOT NULL,
	debtor_id                    INTEGER NOT NULL,

	creation_date                INTEGER NOT NULL DEFAULT 0,
	last_change_ts               INTEGER NOT NULL DEFAULT 0,
	last_change_seqnum           INTEGER NOT NULL DEFAULT 0,
	principal                    INTEGER NOT NULL DEFAULT 0,
	interest                     REAL    NOT NULL DEFAULT 0,
	interest_rate                REAL    NOT NULL DEFAULT 0,
	last_interest_rate_change_ts INTEGER NOT NULL DEFAULT 0,
	transfer_note_max_bytes      INTEGER NOT NULL DEFAULT 0,
	account_id                   TEXT    NOT NULL DEFAULT '',
	debtor_info_iri              TEXT    NOT NULL DEFAULT '',
	debtor_info_content_type     TEXT    NOT NULL DEFAULT '',
	debtor_info_sha256           BLOB,
	has_server_account           INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_ts            INTEGER NOT NULL,
	last_transfer_number         INTEGER NOT NULL DEFAULT 0,
	last_transfer_committed_at   INTEGER NOT NULL DEFAULT 0,
	info_latest_update_id        INTEGER NOT NULL DEFAULT 1,
	info_latest_update_ts        INTEGER NOT NULL,

	last_config_ts               INTEGER NOT NULL,
	last_config_seqnum           INTEGER NOT NULL DEFAULT 0,
	config_flags                 INTEGER NOT NULL DEFAULT 0,
	config_data                  TEXT    NOT NULL DEFAULT '',
	negligible_amount            REAL    NOT NULL CHECK (negligible_amount >= 0),
	is_config_effectual          INTEGER NOT NULL DEFAULT 0,
	config_error                 TEXT,
	config_latest_update_id      INTEGER NOT NULL DEFAULT 1,
	config_latest_update_ts      INTEGER NOT NULL,

	ledger_principal             INTEGER NOT NULL DEFAULT 0,
	ledger_last_transfer_number  INTEGER NOT NULL DEFAULT 0,
	ledger_last_entry_id         INTEGER NOT NULL DEFAULT 0,
	ledger_pending_transfer_ts   INTEGER,
	ledger_latest_update_id      INTEGER NOT NULL DEFAULT 1,
	ledger_latest_update_ts      INTEGER NOT NULL,

	PRIMARY KEY (creditor_id, debtor_id),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS committed_transfer (
	creditor_id              INTEGER NOT NULL,
	debtor_id                INTEGER NOT NULL,
	creation_date            INTEGER NOT NULL,
	transfer_number          INTEGER NOT NULL CHECK (transfer_number > 0),
	previous_transfer_number INTEGER NOT NULL CHECK (previous_transfer_number >= 0),
	coordinator_type         TEXT    NOT NULL,
	sender                   TEXT    NOT NULL,
	recipient                TEXT    NOT NULL,
	acquired_amount          INTEGER NOT NULL CHECK (acquired_amount != 0),
	transfer_note_format     TEXT    NOT NULL DEFAULT '',
	transfer_note            TEXT    NOT NULL DEFAULT '',
	committed_at             INTEGER NOT NULL,
	principal                INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, debtor_id, creation_date, transfer_number),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE,
	CHECK (previous_transfer_number < transfer_number)
);

CREATE TABLE IF NOT EXISTS ledger_entry (
	creditor_id     INTEGER NOT NULL,
	debtor_id       INTEGER NOT NULL,
	entry_id        INTEGER NOT NULL CHECK (entry_id > 0),
	acquired_amount INTEGER NOT NULL,
	principal       INTEGER NOT NULL,
	added_at        INTEGER NOT NULL,
	creation_date   INTEGER,
	transfer_number INTEGER,
	PRIMARY KEY (creditor_id, debtor_id, entry_id),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pending_ledger_update (
	creditor_id INTEGER NOT NULL,
	debtor_id   INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, debtor_id),
	FOREIGN KEY (creditor_id, debtor_id) REFERENCES account (creditor_id, debtor_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS running_transfer (
	creditor_id            INTEGER NOT NULL REFERENCES creditor (creditor_id) ON DELETE CASCADE,
	transfer_uuid          TEXT    NOT NULL,
	debtor_id              INTEGER NOT NULL,
	recipient              TEXT    NOT NULL,
	amount                 INTEGER NOT NULL CHECK (amount >= 0),
	transfer_note_format   TEXT    NOT NULL DEFAULT '',
	transfer_note          TEXT    NOT NULL DEFAULT '',
	deadline               INTEGER,
	final_interest_rate_ts INTEGER NOT NULL,
	coordinator_request_id INTEGER NOT NULL,
	transfer_id            INTEGER,
	locked_amount          INTEGER NOT NULL DEFAULT 0,
	total_locked_amount    INTEGER NOT NULL DEFAULT 0,
	finalized_at           INTEGER,
	error_code             TEXT,
	initiated_at           INTEGER NOT NULL,
	latest_update_id       INTEGER NOT NULL DEFAULT 1,
	latest_update_ts       INTEGER NOT NULL,
	PRIMARY KEY (creditor_id, transfer_uuid)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_running_transfer_request
	ON running_transfer (creditor_id, coordinator_request_id);

CREATE TABLE IF NOT EXISTS log_entry (
	creditor_id      INTEGER NOT NULL REFERENCES creditor (creditor_id) ON DELETE CASCADE,
	entry_id         INTEGER NOT NULL CHECK (entry_id > 0),
	added_at         INTEGER NOT NULL,
	object_type      TEXT    NOT NULL,
	object_ref       TEXT    NOT NULL,
	object_update_id INTEGER,
	is_deleted       INTEGER NOT NULL DEFAULT 0,
	data             BLOB,
	PRIMARY KEY (creditor_id, entry_id)
);

CREATE TABLE IF NOT EXISTS pending_log_entry (
	pending_entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
	creditor_id      INTEGER NOT NULL REFERENCES creditor (creditor_id) ON DELETE CASCADE,
	added_at         INTEGER NOT NULL,
	object_type      TEXT    NOT NULL,
	object_ref       TEXT    NOT NULL,
	object_update_id INTEGER,
	is_deleted       INTEGER NOT NULL DEFAULT 0,
	data             BLOB
);

CREATE INDEX IF NOT EXISTS idx_pending_log_creditor
	ON pending_log_entry (creditor_id, pending_entry_id);

CREATE TABLE IF NOT EXISTS outbox (
	outbox_id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind      TEXT NOT NULL,
	body      BLOB NOT NULL,
	queued_at INTEGER NOT NULL
);
`

// nano converts a timestamp to its stored representation, nanoseconds
// since the Unix epoch. The zero time maps to 0.
func nano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNano is the inverse of nano.
func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func columnNullInt64(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

func columnNullText(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnText(col)
	return &v
}

func columnNullFloat(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnFloat(col)
	return &v
}

func columnNullTime(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := fromNano(stmt.ColumnInt64(col))
	return &v
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

// nullable turns a possibly-nil pointer into a bind argument.
func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableText(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return nano(*v)
}
