// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FlushLog moves a creditor's staged log entries into the durable
// log, assigning gap-free entry ids from the creditor counter, in the
// entries' own insertion order. A transfer's creation or deletion
// additionally appends a transfer-list bump, because the list the
// client observes changed too. The whole flush is one transaction.
//
// Returns the number of durable entries appended.
func (s *Store) FlushLog(ctx context.Context, creditorID int64) (int, error) {
	flushed := 0
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}

		type pendingEntry struct {
			pendingEntryID int64
			addedAt        time.Time
			rec            logRecord
		}
		var pending []pendingEntry
		err = sqlitex.Execute(conn, `
			SELECT pending_entry_id, added_at, object_type, object_ref,
			       object_update_id, is_deleted, data
			FROM pending_log_entry WHERE creditor_id = ?
			ORDER BY pending_entry_id`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					pending = append(pending, pendingEntry{
						pendingEntryID: stmt.ColumnInt64(0),
						addedAt:        fromNano(stmt.ColumnInt64(1)),
						rec: logRecord{
							objectType:     stmt.ColumnText(2),
							objectRef:      stmt.ColumnText(3),
							objectUpdateID: columnNullInt64(stmt, 4),
							isDeleted:      stmt.ColumnInt64(5) != 0,
							data:           columnBlob(stmt, 6),
						},
					})
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("creditor store: loading pending log for %d: %w", creditorID, err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, entry := range pending {
			if err := addDirectLog(conn, c, entry.addedAt, entry.rec); err != nil {
				return err
			}
			flushed++

			created := entry.rec.objectUpdateID != nil && *entry.rec.objectUpdateID == 1
			if entry.rec.objectType == ObjectTransfer && (entry.rec.isDeleted || created) {
				c.TransferListLatestUpdateID++
				c.TransferListLatestUpdateTS = entry.addedAt
				err = addDirectLog(conn, c, entry.addedAt, logRecord{
					objectType:     ObjectTransferList,
					objectRef:      transferListRef(creditorID),
					objectUpdateID: &c.TransferListLatestUpdateID,
				})
				if err != nil {
					return err
				}
				flushed++
			}
		}

		lastPendingID := pending[len(pending)-1].pendingEntryID
		err = sqlitex.Execute(conn,
			"DELETE FROM pending_log_entry WHERE creditor_id = ? AND pending_entry_id <= ?",
			&sqlitex.ExecOptions{Args: []any{creditorID, lastPendingID}})
		if err != nil {
			return fmt.Errorf("creditor store: clearing pending log for %d: %w", creditorID, err)
		}
		return saveCreditor(conn, c)
	})
	if err != nil {
		return 0, err
	}
	if flushed > 0 {
		s.logger.Debug("log flushed", "creditor_id", creditorID, "entries", flushed)
	}
	return flushed, nil
}

// ListCreditorsWithPendingLog returns up to limit creditors that have
// staged log entries awaiting flush.
func (s *Store) ListCreditorsWithPendingLog(ctx context.Context, limit int) ([]int64, error) {
	var creditors []int64
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT DISTINCT creditor_id FROM pending_log_entry ORDER BY creditor_id LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					creditors = append(creditors, stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return creditors, nil
}

// GetLogEntries pages a creditor's durable log ascending from
// prevEntryID (exclusive). The returned watermark is the creditor's
// last assigned entry id, letting clients tell "no more yet" from
// "more exists".
func (s *Store) GetLogEntries(ctx context.Context, creditorID, prevEntryID int64, count int) ([]LogEntry, int64, error) {
	var entries []LogEntry
	var watermark int64
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getActiveCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		watermark = c.LastLogEntryID
		return sqlitex.Execute(conn, `
			SELECT entry_id, added_at, object_type, object_ref,
			       object_update_id, is_deleted, data
			FROM log_entry
			WHERE creditor_id = ? AND entry_id > ?
			ORDER BY entry_id ASC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID, prevEntryID, count},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entries = append(entries, LogEntry{
						CreditorID:     creditorID,
						EntryID:        stmt.ColumnInt64(0),
						AddedAt:        fromNano(stmt.ColumnInt64(1)),
						ObjectType:     stmt.ColumnText(2),
						ObjectRef:      stmt.ColumnText(3),
						ObjectUpdateID: columnNullInt64(stmt, 4),
						IsDeleted:      stmt.ColumnInt64(5) != 0,
						Data:           columnBlob(stmt, 6),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, watermark, nil
}
