// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/google/uuid"
	"github.com/tally-foundation/tally/lib/codec"
	"github.com/tally-foundation/tally/signal"
)

// getCreditor loads a creditor row. Returns (nil, nil) when absent.
func getCreditor(conn *sqlite.Conn, creditorID int64) (*Creditor, error) {
	var c *Creditor
	err := sqlitex.Execute(conn, `
		SELECT creditor_id, activated, created_at, last_log_entry_id,
		       last_coordinator_request_id,
		       profile_latest_update_id, profile_latest_update_ts,
		       account_list_latest_update_id, account_list_latest_update_ts,
		       transfer_list_latest_update_id, transfer_list_latest_update_ts
		FROM creditor WHERE creditor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{creditorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c = &Creditor{
					CreditorID:                 stmt.ColumnInt64(0),
					Activated:                  stmt.ColumnInt64(1) != 0,
					CreatedAt:                  fromNano(stmt.ColumnInt64(2)),
					LastLogEntryID:             stmt.ColumnInt64(3),
					LastCoordinatorRequestID:   stmt.ColumnInt64(4),
					ProfileLatestUpdateID:      stmt.ColumnInt64(5),
					ProfileLatestUpdateTS:      fromNano(stmt.ColumnInt64(6)),
					AccountListLatestUpdateID:  stmt.ColumnInt64(7),
					AccountListLatestUpdateTS:  fromNano(stmt.ColumnInt64(8)),
					TransferListLatestUpdateID: stmt.ColumnInt64(9),
					TransferListLatestUpdateTS: fromNano(stmt.ColumnInt64(10)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading creditor %d: %w", creditorID, err)
	}
	return c, nil
}

// getActiveCreditor loads an activated creditor or reports
// ErrCreditorNotFound.
func getActiveCreditor(conn *sqlite.Conn, creditorID int64) (*Creditor, error) {
	c, err := getCreditor(conn, creditorID)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.Activated {
		return nil, ErrCreditorNotFound
	}
	return c, nil
}

// saveCreditor writes back every mutable creditor column.
func saveCreditor(conn *sqlite.Conn, c *Creditor) error {
	err := sqlitex.Execute(conn, `
		UPDATE creditor SET
			activated = ?, last_log_entry_id = ?,
			last_coordinator_request_id = ?,
			profile_latest_update_id = ?, profile_latest_update_ts = ?,
			account_list_latest_update_id = ?, account_list_latest_update_ts = ?,
			transfer_list_latest_update_id = ?, transfer_list_latest_update_ts = ?
		WHERE creditor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				boolToInt(c.Activated), c.LastLogEntryID,
				c.LastCoordinatorRequestID,
				c.ProfileLatestUpdateID, nano(c.ProfileLatestUpdateTS),
				c.AccountListLatestUpdateID, nano(c.AccountListLatestUpdateTS),
				c.TransferListLatestUpdateID, nano(c.TransferListLatestUpdateTS),
				c.CreditorID,
			},
		})
	if err != nil {
		return fmt.Errorf("creditor store: saving creditor %d: %w", c.CreditorID, err)
	}
	return nil
}

const accountDataColumns = `
	creditor_id, debtor_id,
	creation_date, last_change_ts, last_change_seqnum, principal,
	interest, interest_rate, last_interest_rate_change_ts,
	transfer_note_max_bytes, account_id, debtor_info_iri,
	debtor_info_content_type, debtor_info_sha256, has_server_account,
	last_heartbeat_ts, last_transfer_number, last_transfer_committed_at,
	info_latest_update_id, info_latest_update_ts,
	last_config_ts, last_config_seqnum, config_flags, config_data,
	negligible_amount, is_config_effectual, config_error,
	config_latest_update_id, config_latest_update_ts,
	ledger_principal, ledger_last_transfer_number, ledger_last_entry_id,
	ledger_pending_transfer_ts, ledger_latest_update_id, ledger_latest_update_ts`

func scanAccountData(stmt *sqlite.Stmt) *AccountData {
	return &AccountData{
		CreditorID:               stmt.ColumnInt64(0),
		DebtorID:                 stmt.ColumnInt64(1),
		CreationDate:             stmt.ColumnInt64(2),
		LastChangeTS:             fromNano(stmt.ColumnInt64(3)),
		LastChangeSeqnum:         int32(stmt.ColumnInt64(4)),
		Principal:                stmt.ColumnInt64(5),
		Interest:                 stmt.ColumnFloat(6),
		InterestRate:             stmt.ColumnFloat(7),
		LastInterestRateChangeTS: fromNano(stmt.ColumnInt64(8)),
		TransferNoteMaxBytes:     int32(stmt.ColumnInt64(9)),
		AccountID:                stmt.ColumnText(10),
		DebtorInfoIRI:            stmt.ColumnText(11),
		DebtorInfoContentType:    stmt.ColumnText(12),
		DebtorInfoSHA256:         columnBlob(stmt, 13),
		HasServerAccount:         stmt.ColumnInt64(14) != 0,
		LastHeartbeatTS:          fromNano(stmt.ColumnInt64(15)),
		LastTransferNumber:       stmt.ColumnInt64(16),
		LastTransferCommittedAt:  fromNano(stmt.ColumnInt64(17)),
		InfoLatestUpdateID:       stmt.ColumnInt64(18),
		InfoLatestUpdateTS:       fromNano(stmt.ColumnInt64(19)),
		LastConfigTS:             fromNano(stmt.ColumnInt64(20)),
		LastConfigSeqnum:         int32(stmt.ColumnInt64(21)),
		ConfigFlags:              int32(stmt.ColumnInt64(22)),
		ConfigData:               stmt.ColumnText(23),
		NegligibleAmount:         stmt.ColumnFloat(24),
		IsConfigEffectual:        stmt.ColumnInt64(25) != 0,
		ConfigError:              columnNullText(stmt, 26),
		ConfigLatestUpdateID:     stmt.ColumnInt64(27),
		ConfigLatestUpdateTS:     fromNano(stmt.ColumnInt64(28)),
		LedgerPrincipal:          stmt.ColumnInt64(29),
		LedgerLastTransferNumber: stmt.ColumnInt64(30),
		LedgerLastEntryID:        stmt.ColumnInt64(31),
		LedgerPendingTransferTS:  columnNullTime(stmt, 32),
		LedgerLatestUpdateID:     stmt.ColumnInt64(33),
		LedgerLatestUpdateTS:     fromNano(stmt.ColumnInt64(34)),
	}
}

// getAccountData loads an account's reconciliation state. Returns
// (nil, nil) when absent.
func getAccountData(conn *sqlite.Conn, creditorID, debtorID int64) (*AccountData, error) {
	var data *AccountData
	err := sqlitex.Execute(conn,
		"SELECT"+accountDataColumns+" FROM account_data WHERE creditor_id = ? AND debtor_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{creditorID, debtorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data = scanAccountData(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading account data %d/%d: %w", creditorID, debtorID, err)
	}
	return data, nil
}

// saveAccountData writes back every mutable account_data column.
func saveAccountData(conn *sqlite.Conn, d *AccountData) error {
	err := sqlitex.Execute(conn, `
		UPDATE account_data SET
			creation_date = ?, last_change_ts = ?, last_change_seqnum = ?,
			principal = ?, interest = ?, interest_rate = ?,
			last_interest_rate_change_ts = ?, transfer_note_max_bytes = ?,
			account_id = ?, debtor_info_iri = ?, debtor_info_content_type = ?,
			debtor_info_sha256 = ?, has_server_account = ?, last_heartbeat_ts = ?,
			last_transfer_number = ?, last_transfer_committed_at = ?,
			info_latest_update_id = ?, info_latest_update_ts = ?,
			last_config_ts = ?, last_config_seqnum = ?, config_flags = ?,
			config_data = ?, negligible_amount = ?, is_config_effectual = ?,
			config_error = ?, config_latest_update_id = ?, config_latest_update_ts = ?,
			ledger_principal = ?, ledger_last_transfer_number = ?,
			ledger_last_entry_id = ?, ledger_pending_transfer_ts = ?,
			ledger_latest_update_id = ?, ledger_latest_update_ts = ?
		WHERE creditor_id = ? AND debtor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				d.CreationDate, nano(d.LastChangeTS), int64(d.LastChangeSeqnum),
				d.Principal, d.Interest, d.InterestRate,
				nano(d.LastInterestRateChangeTS), int64(d.TransferNoteMaxBytes),
				d.AccountID, d.DebtorInfoIRI, d.DebtorInfoContentType,
				d.DebtorInfoSHA256, boolToInt(d.HasServerAccount), nano(d.LastHeartbeatTS),
				d.LastTransferNumber, nano(d.LastTransferCommittedAt),
				d.InfoLatestUpdateID, nano(d.InfoLatestUpdateTS),
				nano(d.LastConfigTS), int64(d.LastConfigSeqnum), int64(d.ConfigFlags),
				d.ConfigData, d.NegligibleAmount, boolToInt(d.IsConfigEffectual),
				nullableText(d.ConfigError), d.ConfigLatestUpdateID, nano(d.ConfigLatestUpdateTS),
				d.LedgerPrincipal, d.LedgerLastTransferNumber,
				d.LedgerLastEntryID, nullableTime(d.LedgerPendingTransferTS),
				d.LedgerLatestUpdateID, nano(d.LedgerLatestUpdateTS),
				d.CreditorID, d.DebtorID,
			},
		})
	if err != nil {
		return fmt.Errorf("creditor store: saving account data %d/%d: %w", d.CreditorID, d.DebtorID, err)
	}
	return nil
}

const runningTransferColumns = `
	creditor_id, transfer_uuid, debtor_id, recipient, amount,
	transfer_note_format, transfer_note, deadline, final_interest_rate_ts,
	coordinator_request_id, transfer_id, locked_amount, total_locked_amount,
	finalized_at, error_code, initiated_at, latest_update_id, latest_update_ts`

func scanRunningTransfer(stmt *sqlite.Stmt) (*RunningTransfer, error) {
	transferUUID, err := uuid.Parse(stmt.ColumnText(1))
	if err != nil {
		return nil, fmt.Errorf("creditor store: bad transfer uuid %q: %w", stmt.ColumnText(1), err)
	}
	return &RunningTransfer{
		CreditorID:           stmt.ColumnInt64(0),
		TransferUUID:         transferUUID,
		DebtorID:             stmt.ColumnInt64(2),
		Recipient:            stmt.ColumnText(3),
		Amount:               stmt.ColumnInt64(4),
		TransferNoteFormat:   stmt.ColumnText(5),
		TransferNote:         stmt.ColumnText(6),
		Deadline:             columnNullTime(stmt, 7),
		FinalInterestRateTS:  fromNano(stmt.ColumnInt64(8)),
		CoordinatorRequestID: stmt.ColumnInt64(9),
		TransferID:           columnNullInt64(stmt, 10),
		LockedAmount:         stmt.ColumnInt64(11),
		TotalLockedAmount:    stmt.ColumnInt64(12),
		FinalizedAt:          columnNullTime(stmt, 13),
		ErrorCode:            columnNullText(stmt, 14),
		InitiatedAt:          fromNano(stmt.ColumnInt64(15)),
		LatestUpdateID:       stmt.ColumnInt64(16),
		LatestUpdateTS:       fromNano(stmt.ColumnInt64(17)),
	}, nil
}

// getRunningTransfer loads a running transfer by its UUID. Returns
// (nil, nil) when absent.
func getRunningTransfer(conn *sqlite.Conn, creditorID int64, transferUUID uuid.UUID) (*RunningTransfer, error) {
	var rt *RunningTransfer
	err := sqlitex.Execute(conn,
		"SELECT"+runningTransferColumns+" FROM running_transfer WHERE creditor_id = ? AND transfer_uuid = ?",
		&sqlitex.ExecOptions{
			Args: []any{creditorID, transferUUID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				rt, err = scanRunningTransfer(stmt)
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading transfer %s: %w", transferUUID, err)
	}
	return rt, nil
}

// getRunningTransferByRequestID resolves the correlation key carried
// by peer replies. Returns (nil, nil) when absent.
func getRunningTransferByRequestID(conn *sqlite.Conn, creditorID, coordinatorRequestID int64) (*RunningTransfer, error) {
	var rt *RunningTransfer
	err := sqlitex.Execute(conn,
		"SELECT"+runningTransferColumns+" FROM running_transfer WHERE creditor_id = ? AND coordinator_request_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{creditorID, coordinatorRequestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				rt, err = scanRunningTransfer(stmt)
				return err
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading transfer by request id %d/%d: %w", creditorID, coordinatorRequestID, err)
	}
	return rt, nil
}

// saveRunningTransfer writes back every mutable running_transfer
// column.
func saveRunningTransfer(conn *sqlite.Conn, rt *RunningTransfer) error {
	err := sqlitex.Execute(conn, `
		UPDATE running_transfer SET
			transfer_id = ?, locked_amount = ?, total_locked_amount = ?,
			finalized_at = ?, error_code = ?,
			latest_update_id = ?, latest_update_ts = ?
		WHERE creditor_id = ? AND transfer_uuid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				nullableInt64(rt.TransferID), rt.LockedAmount, rt.TotalLockedAmount,
				nullableTime(rt.FinalizedAt), nullableText(rt.ErrorCode),
				rt.LatestUpdateID, nano(rt.LatestUpdateTS),
				rt.CreditorID, rt.TransferUUID.String(),
			},
		})
	if err != nil {
		return fmt.Errorf("creditor store: saving transfer %s: %w", rt.TransferUUID, err)
	}
	return nil
}

// logRecord is the payload of a change-log append, without the
// entry id that flush (or a direct append) assigns.
type logRecord struct {
	objectType     string
	objectRef      string
	objectUpdateID *int64
	isDeleted      bool
	data           []byte
}

// addPendingLog stages a change-log record without touching the
// creditor row. Flush later assigns the entry id under the creditor
// lock.
func addPendingLog(conn *sqlite.Conn, creditorID int64, now time.Time, rec logRecord) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO pending_log_entry
			(creditor_id, added_at, object_type, object_ref, object_update_id, is_deleted, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				creditorID, nano(now), rec.objectType, rec.objectRef,
				nullableInt64(rec.objectUpdateID), boolToInt(rec.isDeleted), rec.data,
			},
		})
	if err != nil {
		return fmt.Errorf("creditor store: staging log entry: %w", err)
	}
	return nil
}

// addDirectLog appends a durable log entry immediately, assigning the
// next entry id from the creditor counter. Only operations that
// already hold the creditor row use this; signal handlers stage
// through addPendingLog instead. The caller must saveCreditor
// afterwards.
func addDirectLog(conn *sqlite.Conn, c *Creditor, now time.Time, rec logRecord) error {
	c.LastLogEntryID++
	err := sqlitex.Execute(conn, `
		INSERT INTO log_entry
			(creditor_id, entry_id, added_at, object_type, object_ref, object_update_id, is_deleted, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				c.CreditorID, c.LastLogEntryID, nano(now), rec.objectType, rec.objectRef,
				nullableInt64(rec.objectUpdateID), boolToInt(rec.isDeleted), rec.data,
			},
		})
	if err != nil {
		return fmt.Errorf("creditor store: appending log entry: %w", err)
	}
	return nil
}

// spoolSignal stages an outbound message in the outbox, inside the
// transaction that decided to send it.
func spoolSignal(conn *sqlite.Conn, now time.Time, kind signal.Kind, msg any) error {
	body, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("creditor store: encoding %s: %w", kind, err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO outbox (kind, body, queued_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{string(kind), body, nano(now)}})
	if err != nil {
		return fmt.Errorf("creditor store: spooling %s: %w", kind, err)
	}
	return nil
}

// markPendingLedgerUpdate ensures the account's reconciliation
// work-queue marker exists.
func markPendingLedgerUpdate(conn *sqlite.Conn, creditorID, debtorID int64) error {
	err := sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO pending_ledger_update (creditor_id, debtor_id) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{creditorID, debtorID}})
	if err != nil {
		return fmt.Errorf("creditor store: marking pending ledger update %d/%d: %w", creditorID, debtorID, err)
	}
	return nil
}
