// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tally-foundation/tally/lib/codec"
	"github.com/tally-foundation/tally/lib/seqnum"
	"github.com/tally-foundation/tally/signal"
)

// HandleAccountSnapshot applies a peer-reported account snapshot.
// Stale, duplicate, and orphaned snapshots are absorbed silently;
// only storage failures are returned.
func (s *Store) HandleAccountSnapshot(ctx context.Context, msg *signal.AccountSnapshot) error {
	now := s.clock.Now()
	if now.Sub(msg.TS) > time.Duration(msg.TTL)*time.Second {
		s.logger.Debug("snapshot expired in transit",
			"creditor_id", msg.CreditorID, "debtor_id", msg.DebtorID, "ts", msg.TS)
		return nil
	}

	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		data, err := getAccountData(conn, msg.CreditorID, msg.DebtorID)
		if err != nil {
			return err
		}
		if data == nil {
			return s.discardOrphanedAccount(conn, msg, now)
		}

		// The heartbeat moves even for stale events: any report
		// proves the peer-side account is alive.
		if msg.TS.After(data.LastHeartbeatTS) {
			data.LastHeartbeatTS = minTime(msg.TS, now)
		}

		newKey := seqnum.EventKey{
			CreationDate: msg.CreationDate,
			ChangeTS:     msg.LastChangeTS,
			ChangeSeqnum: seqnum.Seqnum(msg.LastChangeSeqnum),
		}
		prevKey := seqnum.EventKey{
			CreationDate: data.CreationDate,
			ChangeTS:     data.LastChangeTS,
			ChangeSeqnum: seqnum.Seqnum(data.LastChangeSeqnum),
		}
		if !newKey.After(prevKey) {
			s.logger.Debug("snapshot is stale or duplicate",
				"creditor_id", msg.CreditorID, "debtor_id", msg.DebtorID)
			return saveAccountData(conn, data)
		}

		configEffectual := msg.LastConfigTS.Equal(data.LastConfigTS) &&
			msg.LastConfigSeqnum == data.LastConfigSeqnum &&
			msg.ConfigFlags == data.ConfigFlags &&
			msg.ConfigData == data.ConfigData &&
			s.floatClose(msg.NegligibleAmount, data.NegligibleAmount)

		before := infoView(data)
		newEpoch := msg.CreationDate > data.CreationDate
		accountIDRebound := !newEpoch && data.AccountID != "" && msg.AccountID != data.AccountID

		data.CreationDate = msg.CreationDate
		data.LastChangeTS = msg.LastChangeTS
		data.LastChangeSeqnum = msg.LastChangeSeqnum
		data.Principal = msg.Principal
		data.Interest = msg.Interest
		data.InterestRate = msg.InterestRate
		data.LastInterestRateChangeTS = msg.LastInterestRateChangeTS
		data.TransferNoteMaxBytes = msg.TransferNoteMaxBytes
		data.AccountID = msg.AccountID
		data.DebtorInfoIRI = msg.DebtorInfoIRI
		data.DebtorInfoContentType = msg.DebtorInfoContentType
		data.DebtorInfoSHA256 = msg.DebtorInfoSHA256
		data.HasServerAccount = true
		data.LastTransferNumber = msg.LastTransferNumber
		data.LastTransferCommittedAt = msg.LastTransferCommittedAt
		data.IsConfigEffectual = configEffectual
		if configEffectual {
			data.ConfigError = nil
		}

		if newEpoch || accountIDRebound {
			// The peer's transfer numbering restarted; the old
			// reconciled view no longer describes anything.
			data.LedgerPrincipal = 0
			data.LedgerLastTransferNumber = 0
			data.LedgerPendingTransferTS = nil
			if err := s.logLedgerUpdate(conn, data, now); err != nil {
				return err
			}
			if err := markPendingLedgerUpdate(conn, data.CreditorID, data.DebtorID); err != nil {
				return err
			}
		} else if msg.LastTransferNumber > data.LedgerLastTransferNumber {
			if err := markPendingLedgerUpdate(conn, data.CreditorID, data.DebtorID); err != nil {
				return err
			}
		}

		if s.infoChanged(before, infoView(data)) {
			data.InfoLatestUpdateID++
			data.InfoLatestUpdateTS = now
			err = addPendingLog(conn, data.CreditorID, now, logRecord{
				objectType:     ObjectAccountInfo,
				objectRef:      accountFacetRef(data.CreditorID, data.DebtorID, "info"),
				objectUpdateID: &data.InfoLatestUpdateID,
			})
			if err != nil {
				return err
			}
		}
		return saveAccountData(conn, data)
	})
}

// discardOrphanedAccount tells the peer to delete an account this
// creditor does not know about, unless its configuration already
// makes every balance negligible and schedules deletion.
func (s *Store) discardOrphanedAccount(conn *sqlite.Conn, msg *signal.AccountSnapshot, now time.Time) error {
	safelyHuge := (1 - s.epsilon) * HugeNegligibleAmount
	if msg.ConfigFlags&ConfigFlagScheduledForDeletion != 0 && msg.NegligibleAmount >= safelyHuge {
		return nil
	}
	s.logger.Warn("discarding orphaned peer account",
		"creditor_id", msg.CreditorID, "debtor_id", msg.DebtorID)
	return spoolSignal(conn, now, signal.KindConfigureAccount, &signal.ConfigureAccountRequest{
		DebtorID:         msg.DebtorID,
		CreditorID:       msg.CreditorID,
		TS:               now,
		Seqnum:           0,
		NegligibleAmount: HugeNegligibleAmount,
		ConfigFlags:      msg.ConfigFlags | ConfigFlagScheduledForDeletion,
	})
}

// accountInfo is the externally-visible subset of account state whose
// change warrants an info log entry.
type accountInfo struct {
	accountID          string
	debtorInfoIRI      string
	debtorInfoType     string
	debtorInfoSHA256   []byte
	interestRate       float64
	interestRateTS     time.Time
	noteMaxBytes       int32
	configError        *string
	deletionSafe       bool
}

func infoView(d *AccountData) accountInfo {
	return accountInfo{
		accountID:        d.AccountID,
		debtorInfoIRI:    d.DebtorInfoIRI,
		debtorInfoType:   d.DebtorInfoContentType,
		debtorInfoSHA256: d.DebtorInfoSHA256,
		interestRate:     d.InterestRate,
		interestRateTS:   d.LastInterestRateChangeTS,
		noteMaxBytes:     d.TransferNoteMaxBytes,
		configError:      d.ConfigError,
		deletionSafe:     d.DeletionSafe(),
	}
}

func (s *Store) infoChanged(before, after accountInfo) bool {
	return before.accountID != after.accountID ||
		before.debtorInfoIRI != after.debtorInfoIRI ||
		before.debtorInfoType != after.debtorInfoType ||
		!bytes.Equal(before.debtorInfoSHA256, after.debtorInfoSHA256) ||
		!s.floatClose(before.interestRate, after.interestRate) ||
		!before.interestRateTS.Equal(after.interestRateTS) ||
		before.noteMaxBytes != after.noteMaxBytes ||
		!equalText(before.configError, after.configError) ||
		before.deletionSafe != after.deletionSafe
}

// HandleConfigRejection records a peer-side configuration rejection.
// It applies only when the rejection matches the currently outstanding
// configuration request and no rejection is recorded yet.
func (s *Store) HandleConfigRejection(ctx context.Context, msg *signal.ConfigRejected) error {
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		data, err := getAccountData(conn, msg.CreditorID, msg.DebtorID)
		if err != nil {
			return err
		}
		if data == nil || data.ConfigError != nil {
			return nil
		}
		matches := msg.ConfigTS.Equal(data.LastConfigTS) &&
			msg.ConfigSeqnum == data.LastConfigSeqnum &&
			msg.ConfigFlags == data.ConfigFlags &&
			msg.ConfigData == data.ConfigData &&
			s.floatClose(msg.NegligibleAmount, data.NegligibleAmount)
		if !matches {
			return nil
		}

		now := s.clock.Now()
		code := msg.RejectionCode
		data.ConfigError = &code
		data.InfoLatestUpdateID++
		data.InfoLatestUpdateTS = now
		err = addPendingLog(conn, data.CreditorID, now, logRecord{
			objectType:     ObjectAccountInfo,
			objectRef:      accountFacetRef(data.CreditorID, data.DebtorID, "info"),
			objectUpdateID: &data.InfoLatestUpdateID,
		})
		if err != nil {
			return err
		}
		s.logger.Warn("account config rejected",
			"creditor_id", msg.CreditorID, "debtor_id", msg.DebtorID,
			"rejection_code", msg.RejectionCode)
		return saveAccountData(conn, data)
	})
}

// HandleAccountPurge records the peer's confirmation that an account
// epoch no longer exists.
func (s *Store) HandleAccountPurge(ctx context.Context, msg *signal.AccountPurge) error {
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		data, err := getAccountData(conn, msg.CreditorID, msg.DebtorID)
		if err != nil {
			return err
		}
		if data == nil || data.CreationDate > msg.CreationDate || !data.HasServerAccount {
			return nil
		}

		now := s.clock.Now()
		data.HasServerAccount = false
		data.Principal = 0
		data.Interest = 0
		data.InfoLatestUpdateID++
		data.InfoLatestUpdateTS = now
		err = addPendingLog(conn, data.CreditorID, now, logRecord{
			objectType:     ObjectAccountInfo,
			objectRef:      accountFacetRef(data.CreditorID, data.DebtorID, "info"),
			objectUpdateID: &data.InfoLatestUpdateID,
		})
		if err != nil {
			return err
		}
		return saveAccountData(conn, data)
	})
}

// HandleCommittedTransfer stores a peer-confirmed transfer fact.
// Duplicates are no-ops; facts for unknown accounts are dropped.
func (s *Store) HandleCommittedTransfer(ctx context.Context, msg *signal.CommittedTransferFact) error {
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		data, err := getAccountData(conn, msg.CreditorID, msg.DebtorID)
		if err != nil {
			return err
		}
		if data == nil {
			s.logger.Debug("dropping transfer fact for unknown account",
				"creditor_id", msg.CreditorID, "debtor_id", msg.DebtorID)
			return nil
		}

		err = sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO committed_transfer
				(creditor_id, debtor_id, creation_date, transfer_number,
				 previous_transfer_number, coordinator_type, sender, recipient,
				 acquired_amount, transfer_note_format, transfer_note,
				 committed_at, principal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				msg.CreditorID, msg.DebtorID, msg.CreationDate, msg.TransferNumber,
				msg.PreviousTransferNumber, msg.CoordinatorType, msg.Sender, msg.Recipient,
				msg.AcquiredAmount, msg.TransferNoteFormat, msg.TransferNote,
				nano(msg.CommittedAt), msg.Principal,
			}})
		if err != nil {
			return fmt.Errorf("creditor store: inserting transfer fact: %w", err)
		}
		if conn.Changes() == 0 {
			return nil
		}

		now := s.clock.Now()
		err = addPendingLog(conn, msg.CreditorID, now, logRecord{
			objectType: ObjectCommittedTransfer,
			objectRef: committedTransferRef(msg.CreditorID, msg.DebtorID,
				msg.CreationDate, msg.TransferNumber),
		})
		if err != nil {
			return err
		}
		return markPendingLedgerUpdate(conn, msg.CreditorID, msg.DebtorID)
	})
}

// ReconcileAccountLedger performs one bounded reconciliation pass over
// an account's backlog of transfer facts. It returns drained=true when
// no more work remains for this account; callers loop until then.
//
// A fact whose predecessor has not arrived yet halts the pass (the
// gap is waited out), unless the fact is older than maxDelay, in
// which case the hole is presumed permanently lost and bridged with
// correction entries. When fully drained and the peer still reports a
// transfer number ahead of the ledger for longer than maxDelay, the
// ledger jumps straight to the peer-reported state.
func (s *Store) ReconcileAccountLedger(ctx context.Context, creditorID, debtorID int64, burst int, maxDelay time.Duration) (bool, error) {
	drained := false
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		pending := false
		err := sqlitex.Execute(conn,
			"SELECT 1 FROM pending_ledger_update WHERE creditor_id = ? AND debtor_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{creditorID, debtorID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					pending = true
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("creditor store: checking pending update %d/%d: %w", creditorID, debtorID, err)
		}
		if !pending {
			drained = true
			return nil
		}
		data, err := getAccountData(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if data == nil {
			drained = true
			return nil
		}

		now := s.clock.Now()
		facts, err := fetchUnappliedFacts(conn, data, burst)
		if err != nil {
			return err
		}

		ledgerDirty := false
		gapHit := false
		for i := range facts {
			fact := &facts[i]
			if fact.PreviousTransferNumber != data.LedgerLastTransferNumber &&
				fact.CommittedAt.After(now.Add(-maxDelay)) {
				ts := fact.CommittedAt
				data.LedgerPendingTransferTS = &ts
				gapHit = true
				break
			}
			if err := s.applyFact(conn, data, fact, now); err != nil {
				return err
			}
			ledgerDirty = true
		}

		if !gapHit {
			data.LedgerPendingTransferTS = nil
			drained = len(facts) < burst
		}

		if drained &&
			data.LedgerPendingTransferTS == nil &&
			data.LastTransferNumber > data.LedgerLastTransferNumber &&
			data.LastTransferCommittedAt.Before(now.Add(-maxDelay)) {
			// The peer-reported last transfer never arrived and is
			// past waiting for. Jump to the peer's authoritative
			// state so the queue can drain.
			s.logger.Warn("ledger self-heal",
				"creditor_id", creditorID, "debtor_id", debtorID,
				"from_transfer_number", data.LedgerLastTransferNumber,
				"to_transfer_number", data.LastTransferNumber)
			if err := s.makeCorrections(conn, data, data.Principal, now); err != nil {
				return err
			}
			data.LedgerLastTransferNumber = data.LastTransferNumber
			ledgerDirty = true
		}

		if ledgerDirty {
			if err := s.logLedgerUpdate(conn, data, now); err != nil {
				return err
			}
		}
		if drained {
			err = sqlitex.Execute(conn,
				"DELETE FROM pending_ledger_update WHERE creditor_id = ? AND debtor_id = ?",
				&sqlitex.ExecOptions{Args: []any{creditorID, debtorID}})
			if err != nil {
				return fmt.Errorf("creditor store: clearing pending update %d/%d: %w", creditorID, debtorID, err)
			}
		}
		return saveAccountData(conn, data)
	})
	if err != nil {
		return false, err
	}
	return drained, nil
}

// ListPendingLedgerUpdates returns up to limit accounts whose ledgers
// may be behind the available facts.
func (s *Store) ListPendingLedgerUpdates(ctx context.Context, limit int) ([]AccountRef, error) {
	var refs []AccountRef
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT creditor_id, debtor_id FROM pending_ledger_update ORDER BY creditor_id, debtor_id LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					refs = append(refs, AccountRef{
						CreditorID: stmt.ColumnInt64(0),
						DebtorID:   stmt.ColumnInt64(1),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// fetchUnappliedFacts loads the next facts of the current account
// epoch, ascending by transfer number.
func fetchUnappliedFacts(conn *sqlite.Conn, data *AccountData, burst int) ([]CommittedTransfer, error) {
	var facts []CommittedTransfer
	err := sqlitex.Execute(conn, `
		SELECT transfer_number, previous_transfer_number, acquired_amount,
		       principal, committed_at
		FROM committed_transfer
		WHERE creditor_id = ? AND debtor_id = ? AND creation_date = ? AND transfer_number > ?
		ORDER BY transfer_number ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				data.CreditorID, data.DebtorID, data.CreationDate,
				data.LedgerLastTransferNumber, burst,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				facts = append(facts, CommittedTransfer{
					CreditorID:             data.CreditorID,
					DebtorID:               data.DebtorID,
					CreationDate:           data.CreationDate,
					TransferNumber:         stmt.ColumnInt64(0),
					PreviousTransferNumber: stmt.ColumnInt64(1),
					AcquiredAmount:         stmt.ColumnInt64(2),
					Principal:              stmt.ColumnInt64(3),
					CommittedAt:            fromNano(stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: fetching facts %d/%d: %w", data.CreditorID, data.DebtorID, err)
	}
	return facts, nil
}

// applyFact appends the ledger entry for one transfer fact, preceded
// by correction entries when the fact's implied starting principal
// disagrees with the ledger.
func (s *Store) applyFact(conn *sqlite.Conn, data *AccountData, fact *CommittedTransfer, now time.Time) error {
	if previous, ok := subChecked(fact.Principal, fact.AcquiredAmount); ok &&
		data.LedgerPrincipal != previous {
		if err := s.makeCorrections(conn, data, previous, now); err != nil {
			return err
		}
	}
	err := insertLedgerEntry(conn, data, fact.AcquiredAmount, fact.Principal,
		&fact.CreationDate, &fact.TransferNumber, now)
	if err != nil {
		return err
	}
	data.LedgerPrincipal = fact.Principal
	data.LedgerLastTransferNumber = fact.TransferNumber
	return nil
}

// makeCorrections moves the ledger principal to target through
// synthetic entries, each clamped to the signed 64-bit range. A delta
// too large for one entry becomes several that sum exactly to it.
func (s *Store) makeCorrections(conn *sqlite.Conn, data *AccountData, target int64, now time.Time) error {
	for data.LedgerPrincipal != target {
		step := clampDelta(data.LedgerPrincipal, target)
		principal := clampAdd(data.LedgerPrincipal, step)
		if err := insertLedgerEntry(conn, data, step, principal, nil, nil, now); err != nil {
			return err
		}
		data.LedgerPrincipal = principal
	}
	return nil
}

func insertLedgerEntry(conn *sqlite.Conn, data *AccountData, acquiredAmount, principal int64, creationDate, transferNumber *int64, now time.Time) error {
	data.LedgerLastEntryID++
	err := sqlitex.Execute(conn, `
		INSERT INTO ledger_entry
			(creditor_id, debtor_id, entry_id, acquired_amount, principal,
			 added_at, creation_date, transfer_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			data.CreditorID, data.DebtorID, data.LedgerLastEntryID,
			acquiredAmount, principal, nano(now),
			nullableInt64(creationDate), nullableInt64(transferNumber),
		}})
	if err != nil {
		return fmt.Errorf("creditor store: inserting ledger entry %d/%d/%d: %w",
			data.CreditorID, data.DebtorID, data.LedgerLastEntryID, err)
	}
	return nil
}

// logLedgerUpdate bumps the ledger version and stages the single
// ledger-update log entry a reconciliation pass produces.
func (s *Store) logLedgerUpdate(conn *sqlite.Conn, data *AccountData, now time.Time) error {
	data.LedgerLatestUpdateID++
	data.LedgerLatestUpdateTS = now
	payload, err := codec.Marshal(LedgerUpdatePayload{
		Principal:   data.LedgerPrincipal,
		NextEntryID: data.LedgerLastEntryID + 1,
	})
	if err != nil {
		return fmt.Errorf("creditor store: encoding ledger payload: %w", err)
	}
	return addPendingLog(conn, data.CreditorID, now, logRecord{
		objectType:     ObjectAccountLedger,
		objectRef:      accountFacetRef(data.CreditorID, data.DebtorID, "ledger"),
		objectUpdateID: &data.LedgerLatestUpdateID,
		data:           payload,
	})
}

// floatClose reports relative equality within the configured epsilon,
// measured against the second argument.
func (s *Store) floatClose(a, b float64) bool {
	return math.Abs(a-b) <= s.epsilon*math.Abs(b)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// subChecked computes a-b, reporting whether the result fits int64.
func subChecked(a, b int64) (int64, bool) {
	r := a - b
	if (b > 0 && r > a) || (b < 0 && r < a) {
		return 0, false
	}
	return r, true
}

// clampDelta returns the largest single-entry step from current
// toward target, exact when the difference fits the allowed range.
func clampDelta(current, target int64) int64 {
	if target > current {
		d := uint64(target) - uint64(current)
		if d > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(d)
	}
	d := uint64(current) - uint64(target)
	if d > math.MaxInt64 {
		return -math.MaxInt64
	}
	return -int64(d)
}

// clampAdd saturates a+step to the symmetric range [-MaxInt64,
// MaxInt64]; stored principals never use MinInt64.
func clampAdd(a, step int64) int64 {
	r := a + step
	if step > 0 && r < a {
		return math.MaxInt64
	}
	if step < 0 && r > a {
		return -math.MaxInt64
	}
	if r == math.MinInt64 {
		return -math.MaxInt64
	}
	return r
}
