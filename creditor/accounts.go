// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tally-foundation/tally/lib/seqnum"
	"github.com/tally-foundation/tally/signal"
)

// ConfigDataMaxBytes bounds the opaque configuration blob echoed to
// the peer.
const ConfigDataMaxBytes = 2000

// CreateAccount creates an account with all four facets and sends the
// initial configuration request to the peer.
func (s *Store) CreateAccount(ctx context.Context, creditorID, debtorID int64) (*Account, error) {
	var created *Account
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getActiveCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		existing, err := getAccount(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAccountExists
		}

		now := s.clock.Now()
		err = sqlitex.Execute(conn, `
			INSERT INTO account (creditor_id, debtor_id, created_at, latest_update_ts)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{creditorID, debtorID, nano(now), nano(now)}})
		if err != nil {
			return fmt.Errorf("creditor store: creating account %d/%d: %w", creditorID, debtorID, err)
		}
		for _, insert := range []string{
			"INSERT INTO account_display (creditor_id, debtor_id, latest_update_ts) VALUES (?, ?, ?)",
			"INSERT INTO account_exchange (creditor_id, debtor_id, latest_update_ts) VALUES (?, ?, ?)",
			"INSERT INTO account_knowledge (creditor_id, debtor_id, latest_update_ts) VALUES (?, ?, ?)",
		} {
			err = sqlitex.Execute(conn, insert,
				&sqlitex.ExecOptions{Args: []any{creditorID, debtorID, nano(now)}})
			if err != nil {
				return fmt.Errorf("creditor store: creating account facets %d/%d: %w", creditorID, debtorID, err)
			}
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO account_data
				(creditor_id, debtor_id, last_heartbeat_ts, last_config_ts,
				 negligible_amount, info_latest_update_ts, config_latest_update_ts,
				 ledger_latest_update_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				creditorID, debtorID, nano(now), nano(now),
				HugeNegligibleAmount, nano(now), nano(now), nano(now),
			}})
		if err != nil {
			return fmt.Errorf("creditor store: creating account data %d/%d: %w", creditorID, debtorID, err)
		}

		err = spoolSignal(conn, now, signal.KindConfigureAccount, &signal.ConfigureAccountRequest{
			DebtorID:         debtorID,
			CreditorID:       creditorID,
			TS:               now,
			Seqnum:           0,
			NegligibleAmount: HugeNegligibleAmount,
		})
		if err != nil {
			return err
		}

		// The account's appearance is also a change to the account
		// list the client observes separately.
		one := int64(1)
		err = addDirectLog(conn, c, now, logRecord{
			objectType:     ObjectAccount,
			objectRef:      accountRef(creditorID, debtorID),
			objectUpdateID: &one,
		})
		if err != nil {
			return err
		}
		c.AccountListLatestUpdateID++
		c.AccountListLatestUpdateTS = now
		err = addDirectLog(conn, c, now, logRecord{
			objectType:     ObjectAccountList,
			objectRef:      accountListRef(creditorID),
			objectUpdateID: &c.AccountListLatestUpdateID,
		})
		if err != nil {
			return err
		}
		if err := saveCreditor(conn, c); err != nil {
			return err
		}

		created, err = getAccount(conn, creditorID, debtorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account created", "creditor_id", creditorID, "debtor_id", debtorID)
	return created, nil
}

// DeleteAccount removes an account and everything under it. Allowed
// only when the deletion cannot lose money: the peer has confirmed a
// scheduled-for-deletion configuration and no peer-side account
// remains. Accounts other exchange policies peg to cannot be deleted.
func (s *Store) DeleteAccount(ctx context.Context, creditorID, debtorID int64) error {
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getActiveCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		data, err := getAccountData(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if data == nil {
			return ErrAccountNotFound
		}
		if !data.DeletionSafe() {
			return ErrAccountUnsafeDeletion
		}

		pegged := false
		err = sqlitex.Execute(conn, `
			SELECT 1 FROM account_exchange
			WHERE creditor_id = ? AND peg_debtor_id = ? AND debtor_id != ? LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID, debtorID, debtorID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					pegged = true
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("creditor store: checking pegs for %d/%d: %w", creditorID, debtorID, err)
		}
		if pegged {
			return ErrAccountPegged
		}

		err = sqlitex.Execute(conn,
			"DELETE FROM account WHERE creditor_id = ? AND debtor_id = ?",
			&sqlitex.ExecOptions{Args: []any{creditorID, debtorID}})
		if err != nil {
			return fmt.Errorf("creditor store: deleting account %d/%d: %w", creditorID, debtorID, err)
		}

		now := s.clock.Now()
		for _, facet := range []string{"config", "display", "exchange", "knowledge", "info", "ledger"} {
			err = addDirectLog(conn, c, now, logRecord{
				objectType: "account-" + facet,
				objectRef:  accountFacetRef(creditorID, debtorID, facet),
				isDeleted:  true,
			})
			if err != nil {
				return err
			}
		}
		err = addDirectLog(conn, c, now, logRecord{
			objectType: ObjectAccount,
			objectRef:  accountRef(creditorID, debtorID),
			isDeleted:  true,
		})
		if err != nil {
			return err
		}
		c.AccountListLatestUpdateID++
		c.AccountListLatestUpdateTS = now
		err = addDirectLog(conn, c, now, logRecord{
			objectType:     ObjectAccountList,
			objectRef:      accountListRef(creditorID),
			objectUpdateID: &c.AccountListLatestUpdateID,
		})
		if err != nil {
			return err
		}
		return saveCreditor(conn, c)
	})
	if err != nil {
		return err
	}
	s.logger.Info("account deleted", "creditor_id", creditorID, "debtor_id", debtorID)
	return nil
}

func getAccount(conn *sqlite.Conn, creditorID, debtorID int64) (*Account, error) {
	var a *Account
	err := sqlitex.Execute(conn, `
		SELECT creditor_id, debtor_id, created_at, latest_update_id, latest_update_ts
		FROM account WHERE creditor_id = ? AND debtor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{creditorID, debtorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				a = &Account{
					CreditorID:     stmt.ColumnInt64(0),
					DebtorID:       stmt.ColumnInt64(1),
					CreatedAt:      fromNano(stmt.ColumnInt64(2)),
					LatestUpdateID: stmt.ColumnInt64(3),
					LatestUpdateTS: fromNano(stmt.ColumnInt64(4)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading account %d/%d: %w", creditorID, debtorID, err)
	}
	return a, nil
}

// GetAccount returns the account container row.
func (s *Store) GetAccount(ctx context.Context, creditorID, debtorID int64) (*Account, error) {
	var a *Account
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		a, err = getAccount(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns the debtor ids of all the creditor's accounts,
// ascending.
func (s *Store) ListAccounts(ctx context.Context, creditorID int64) ([]int64, error) {
	var debtors []int64
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		if _, err := getActiveCreditor(conn, creditorID); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			"SELECT debtor_id FROM account WHERE creditor_id = ? ORDER BY debtor_id",
			&sqlitex.ExecOptions{
				Args: []any{creditorID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					debtors = append(debtors, stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return debtors, nil
}

// GetAccountData returns the account's reconciliation state: config,
// peer-reported info, and reconciled ledger.
func (s *Store) GetAccountData(ctx context.Context, creditorID, debtorID int64) (*AccountData, error) {
	var data *AccountData
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		data, err = getAccountData(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if data == nil {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ConfigUpdate carries the client's desired account configuration.
type ConfigUpdate struct {
	CreditorID           int64
	DebtorID             int64
	LatestUpdateID       int64
	ScheduledForDeletion bool
	NegligibleAmount     float64
	ConfigData           string
}

// UpdateAccountConfig applies a configuration change under the
// optimistic protocol, sends the new configuration to the peer, and
// logs the change. The config is marked non-effectual until the peer
// echoes it back through a snapshot.
func (s *Store) UpdateAccountConfig(ctx context.Context, upd ConfigUpdate) (*AccountData, error) {
	if upd.NegligibleAmount < 0 {
		return nil, fmt.Errorf("%w: negative negligible amount %g", ErrInvalidRequest, upd.NegligibleAmount)
	}
	if len(upd.ConfigData) > ConfigDataMaxBytes {
		return nil, fmt.Errorf("%w: config data is %d bytes, limit %d", ErrInvalidRequest, len(upd.ConfigData), ConfigDataMaxBytes)
	}

	var updated *AccountData
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		data, err := getAccountData(conn, upd.CreditorID, upd.DebtorID)
		if err != nil {
			return err
		}
		if data == nil {
			return ErrAccountNotFound
		}

		unchanged := data.ScheduledForDeletion() == upd.ScheduledForDeletion &&
			data.NegligibleAmount == upd.NegligibleAmount &&
			data.ConfigData == upd.ConfigData
		if upd.LatestUpdateID == data.ConfigLatestUpdateID && unchanged {
			updated = data
			return nil
		}
		if upd.LatestUpdateID != data.ConfigLatestUpdateID+1 {
			return ErrUpdateConflict
		}

		now := s.clock.Now()
		wasDeletionSafe := data.DeletionSafe()

		if upd.ScheduledForDeletion {
			data.ConfigFlags |= ConfigFlagScheduledForDeletion
		} else {
			data.ConfigFlags &^= ConfigFlagScheduledForDeletion
		}
		data.NegligibleAmount = upd.NegligibleAmount
		data.ConfigData = upd.ConfigData
		if now.After(data.LastConfigTS) {
			data.LastConfigTS = now
		}
		data.LastConfigSeqnum = int32(seqnum.Seqnum(data.LastConfigSeqnum).Increment())
		data.IsConfigEffectual = false
		data.ConfigError = nil
		data.ConfigLatestUpdateID = upd.LatestUpdateID
		data.ConfigLatestUpdateTS = now

		err = spoolSignal(conn, now, signal.KindConfigureAccount, &signal.ConfigureAccountRequest{
			DebtorID:         upd.DebtorID,
			CreditorID:       upd.CreditorID,
			TS:               data.LastConfigTS,
			Seqnum:           data.LastConfigSeqnum,
			NegligibleAmount: data.NegligibleAmount,
			ConfigFlags:      data.ConfigFlags,
			ConfigData:       data.ConfigData,
		})
		if err != nil {
			return err
		}
		err = addPendingLog(conn, upd.CreditorID, now, logRecord{
			objectType:     ObjectAccountConfig,
			objectRef:      accountFacetRef(upd.CreditorID, upd.DebtorID, "config"),
			objectUpdateID: &data.ConfigLatestUpdateID,
		})
		if err != nil {
			return err
		}
		// Losing deletion safety is a visible info change.
		if wasDeletionSafe {
			data.InfoLatestUpdateID++
			data.InfoLatestUpdateTS = now
			err = addPendingLog(conn, upd.CreditorID, now, logRecord{
				objectType:     ObjectAccountInfo,
				objectRef:      accountFacetRef(upd.CreditorID, upd.DebtorID, "info"),
				objectUpdateID: &data.InfoLatestUpdateID,
			})
			if err != nil {
				return err
			}
		}
		if err := saveAccountData(conn, data); err != nil {
			return err
		}
		updated = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DisplayUpdate carries the client's desired display settings.
type DisplayUpdate struct {
	CreditorID     int64
	DebtorID       int64
	LatestUpdateID int64
	DebtorName     *string
	AmountDivisor  float64
	DecimalPlaces  int32
	Unit           *string
	KnownDebtor    bool
}

// GetAccountDisplay returns the account's display facet.
func (s *Store) GetAccountDisplay(ctx context.Context, creditorID, debtorID int64) (*AccountDisplay, error) {
	var d *AccountDisplay
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		d, err = getAccountDisplay(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateAccountDisplay applies a display change under the optimistic
// protocol. Debtor names are unique per creditor.
func (s *Store) UpdateAccountDisplay(ctx context.Context, upd DisplayUpdate) (*AccountDisplay, error) {
	if upd.AmountDivisor <= 0 {
		return nil, fmt.Errorf("%w: amount divisor %g is not positive", ErrInvalidRequest, upd.AmountDivisor)
	}

	var updated *AccountDisplay
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		d, err := getAccountDisplay(conn, upd.CreditorID, upd.DebtorID)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrAccountNotFound
		}

		unchanged := equalText(d.DebtorName, upd.DebtorName) &&
			d.AmountDivisor == upd.AmountDivisor &&
			d.DecimalPlaces == upd.DecimalPlaces &&
			equalText(d.Unit, upd.Unit) &&
			d.KnownDebtor == upd.KnownDebtor
		if upd.LatestUpdateID == d.LatestUpdateID && unchanged {
			updated = d
			return nil
		}
		if upd.LatestUpdateID != d.LatestUpdateID+1 {
			return ErrUpdateConflict
		}

		if upd.DebtorName != nil {
			taken := false
			err = sqlitex.Execute(conn, `
				SELECT 1 FROM account_display
				WHERE creditor_id = ? AND debtor_name = ? AND debtor_id != ? LIMIT 1`,
				&sqlitex.ExecOptions{
					Args: []any{upd.CreditorID, *upd.DebtorName, upd.DebtorID},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						taken = true
						return nil
					},
				})
			if err != nil {
				return fmt.Errorf("creditor store: checking debtor name: %w", err)
			}
			if taken {
				return ErrDebtorNameTaken
			}
		}

		now := s.clock.Now()
		err = sqlitex.Execute(conn, `
			UPDATE account_display SET
				debtor_name = ?, amount_divisor = ?, decimal_places = ?,
				unit = ?, known_debtor = ?, latest_update_id = ?, latest_update_ts = ?
			WHERE creditor_id = ? AND debtor_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				nullableText(upd.DebtorName), upd.AmountDivisor, int64(upd.DecimalPlaces),
				nullableText(upd.Unit), boolToInt(upd.KnownDebtor),
				upd.LatestUpdateID, nano(now),
				upd.CreditorID, upd.DebtorID,
			}})
		if err != nil {
			return fmt.Errorf("creditor store: updating display %d/%d: %w", upd.CreditorID, upd.DebtorID, err)
		}
		err = addPendingLog(conn, upd.CreditorID, now, logRecord{
			objectType:     ObjectAccountDisplay,
			objectRef:      accountFacetRef(upd.CreditorID, upd.DebtorID, "display"),
			objectUpdateID: &upd.LatestUpdateID,
		})
		if err != nil {
			return err
		}
		updated, err = getAccountDisplay(conn, upd.CreditorID, upd.DebtorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ExchangeUpdate carries the client's desired exchange policy.
type ExchangeUpdate struct {
	CreditorID      int64
	DebtorID        int64
	LatestUpdateID  int64
	Policy          *string
	MinPrincipal    int64
	MaxPrincipal    int64
	PegExchangeRate *float64
	PegDebtorID     *int64
}

// GetAccountExchange returns the account's exchange facet.
func (s *Store) GetAccountExchange(ctx context.Context, creditorID, debtorID int64) (*AccountExchange, error) {
	var e *AccountExchange
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		e, err = getAccountExchange(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if e == nil {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateAccountExchange applies an exchange-policy change under the
// optimistic protocol. A peg must reference an existing account of
// the same creditor.
func (s *Store) UpdateAccountExchange(ctx context.Context, upd ExchangeUpdate) (*AccountExchange, error) {
	if upd.MinPrincipal > upd.MaxPrincipal {
		return nil, fmt.Errorf("%w: principal range [%d, %d]", ErrInvalidRequest, upd.MinPrincipal, upd.MaxPrincipal)
	}
	if (upd.PegDebtorID == nil) != (upd.PegExchangeRate == nil) {
		return nil, fmt.Errorf("%w: peg debtor and exchange rate must be set together", ErrInvalidRequest)
	}
	if upd.PegExchangeRate != nil && (*upd.PegExchangeRate <= 0 || math.IsInf(*upd.PegExchangeRate, 0) || math.IsNaN(*upd.PegExchangeRate)) {
		return nil, fmt.Errorf("%w: bad peg exchange rate %g", ErrInvalidRequest, *upd.PegExchangeRate)
	}

	var updated *AccountExchange
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		e, err := getAccountExchange(conn, upd.CreditorID, upd.DebtorID)
		if err != nil {
			return err
		}
		if e == nil {
			return ErrAccountNotFound
		}

		unchanged := equalText(e.Policy, upd.Policy) &&
			e.MinPrincipal == upd.MinPrincipal &&
			e.MaxPrincipal == upd.MaxPrincipal &&
			equalFloat(e.PegExchangeRate, upd.PegExchangeRate) &&
			equalInt64(e.PegDebtorID, upd.PegDebtorID)
		if upd.LatestUpdateID == e.LatestUpdateID && unchanged {
			updated = e
			return nil
		}
		if upd.LatestUpdateID != e.LatestUpdateID+1 {
			return ErrUpdateConflict
		}

		if upd.PegDebtorID != nil {
			peg, err := getAccount(conn, upd.CreditorID, *upd.PegDebtorID)
			if err != nil {
				return err
			}
			if peg == nil {
				return ErrPegAccountMissing
			}
		}

		now := s.clock.Now()
		err = sqlitex.Execute(conn, `
			UPDATE account_exchange SET
				policy = ?, min_principal = ?, max_principal = ?,
				peg_exchange_rate = ?, peg_debtor_id = ?,
				latest_update_id = ?, latest_update_ts = ?
			WHERE creditor_id = ? AND debtor_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				nullableText(upd.Policy), upd.MinPrincipal, upd.MaxPrincipal,
				nullableFloat(upd.PegExchangeRate), nullableInt64(upd.PegDebtorID),
				upd.LatestUpdateID, nano(now),
				upd.CreditorID, upd.DebtorID,
			}})
		if err != nil {
			return fmt.Errorf("creditor store: updating exchange %d/%d: %w", upd.CreditorID, upd.DebtorID, err)
		}
		err = addPendingLog(conn, upd.CreditorID, now, logRecord{
			objectType:     ObjectAccountExchange,
			objectRef:      accountFacetRef(upd.CreditorID, upd.DebtorID, "exchange"),
			objectUpdateID: &upd.LatestUpdateID,
		})
		if err != nil {
			return err
		}
		updated, err = getAccountExchange(conn, upd.CreditorID, upd.DebtorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// KnowledgeUpdate carries the client's opaque knowledge blob.
type KnowledgeUpdate struct {
	CreditorID     int64
	DebtorID       int64
	LatestUpdateID int64
	Data           []byte
}

// GetAccountKnowledge returns the account's knowledge facet.
func (s *Store) GetAccountKnowledge(ctx context.Context, creditorID, debtorID int64) (*AccountKnowledge, error) {
	var k *AccountKnowledge
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		k, err = getAccountKnowledge(conn, creditorID, debtorID)
		if err != nil {
			return err
		}
		if k == nil {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

// UpdateAccountKnowledge replaces the opaque knowledge blob under the
// optimistic protocol.
func (s *Store) UpdateAccountKnowledge(ctx context.Context, upd KnowledgeUpdate) (*AccountKnowledge, error) {
	if len(upd.Data) > KnowledgeMaxBytes {
		return nil, fmt.Errorf("%w: knowledge is %d bytes, limit %d", ErrInvalidRequest, len(upd.Data), KnowledgeMaxBytes)
	}

	var updated *AccountKnowledge
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		k, err := getAccountKnowledge(conn, upd.CreditorID, upd.DebtorID)
		if err != nil {
			return err
		}
		if k == nil {
			return ErrAccountNotFound
		}
		if upd.LatestUpdateID == k.LatestUpdateID && bytes.Equal(k.Data, upd.Data) {
			updated = k
			return nil
		}
		if upd.LatestUpdateID != k.LatestUpdateID+1 {
			return ErrUpdateConflict
		}

		now := s.clock.Now()
		err = sqlitex.Execute(conn, `
			UPDATE account_knowledge SET data = ?, latest_update_id = ?, latest_update_ts = ?
			WHERE creditor_id = ? AND debtor_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				upd.Data, upd.LatestUpdateID, nano(now), upd.CreditorID, upd.DebtorID,
			}})
		if err != nil {
			return fmt.Errorf("creditor store: updating knowledge %d/%d: %w", upd.CreditorID, upd.DebtorID, err)
		}
		err = addPendingLog(conn, upd.CreditorID, now, logRecord{
			objectType:     ObjectAccountKnowledge,
			objectRef:      accountFacetRef(upd.CreditorID, upd.DebtorID, "knowledge"),
			objectUpdateID: &upd.LatestUpdateID,
		})
		if err != nil {
			return err
		}
		updated, err = getAccountKnowledge(conn, upd.CreditorID, upd.DebtorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetLedgerEntries pages an account's ledger descending: entries with
// entry_id strictly below prevEntryID and strictly above stopEntryID,
// newest first, at most count. Callers start from the ledger's
// next-expected entry id and follow with the smallest id received.
func (s *Store) GetLedgerEntries(ctx context.Context, creditorID, debtorID, prevEntryID, stopEntryID int64, count int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT entry_id, acquired_amount, principal, added_at, creation_date, transfer_number
			FROM ledger_entry
			WHERE creditor_id = ? AND debtor_id = ? AND entry_id < ? AND entry_id > ?
			ORDER BY entry_id DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID, debtorID, prevEntryID, stopEntryID, count},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entries = append(entries, LedgerEntry{
						CreditorID:     creditorID,
						DebtorID:       debtorID,
						EntryID:        stmt.ColumnInt64(0),
						AcquiredAmount: stmt.ColumnInt64(1),
						Principal:      stmt.ColumnInt64(2),
						AddedAt:        fromNano(stmt.ColumnInt64(3)),
						CreationDate:   columnNullInt64(stmt, 4),
						TransferNumber: columnNullInt64(stmt, 5),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetCommittedTransfer returns one immutable transfer fact.
func (s *Store) GetCommittedTransfer(ctx context.Context, creditorID, debtorID, creationDate, transferNumber int64) (*CommittedTransfer, error) {
	var ct *CommittedTransfer
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT previous_transfer_number, coordinator_type, sender, recipient,
			       acquired_amount, transfer_note_format, transfer_note,
			       committed_at, principal
			FROM committed_transfer
			WHERE creditor_id = ? AND debtor_id = ? AND creation_date = ? AND transfer_number = ?`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID, debtorID, creationDate, transferNumber},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ct = &CommittedTransfer{
						CreditorID:             creditorID,
						DebtorID:               debtorID,
						CreationDate:           creationDate,
						TransferNumber:         transferNumber,
						PreviousTransferNumber: stmt.ColumnInt64(0),
						CoordinatorType:        stmt.ColumnText(1),
						Sender:                 stmt.ColumnText(2),
						Recipient:              stmt.ColumnText(3),
						AcquiredAmount:         stmt.ColumnInt64(4),
						TransferNoteFormat:     stmt.ColumnText(5),
						TransferNote:           stmt.ColumnText(6),
						CommittedAt:            fromNano(stmt.ColumnInt64(7)),
						Principal:              stmt.ColumnInt64(8),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if ct == nil {
		return nil, ErrTransferNotFound
	}
	return ct, nil
}

func getAccountDisplay(conn *sqlite.Conn, creditorID, debtorID int64) (*AccountDisplay, error) {
	var d *AccountDisplay
	err := sqlitex.Execute(conn, `
		SELECT debtor_name, amount_divisor, decimal_places, unit, known_debtor,
		       latest_update_id, latest_update_ts
		FROM account_display WHERE creditor_id = ? AND debtor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{creditorID, debtorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d = &AccountDisplay{
					CreditorID:     creditorID,
					DebtorID:       debtorID,
					DebtorName:     columnNullText(stmt, 0),
					AmountDivisor:  stmt.ColumnFloat(1),
					DecimalPlaces:  int32(stmt.ColumnInt64(2)),
					Unit:           columnNullText(stmt, 3),
					KnownDebtor:    stmt.ColumnInt64(4) != 0,
					LatestUpdateID: stmt.ColumnInt64(5),
					LatestUpdateTS: fromNano(stmt.ColumnInt64(6)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading display %d/%d: %w", creditorID, debtorID, err)
	}
	return d, nil
}

func getAccountExchange(conn *sqlite.Conn, creditorID, debtorID int64) (*AccountExchange, error) {
	var e *AccountExchange
	err := sqlitex.Execute(conn, `
		SELECT policy, min_principal, max_principal, peg_exchange_rate, peg_debtor_id,
		       latest_update_id, latest_update_ts
		FROM account_exchange WHERE creditor_id = ? AND debtor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{creditorID, debtorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e = &AccountExchange{
					CreditorID:      creditorID,
					DebtorID:        debtorID,
					Policy:          columnNullText(stmt, 0),
					MinPrincipal:    stmt.ColumnInt64(1),
					MaxPrincipal:    stmt.ColumnInt64(2),
					PegExchangeRate: columnNullFloat(stmt, 3),
					PegDebtorID:     columnNullInt64(stmt, 4),
					LatestUpdateID:  stmt.ColumnInt64(5),
					LatestUpdateTS:  fromNano(stmt.ColumnInt64(6)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading exchange %d/%d: %w", creditorID, debtorID, err)
	}
	return e, nil
}

func getAccountKnowledge(conn *sqlite.Conn, creditorID, debtorID int64) (*AccountKnowledge, error) {
	var k *AccountKnowledge
	err := sqlitex.Execute(conn, `
		SELECT data, latest_update_id, latest_update_ts
		FROM account_knowledge WHERE creditor_id = ? AND debtor_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{creditorID, debtorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				k = &AccountKnowledge{
					CreditorID:     creditorID,
					DebtorID:       debtorID,
					Data:           columnBlob(stmt, 0),
					LatestUpdateID: stmt.ColumnInt64(1),
					LatestUpdateTS: fromNano(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("creditor store: loading knowledge %d/%d: %w", creditorID, debtorID, err)
	}
	return k, nil
}

func equalText(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func equalFloat(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func equalInt64(a, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
