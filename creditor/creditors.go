// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateCreditor registers a new, not yet activated creditor.
func (s *Store) CreateCreditor(ctx context.Context, creditorID int64) (*Creditor, error) {
	var created *Creditor
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		existing, err := getCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrCreditorExists
		}
		now := s.clock.Now()
		err = sqlitex.Execute(conn, `
			INSERT INTO creditor
				(creditor_id, created_at, profile_latest_update_ts,
				 account_list_latest_update_ts, transfer_list_latest_update_ts)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID, nano(now), nano(now), nano(now), nano(now)},
			})
		if err != nil {
			return fmt.Errorf("creditor store: creating creditor %d: %w", creditorID, err)
		}
		created, err = getCreditor(conn, creditorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("creditor created", "creditor_id", creditorID)
	return created, nil
}

// ActivateCreditor makes a registered creditor operational. Activating
// an already-active creditor is a no-op.
func (s *Store) ActivateCreditor(ctx context.Context, creditorID int64) (*Creditor, error) {
	var activated *Creditor
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCreditorNotFound
		}
		if !c.Activated {
			c.Activated = true
			if err := saveCreditor(conn, c); err != nil {
				return err
			}
		}
		activated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// GetCreditor returns an activated creditor's row.
func (s *Store) GetCreditor(ctx context.Context, creditorID int64) (*Creditor, error) {
	var c *Creditor
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		c, err = getActiveCreditor(conn, creditorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateCreditor bumps the creditor's profile version under the
// optimistic protocol and logs the change. A repeat of the already
// applied update returns the current row unchanged.
func (s *Store) UpdateCreditor(ctx context.Context, creditorID, latestUpdateID int64) (*Creditor, error) {
	var updated *Creditor
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getActiveCreditor(conn, creditorID)
		if err != nil {
			return err
		}
		if latestUpdateID == c.ProfileLatestUpdateID {
			updated = c
			return nil
		}
		if latestUpdateID != c.ProfileLatestUpdateID+1 {
			return ErrUpdateConflict
		}
		now := s.clock.Now()
		c.ProfileLatestUpdateID = latestUpdateID
		c.ProfileLatestUpdateTS = now
		err = addDirectLog(conn, c, now, logRecord{
			objectType:     ObjectCreditor,
			objectRef:      creditorRef(creditorID),
			objectUpdateID: &latestUpdateID,
		})
		if err != nil {
			return err
		}
		if err := saveCreditor(conn, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
