// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"fmt"
	"math"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/google/uuid"
	"github.com/tally-foundation/tally/lib/codec"
	"github.com/tally-foundation/tally/signal"
)

// coordinatorTypeDirect tags transfers this coordinator initiates.
// Replies with any other coordinator type belong to someone else.
const coordinatorTypeDirect = "direct"

// TransferRequest carries the parameters of a new creditor-initiated
// transfer. TransferUUID is client-supplied and makes initiation
// idempotent.
type TransferRequest struct {
	CreditorID          int64
	TransferUUID        uuid.UUID
	DebtorID            int64
	Recipient           string
	Amount              int64
	TransferNoteFormat  string
	TransferNote        string
	Deadline            *time.Time
	FinalInterestRateTS time.Time
}

// InitiateTransfer starts the prepare/finalize exchange for a new
// transfer. A retry with the same UUID and identical content returns
// the existing transfer; the same UUID with different content is a
// conflict.
func (s *Store) InitiateTransfer(ctx context.Context, req TransferRequest) (*RunningTransfer, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: negative amount %d", ErrInvalidRequest, req.Amount)
	}
	if len(req.TransferNote) > signal.TransferNoteMaxBytes {
		return nil, fmt.Errorf("%w: note is %d bytes, limit %d",
			ErrInvalidRequest, len(req.TransferNote), signal.TransferNoteMaxBytes)
	}

	var rt *RunningTransfer
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		c, err := getActiveCreditor(conn, req.CreditorID)
		if err != nil {
			return err
		}
		existing, err := getRunningTransfer(conn, req.CreditorID, req.TransferUUID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.DebtorID == req.DebtorID &&
				existing.Recipient == req.Recipient &&
				existing.Amount == req.Amount &&
				existing.TransferNoteFormat == req.TransferNoteFormat &&
				existing.TransferNote == req.TransferNote {
				rt = existing
				return nil
			}
			return ErrTransferExists
		}

		now := s.clock.Now()
		c.LastCoordinatorRequestID++
		requestID := c.LastCoordinatorRequestID

		err = sqlitex.Execute(conn, `
			INSERT INTO running_transfer
				(creditor_id, transfer_uuid, debtor_id, recipient, amount,
				 transfer_note_format, transfer_note, deadline,
				 final_interest_rate_ts, coordinator_request_id,
				 initiated_at, latest_update_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				req.CreditorID, req.TransferUUID.String(), req.DebtorID,
				req.Recipient, req.Amount,
				req.TransferNoteFormat, req.TransferNote, nullableTime(req.Deadline),
				nano(req.FinalInterestRateTS), requestID,
				nano(now), nano(now),
			}})
		if err != nil {
			return fmt.Errorf("creditor store: creating transfer %s: %w", req.TransferUUID, err)
		}

		maxCommitDelay := int64(math.MaxInt32)
		if req.Deadline != nil {
			maxCommitDelay = int64(req.Deadline.Sub(now) / time.Second)
			if maxCommitDelay < 0 {
				maxCommitDelay = 0
			}
			if maxCommitDelay > math.MaxInt32 {
				maxCommitDelay = math.MaxInt32
			}
		}
		err = spoolSignal(conn, now, signal.KindPrepareTransfer, &signal.PrepareTransferRequest{
			DebtorID:             req.DebtorID,
			CreditorID:           req.CreditorID,
			CoordinatorType:      coordinatorTypeDirect,
			CoordinatorID:        req.CreditorID,
			CoordinatorRequestID: requestID,
			MinLockedAmount:      req.Amount,
			MaxLockedAmount:      req.Amount,
			Recipient:            req.Recipient,
			FinalInterestRateTS:  req.FinalInterestRateTS,
			MaxCommitDelay:       maxCommitDelay,
			TS:                   now,
		})
		if err != nil {
			return err
		}

		one := int64(1)
		err = addPendingLog(conn, req.CreditorID, now, logRecord{
			objectType:     ObjectTransfer,
			objectRef:      transferRef(req.CreditorID, req.TransferUUID),
			objectUpdateID: &one,
		})
		if err != nil {
			return err
		}
		if err := saveCreditor(conn, c); err != nil {
			return err
		}
		rt, err = getRunningTransfer(conn, req.CreditorID, req.TransferUUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transfer initiated",
		"creditor_id", req.CreditorID, "transfer_uuid", req.TransferUUID,
		"debtor_id", req.DebtorID, "amount", req.Amount)
	return rt, nil
}

// GetTransfer returns a running transfer by its UUID.
func (s *Store) GetTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) (*RunningTransfer, error) {
	var rt *RunningTransfer
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		rt, err = getRunningTransfer(conn, creditorID, transferUUID)
		if err != nil {
			return err
		}
		if rt == nil {
			return ErrTransferNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// ListTransfers returns the UUIDs of the creditor's running
// transfers, in initiation order.
func (s *Store) ListTransfers(ctx context.Context, creditorID int64) ([]uuid.UUID, error) {
	var uuids []uuid.UUID
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		if _, err := getActiveCreditor(conn, creditorID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			SELECT transfer_uuid FROM running_transfer
			WHERE creditor_id = ? ORDER BY coordinator_request_id`,
			&sqlitex.ExecOptions{
				Args: []any{creditorID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id, err := uuid.Parse(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("creditor store: bad transfer uuid %q: %w", stmt.ColumnText(0), err)
					}
					uuids = append(uuids, id)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return uuids, nil
}

// CancelTransfer aborts a transfer the peer has not prepared yet.
// Once the peer holds a prepared transfer, the reservation cannot be
// safely un-made from this side and cancellation is forbidden.
func (s *Store) CancelTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) (*RunningTransfer, error) {
	var rt *RunningTransfer
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		rt, err = getRunningTransfer(conn, creditorID, transferUUID)
		if err != nil {
			return err
		}
		if rt == nil {
			return ErrTransferNotFound
		}
		if rt.Finalized() {
			if rt.ErrorCode != nil && *rt.ErrorCode == signal.StatusCanceledBySender {
				return nil
			}
			return ErrCancellationForbidden
		}
		if rt.TransferID != nil {
			return ErrCancellationForbidden
		}
		code := signal.StatusCanceledBySender
		return s.finalizeRunningTransfer(conn, rt, &code, rt.TotalLockedAmount)
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// DeleteTransfer removes a finalized transfer. The peer is not
// affected; the transfer's outcome is already settled.
func (s *Store) DeleteTransfer(ctx context.Context, creditorID int64, transferUUID uuid.UUID) error {
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		rt, err := getRunningTransfer(conn, creditorID, transferUUID)
		if err != nil {
			return err
		}
		if rt == nil {
			return ErrTransferNotFound
		}
		if !rt.Finalized() {
			return ErrTransferNotFinalized
		}
		err = sqlitex.Execute(conn,
			"DELETE FROM running_transfer WHERE creditor_id = ? AND transfer_uuid = ?",
			&sqlitex.ExecOptions{Args: []any{creditorID, transferUUID.String()}})
		if err != nil {
			return fmt.Errorf("creditor store: deleting transfer %s: %w", transferUUID, err)
		}
		return addPendingLog(conn, creditorID, s.clock.Now(), logRecord{
			objectType: ObjectTransfer,
			objectRef:  transferRef(creditorID, transferUUID),
			isDeleted:  true,
		})
	})
}

// HandleTransferPrepared processes the peer's acknowledgement that
// funds are locked. A matching open transfer is committed in full
// right away; anything else gets a zero finalize so the peer's
// reservation is released.
func (s *Store) HandleTransferPrepared(ctx context.Context, msg *signal.TransferPrepared) error {
	if msg.CoordinatorType != coordinatorTypeDirect {
		s.logger.Debug("ignoring prepared reply with foreign coordinator type",
			"coordinator_type", msg.CoordinatorType)
		return nil
	}
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		rt, err := getRunningTransferByRequestID(conn, msg.CoordinatorID, msg.CoordinatorRequestID)
		if err != nil {
			return err
		}
		matched := rt != nil &&
			rt.DebtorID == msg.DebtorID &&
			rt.Recipient == msg.Recipient &&
			(rt.TransferID == nil || *rt.TransferID == msg.TransferID)
		if !matched {
			return s.dismissPreparedTransfer(conn, msg)
		}

		if rt.TransferID == nil && !rt.Finalized() {
			now := s.clock.Now()
			transferID := msg.TransferID
			rt.TransferID = &transferID
			rt.LockedAmount = msg.LockedAmount
			rt.LatestUpdateID++
			rt.LatestUpdateTS = now
			err = addPendingLog(conn, rt.CreditorID, now, logRecord{
				objectType:     ObjectTransfer,
				objectRef:      transferRef(rt.CreditorID, rt.TransferUUID),
				objectUpdateID: &rt.LatestUpdateID,
			})
			if err != nil {
				return err
			}
			if err := saveRunningTransfer(conn, rt); err != nil {
				return err
			}
		}

		// Committed in full once prepared; a transfer finalized
		// with an error instead releases the lock.
		committed := rt.Amount
		noteFormat, note := rt.TransferNoteFormat, rt.TransferNote
		if rt.Finalized() && rt.ErrorCode != nil {
			committed, noteFormat, note = 0, "", ""
		}
		return spoolSignal(conn, s.clock.Now(), signal.KindFinalizeTransfer, &signal.FinalizeTransferRequest{
			DebtorID:             msg.DebtorID,
			CreditorID:           msg.CreditorID,
			TransferID:           msg.TransferID,
			CoordinatorType:      coordinatorTypeDirect,
			CoordinatorID:        msg.CoordinatorID,
			CoordinatorRequestID: msg.CoordinatorRequestID,
			CommittedAmount:      committed,
			TransferNoteFormat:   noteFormat,
			TransferNote:         note,
			TS:                   s.clock.Now(),
		})
	})
}

// dismissPreparedTransfer releases a peer-side lock that no open
// transfer claims (duplicate or stale reply).
func (s *Store) dismissPreparedTransfer(conn *sqlite.Conn, msg *signal.TransferPrepared) error {
	s.logger.Debug("dismissing unmatched prepared transfer",
		"creditor_id", msg.CreditorID, "debtor_id", msg.DebtorID,
		"coordinator_request_id", msg.CoordinatorRequestID, "transfer_id", msg.TransferID)
	return spoolSignal(conn, s.clock.Now(), signal.KindFinalizeTransfer, &signal.FinalizeTransferRequest{
		DebtorID:             msg.DebtorID,
		CreditorID:           msg.CreditorID,
		TransferID:           msg.TransferID,
		CoordinatorType:      msg.CoordinatorType,
		CoordinatorID:        msg.CoordinatorID,
		CoordinatorRequestID: msg.CoordinatorRequestID,
		CommittedAmount:      0,
		TS:                   s.clock.Now(),
	})
}

// HandleTransferRejected finalizes a transfer the peer refused to
// prepare. Replies for unknown or already-finalized transfers are
// ignored.
func (s *Store) HandleTransferRejected(ctx context.Context, msg *signal.TransferRejected) error {
	if msg.CoordinatorType != coordinatorTypeDirect {
		return nil
	}
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		rt, err := getRunningTransferByRequestID(conn, msg.CoordinatorID, msg.CoordinatorRequestID)
		if err != nil {
			return err
		}
		if rt == nil || rt.Finalized() || rt.DebtorID != msg.DebtorID {
			return nil
		}
		code := msg.StatusCode
		if code == signal.StatusOK {
			// A rejection claiming success is a protocol violation.
			code = signal.StatusUnexpectedError
		}
		return s.finalizeRunningTransfer(conn, rt, &code, msg.TotalLockedAmount)
	})
}

// HandleTransferFinalized records a prepared transfer's terminal
// outcome. Internally inconsistent replies finalize as an
// unexpected-error failure, distinguishing protocol violations from
// ordinary rejections.
func (s *Store) HandleTransferFinalized(ctx context.Context, msg *signal.TransferFinalized) error {
	if msg.CoordinatorType != coordinatorTypeDirect {
		return nil
	}
	return s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		rt, err := getRunningTransferByRequestID(conn, msg.CoordinatorID, msg.CoordinatorRequestID)
		if err != nil {
			return err
		}
		if rt == nil || rt.Finalized() || rt.DebtorID != msg.DebtorID ||
			rt.TransferID == nil || *rt.TransferID != msg.TransferID {
			return nil
		}

		var code *string
		switch {
		case msg.StatusCode == signal.StatusOK && msg.CommittedAmount == rt.Amount:
			code = nil
		case msg.StatusCode != signal.StatusOK && msg.CommittedAmount == 0:
			c := msg.StatusCode
			code = &c
		default:
			c := signal.StatusUnexpectedError
			code = &c
		}
		return s.finalizeRunningTransfer(conn, rt, code, msg.TotalLockedAmount)
	})
}

// finalizeRunningTransfer moves a transfer to its terminal state and
// stages the compact transfer-change log entry. Finalization is
// terminal: the caller has already checked the transfer is open.
func (s *Store) finalizeRunningTransfer(conn *sqlite.Conn, rt *RunningTransfer, errorCode *string, totalLockedAmount int64) error {
	now := s.clock.Now()
	rt.FinalizedAt = &now
	rt.ErrorCode = errorCode
	rt.TotalLockedAmount = totalLockedAmount
	rt.LatestUpdateID++
	rt.LatestUpdateTS = now

	payload, err := codec.Marshal(TransferUpdatePayload{
		FinalizedAt: now,
		ErrorCode:   errorCode,
	})
	if err != nil {
		return fmt.Errorf("creditor store: encoding transfer payload: %w", err)
	}
	err = addPendingLog(conn, rt.CreditorID, now, logRecord{
		objectType:     ObjectTransfer,
		objectRef:      transferRef(rt.CreditorID, rt.TransferUUID),
		objectUpdateID: &rt.LatestUpdateID,
		data:           payload,
	})
	if err != nil {
		return err
	}
	if err := saveRunningTransfer(conn, rt); err != nil {
		return err
	}
	outcome := "success"
	if errorCode != nil {
		outcome = *errorCode
	}
	s.logger.Info("transfer finalized",
		"creditor_id", rt.CreditorID, "transfer_uuid", rt.TransferUUID, "outcome", outcome)
	return nil
}
