// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import "errors"

// Errors returned to API callers. Peer-signal anomalies are never
// surfaced this way; signal handlers absorb them and log instead.
var (
	// ErrCreditorNotFound is returned when the addressed creditor
	// does not exist or is not activated.
	ErrCreditorNotFound = errors.New("creditor not found")

	// ErrCreditorExists is returned by CreateCreditor when the id
	// is already taken.
	ErrCreditorExists = errors.New("creditor already exists")

	// ErrAccountNotFound is returned when the addressed account
	// does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned by CreateAccount when an account
	// for the debtor already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrTransferNotFound is returned when the addressed running
	// transfer does not exist.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrTransferExists is returned by InitiateTransfer when the
	// transfer UUID is taken by a request with different content.
	ErrTransferExists = errors.New("transfer already exists")

	// ErrUpdateConflict is returned when an optimistic update id
	// does not follow the stored one. The client must re-read and
	// retry.
	ErrUpdateConflict = errors.New("update conflict")

	// ErrAccountUnsafeDeletion is returned when deleting an account
	// that may still hold a non-negligible balance on the peer.
	ErrAccountUnsafeDeletion = errors.New("unsafe account deletion")

	// ErrAccountPegged is returned when deleting an account that
	// another account's exchange policy uses as a peg.
	ErrAccountPegged = errors.New("account is used as a peg")

	// ErrDebtorNameTaken is returned when a display update reuses
	// another account's debtor name.
	ErrDebtorNameTaken = errors.New("debtor name already taken")

	// ErrPegAccountMissing is returned when an exchange update pegs
	// to a debtor the creditor has no account with.
	ErrPegAccountMissing = errors.New("peg account does not exist")

	// ErrCancellationForbidden is returned when cancelling a
	// transfer the peer has already prepared.
	ErrCancellationForbidden = errors.New("transfer cancellation forbidden")

	// ErrTransferNotFinalized is returned when deleting a transfer
	// that has not reached a terminal state.
	ErrTransferNotFinalized = errors.New("transfer not finalized")

	// ErrInvalidRequest is returned for request parameters that
	// fail static validation.
	ErrInvalidRequest = errors.New("invalid request")
)
