// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"fmt"
	"time"
)

// TransferNoteMaxBytes is the hard upper bound on transfer note size.
// Accounts may advertise a lower limit through snapshots.
const TransferNoteMaxBytes = 500

// Transfer status codes with protocol-assigned meaning. Any other
// non-empty code is an opaque peer-reported rejection reason.
const (
	StatusOK                 = "OK"
	StatusUnexpectedError    = "UNEXPECTED_ERROR"
	StatusCanceledBySender   = "CANCELED_BY_THE_SENDER"
	StatusInsufficientAmount = "INSUFFICIENT_AVAILABLE_AMOUNT"
)

// AccountSnapshot is the peer's periodic report of an account's
// current state: identity, balance, transfer counters, and an echo of
// the last configuration it has applied.
type AccountSnapshot struct {
	DebtorID   int64 `cbor:"debtor_id"`
	CreditorID int64 `cbor:"creditor_id"`

	// CreationDate is the account epoch, days since the Unix epoch.
	CreationDate     int64     `cbor:"creation_date"`
	LastChangeTS     time.Time `cbor:"last_change_ts"`
	LastChangeSeqnum int32     `cbor:"last_change_seqnum"`

	Principal                int64     `cbor:"principal"`
	Interest                 float64   `cbor:"interest"`
	InterestRate             float64   `cbor:"interest_rate"`
	LastInterestRateChangeTS time.Time `cbor:"last_interest_rate_change_ts"`
	TransferNoteMaxBytes     int32     `cbor:"transfer_note_max_bytes"`

	// Config echo: the last configuration the peer has applied.
	LastConfigTS     time.Time `cbor:"last_config_ts"`
	LastConfigSeqnum int32     `cbor:"last_config_seqnum"`
	NegligibleAmount float64   `cbor:"negligible_amount"`
	ConfigFlags      int32     `cbor:"config_flags"`
	ConfigData       string    `cbor:"config_data"`

	// AccountID is the peer-assigned recipient address for this
	// account, empty until the peer assigns one.
	AccountID string `cbor:"account_id"`

	DebtorInfoIRI         string `cbor:"debtor_info_iri"`
	DebtorInfoContentType string `cbor:"debtor_info_content_type"`
	DebtorInfoSHA256      []byte `cbor:"debtor_info_sha256"`

	LastTransferNumber      int64     `cbor:"last_transfer_number"`
	LastTransferCommittedAt time.Time `cbor:"last_transfer_committed_at"`

	// TS is the origination timestamp; TTL the number of seconds
	// after which the snapshot must be discarded as stale.
	TS  time.Time `cbor:"ts"`
	TTL int64     `cbor:"ttl"`
}

func (m *AccountSnapshot) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: account snapshot: missing ts")
	}
	if m.TTL <= 0 {
		return fmt.Errorf("signal: account snapshot: ttl %d is not positive", m.TTL)
	}
	if m.CreationDate < 0 {
		return fmt.Errorf("signal: account snapshot: negative creation date %d", m.CreationDate)
	}
	if m.LastTransferNumber < 0 {
		return fmt.Errorf("signal: account snapshot: negative last transfer number %d", m.LastTransferNumber)
	}
	if m.NegligibleAmount < 0 {
		return fmt.Errorf("signal: account snapshot: negative negligible amount %g", m.NegligibleAmount)
	}
	if len(m.DebtorInfoSHA256) != 0 && len(m.DebtorInfoSHA256) != 32 {
		return fmt.Errorf("signal: account snapshot: debtor info digest has %d bytes", len(m.DebtorInfoSHA256))
	}
	return nil
}

// AccountPurge is the peer's confirmation that an account epoch no
// longer exists on its side.
type AccountPurge struct {
	DebtorID     int64     `cbor:"debtor_id"`
	CreditorID   int64     `cbor:"creditor_id"`
	CreationDate int64     `cbor:"creation_date"`
	TS           time.Time `cbor:"ts"`
}

func (m *AccountPurge) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: account purge: missing ts")
	}
	return nil
}

// ConfigRejected reports that the peer refused a configuration
// request. It identifies the rejected request by echoing it back.
type ConfigRejected struct {
	DebtorID         int64     `cbor:"debtor_id"`
	CreditorID       int64     `cbor:"creditor_id"`
	ConfigTS         time.Time `cbor:"config_ts"`
	ConfigSeqnum     int32     `cbor:"config_seqnum"`
	ConfigFlags      int32     `cbor:"config_flags"`
	NegligibleAmount float64   `cbor:"negligible_amount"`
	ConfigData       string    `cbor:"config_data"`
	RejectionCode    string    `cbor:"rejection_code"`
	TS               time.Time `cbor:"ts"`
}

func (m *ConfigRejected) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: config rejected: missing ts")
	}
	if m.RejectionCode == "" {
		return fmt.Errorf("signal: config rejected: missing rejection code")
	}
	return nil
}

// CommittedTransferFact is an immutable, peer-confirmed ledger fact.
// Facts for one account epoch chain through PreviousTransferNumber.
type CommittedTransferFact struct {
	DebtorID               int64     `cbor:"debtor_id"`
	CreditorID             int64     `cbor:"creditor_id"`
	CreationDate           int64     `cbor:"creation_date"`
	TransferNumber         int64     `cbor:"transfer_number"`
	PreviousTransferNumber int64     `cbor:"previous_transfer_number"`
	CoordinatorType        string    `cbor:"coordinator_type"`
	Sender                 string    `cbor:"sender"`
	Recipient              string    `cbor:"recipient"`
	AcquiredAmount         int64     `cbor:"acquired_amount"`
	TransferNoteFormat     string    `cbor:"transfer_note_format"`
	TransferNote           string    `cbor:"transfer_note"`
	CommittedAt            time.Time `cbor:"committed_at"`
	Principal              int64     `cbor:"principal"`
	TS                     time.Time `cbor:"ts"`
}

func (m *CommittedTransferFact) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: committed transfer: missing ts")
	}
	if m.CommittedAt.IsZero() {
		return fmt.Errorf("signal: committed transfer: missing committed_at")
	}
	if m.TransferNumber <= 0 {
		return fmt.Errorf("signal: committed transfer: transfer number %d is not positive", m.TransferNumber)
	}
	if m.PreviousTransferNumber < 0 || m.PreviousTransferNumber >= m.TransferNumber {
		return fmt.Errorf("signal: committed transfer: previous transfer number %d out of range", m.PreviousTransferNumber)
	}
	if m.AcquiredAmount == 0 {
		return fmt.Errorf("signal: committed transfer: zero acquired amount")
	}
	return nil
}

// TransferPrepared is the peer's acknowledgement that it has locked
// funds for a transfer this agent requested.
type TransferPrepared struct {
	DebtorID             int64     `cbor:"debtor_id"`
	CreditorID           int64     `cbor:"creditor_id"`
	TransferID           int64     `cbor:"transfer_id"`
	CoordinatorType      string    `cbor:"coordinator_type"`
	CoordinatorID        int64     `cbor:"coordinator_id"`
	CoordinatorRequestID int64     `cbor:"coordinator_request_id"`
	LockedAmount         int64     `cbor:"locked_amount"`
	Recipient            string    `cbor:"recipient"`
	PreparedAt           time.Time `cbor:"prepared_at"`
	Deadline             time.Time `cbor:"deadline"`
	TS                   time.Time `cbor:"ts"`
}

func (m *TransferPrepared) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: transfer prepared: missing ts")
	}
	if m.TransferID <= 0 {
		return fmt.Errorf("signal: transfer prepared: transfer id %d is not positive", m.TransferID)
	}
	if m.LockedAmount < 0 {
		return fmt.Errorf("signal: transfer prepared: negative locked amount %d", m.LockedAmount)
	}
	return nil
}

// TransferRejected reports that the peer refused to prepare a
// requested transfer.
type TransferRejected struct {
	DebtorID             int64     `cbor:"debtor_id"`
	CreditorID           int64     `cbor:"creditor_id"`
	CoordinatorType      string    `cbor:"coordinator_type"`
	CoordinatorID        int64     `cbor:"coordinator_id"`
	CoordinatorRequestID int64     `cbor:"coordinator_request_id"`
	StatusCode           string    `cbor:"status_code"`
	TotalLockedAmount    int64     `cbor:"total_locked_amount"`
	TS                   time.Time `cbor:"ts"`
}

func (m *TransferRejected) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: transfer rejected: missing ts")
	}
	if m.StatusCode == "" {
		return fmt.Errorf("signal: transfer rejected: missing status code")
	}
	if m.TotalLockedAmount < 0 {
		return fmt.Errorf("signal: transfer rejected: negative total locked amount %d", m.TotalLockedAmount)
	}
	return nil
}

// TransferFinalized is the peer's report of a prepared transfer's
// terminal outcome.
type TransferFinalized struct {
	DebtorID             int64     `cbor:"debtor_id"`
	CreditorID           int64     `cbor:"creditor_id"`
	TransferID           int64     `cbor:"transfer_id"`
	CoordinatorType      string    `cbor:"coordinator_type"`
	CoordinatorID        int64     `cbor:"coordinator_id"`
	CoordinatorRequestID int64     `cbor:"coordinator_request_id"`
	CommittedAmount      int64     `cbor:"committed_amount"`
	StatusCode           string    `cbor:"status_code"`
	TotalLockedAmount    int64     `cbor:"total_locked_amount"`
	PreparedAt           time.Time `cbor:"prepared_at"`
	TS                   time.Time `cbor:"ts"`
}

func (m *TransferFinalized) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: transfer finalized: missing ts")
	}
	if m.TransferID <= 0 {
		return fmt.Errorf("signal: transfer finalized: transfer id %d is not positive", m.TransferID)
	}
	if m.CommittedAmount < 0 {
		return fmt.Errorf("signal: transfer finalized: negative committed amount %d", m.CommittedAmount)
	}
	if m.StatusCode == "" {
		return fmt.Errorf("signal: transfer finalized: missing status code")
	}
	return nil
}

// ConfigureAccountRequest asks the peer to apply a new account
// configuration. Requests for one account are ordered by (TS, Seqnum).
type ConfigureAccountRequest struct {
	DebtorID         int64     `cbor:"debtor_id"`
	CreditorID       int64     `cbor:"creditor_id"`
	TS               time.Time `cbor:"ts"`
	Seqnum           int32     `cbor:"seqnum"`
	NegligibleAmount float64   `cbor:"negligible_amount"`
	ConfigFlags      int32     `cbor:"config_flags"`
	ConfigData       string    `cbor:"config_data"`
}

func (m *ConfigureAccountRequest) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: configure account: missing ts")
	}
	if m.NegligibleAmount < 0 {
		return fmt.Errorf("signal: configure account: negative negligible amount %g", m.NegligibleAmount)
	}
	return nil
}

// PrepareTransferRequest asks the peer to lock funds for a transfer.
// The peer answers with TransferPrepared or TransferRejected carrying
// the same (CoordinatorID, CoordinatorRequestID).
type PrepareTransferRequest struct {
	DebtorID             int64     `cbor:"debtor_id"`
	CreditorID           int64     `cbor:"creditor_id"`
	CoordinatorType      string    `cbor:"coordinator_type"`
	CoordinatorID        int64     `cbor:"coordinator_id"`
	CoordinatorRequestID int64     `cbor:"coordinator_request_id"`
	MinLockedAmount      int64     `cbor:"min_locked_amount"`
	MaxLockedAmount      int64     `cbor:"max_locked_amount"`
	Recipient            string    `cbor:"recipient"`
	FinalInterestRateTS  time.Time `cbor:"final_interest_rate_ts"`
	MaxCommitDelay       int64     `cbor:"max_commit_delay"`
	TS                   time.Time `cbor:"ts"`
}

func (m *PrepareTransferRequest) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: prepare transfer: missing ts")
	}
	if m.CoordinatorRequestID <= 0 {
		return fmt.Errorf("signal: prepare transfer: coordinator request id %d is not positive", m.CoordinatorRequestID)
	}
	if m.MinLockedAmount < 0 || m.MaxLockedAmount < m.MinLockedAmount {
		return fmt.Errorf("signal: prepare transfer: bad locked amount range [%d, %d]", m.MinLockedAmount, m.MaxLockedAmount)
	}
	return nil
}

// FinalizeTransferRequest resolves a prepared transfer: commit the
// given amount, or zero to release the peer's lock.
type FinalizeTransferRequest struct {
	DebtorID             int64     `cbor:"debtor_id"`
	CreditorID           int64     `cbor:"creditor_id"`
	TransferID           int64     `cbor:"transfer_id"`
	CoordinatorType      string    `cbor:"coordinator_type"`
	CoordinatorID        int64     `cbor:"coordinator_id"`
	CoordinatorRequestID int64     `cbor:"coordinator_request_id"`
	CommittedAmount      int64     `cbor:"committed_amount"`
	TransferNoteFormat   string    `cbor:"transfer_note_format"`
	TransferNote         string    `cbor:"transfer_note"`
	TS                   time.Time `cbor:"ts"`
}

func (m *FinalizeTransferRequest) Validate() error {
	if m.TS.IsZero() {
		return fmt.Errorf("signal: finalize transfer: missing ts")
	}
	if m.TransferID <= 0 {
		return fmt.Errorf("signal: finalize transfer: transfer id %d is not positive", m.TransferID)
	}
	if m.CommittedAmount < 0 {
		return fmt.Errorf("signal: finalize transfer: negative committed amount %d", m.CommittedAmount)
	}
	if len(m.TransferNote) > TransferNoteMaxBytes {
		return fmt.Errorf("signal: finalize transfer: note is %d bytes, limit %d", len(m.TransferNote), TransferNoteMaxBytes)
	}
	return nil
}
