// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Object types carried by log entries. Clients use them to decide
// which resource a log entry invalidates.
const (
	ObjectCreditor          = "creditor"
	ObjectAccountList       = "account-list"
	ObjectTransferList      = "transfer-list"
	ObjectAccount           = "account"
	ObjectAccountConfig     = "account-config"
	ObjectAccountDisplay    = "account-display"
	ObjectAccountExchange   = "account-exchange"
	ObjectAccountKnowledge  = "account-knowledge"
	ObjectAccountInfo       = "account-info"
	ObjectAccountLedger     = "account-ledger"
	ObjectCommittedTransfer = "committed-transfer"
	ObjectTransfer          = "transfer"
)

// Creditor is one tenant: the owner of accounts, transfers, and a
// change log. The counters on this row are the creditor-scoped
// sequences of the whole system.
type Creditor struct {
	CreditorID int64
	Activated  bool
	CreatedAt  time.Time

	LastLogEntryID           int64
	LastCoordinatorRequestID int64

	ProfileLatestUpdateID      int64
	ProfileLatestUpdateTS      time.Time
	AccountListLatestUpdateID  int64
	AccountListLatestUpdateTS  time.Time
	TransferListLatestUpdateID int64
	TransferListLatestUpdateTS time.Time
}

// Account is the container row; the interesting state lives in the
// facets.
type Account struct {
	CreditorID     int64
	DebtorID       int64
	CreatedAt      time.Time
	LatestUpdateID int64
	LatestUpdateTS time.Time
}

// AccountDisplay holds how the account is presented to humans.
// DebtorName is unique per creditor when set.
type AccountDisplay struct {
	CreditorID     int64
	DebtorID       int64
	DebtorName     *string
	AmountDivisor  float64
	DecimalPlaces  int32
	Unit           *string
	KnownDebtor    bool
	LatestUpdateID int64
	LatestUpdateTS time.Time
}

// AccountExchange holds the account's automatic-exchange policy.
type AccountExchange struct {
	CreditorID      int64
	DebtorID        int64
	Policy          *string
	MinPrincipal    int64
	MaxPrincipal    int64
	PegExchangeRate *float64
	PegDebtorID     *int64
	LatestUpdateID  int64
	LatestUpdateTS  time.Time
}

// AccountKnowledge is an opaque client-maintained cache, stored as a
// size-bounded CBOR blob.
type AccountKnowledge struct {
	CreditorID     int64
	DebtorID       int64
	Data           []byte
	LatestUpdateID int64
	LatestUpdateTS time.Time
}

// AccountData is the reconciliation state for one account: the last
// configuration sent to the peer, the latest peer-reported snapshot,
// and the locally reconciled ledger.
type AccountData struct {
	CreditorID int64
	DebtorID   int64

	// Info facet: the peer's latest report.
	CreationDate             int64
	LastChangeTS             time.Time
	LastChangeSeqnum         int32
	Principal                int64
	Interest                 float64
	InterestRate             float64
	LastInterestRateChangeTS time.Time
	TransferNoteMaxBytes     int32
	AccountID                string
	DebtorInfoIRI            string
	DebtorInfoContentType    string
	DebtorInfoSHA256         []byte
	HasServerAccount         bool
	LastHeartbeatTS          time.Time
	LastTransferNumber       int64
	LastTransferCommittedAt  time.Time
	InfoLatestUpdateID       int64
	InfoLatestUpdateTS       time.Time

	// Config facet: the last configuration request sent.
	LastConfigTS          time.Time
	LastConfigSeqnum      int32
	ConfigFlags           int32
	ConfigData            string
	NegligibleAmount      float64
	IsConfigEffectual     bool
	ConfigError           *string
	ConfigLatestUpdateID  int64
	ConfigLatestUpdateTS  time.Time

	// Ledger facet: the reconciled view.
	LedgerPrincipal          int64
	LedgerLastTransferNumber int64
	LedgerLastEntryID        int64
	LedgerPendingTransferTS  *time.Time
	LedgerLatestUpdateID     int64
	LedgerLatestUpdateTS     time.Time
}

// ScheduledForDeletion reports whether the last-sent configuration
// requests peer-side deletion.
func (d *AccountData) ScheduledForDeletion() bool {
	return d.ConfigFlags&ConfigFlagScheduledForDeletion != 0
}

// DeletionSafe reports whether the account can be removed locally
// without losing money: the deletion request has been sent, the peer
// has confirmed it, and no peer-side account remains.
func (d *AccountData) DeletionSafe() bool {
	return d.ScheduledForDeletion() && d.IsConfigEffectual && !d.HasServerAccount
}

// CommittedTransfer is an immutable peer-confirmed ledger fact.
type CommittedTransfer struct {
	CreditorID             int64
	DebtorID               int64
	CreationDate           int64
	TransferNumber         int64
	PreviousTransferNumber int64
	CoordinatorType        string
	Sender                 string
	Recipient              string
	AcquiredAmount         int64
	TransferNoteFormat     string
	TransferNote           string
	CommittedAt            time.Time
	Principal              int64
}

// LedgerEntry is one line item of an account's reconciled ledger.
// Correction entries have no transfer reference.
type LedgerEntry struct {
	CreditorID     int64
	DebtorID       int64
	EntryID        int64
	AcquiredAmount int64
	Principal      int64
	AddedAt        time.Time
	CreationDate   *int64
	TransferNumber *int64
}

// RunningTransfer is one creditor-initiated transfer moving through
// the prepare/finalize protocol.
type RunningTransfer struct {
	CreditorID           int64
	TransferUUID         uuid.UUID
	DebtorID             int64
	Recipient            string
	Amount               int64
	TransferNoteFormat   string
	TransferNote         string
	Deadline             *time.Time
	FinalInterestRateTS  time.Time
	CoordinatorRequestID int64
	TransferID           *int64
	LockedAmount         int64
	TotalLockedAmount    int64
	FinalizedAt          *time.Time
	ErrorCode            *string
	InitiatedAt          time.Time
	LatestUpdateID       int64
	LatestUpdateTS       time.Time
}

// Finalized reports whether the transfer has reached a terminal state.
func (t *RunningTransfer) Finalized() bool {
	return t.FinalizedAt != nil
}

// LogEntry is one record of the per-creditor append-only change log.
// EntryID is gap-free and strictly increasing per creditor.
type LogEntry struct {
	CreditorID     int64
	EntryID        int64
	AddedAt        time.Time
	ObjectType     string
	ObjectRef      string
	ObjectUpdateID *int64
	IsDeleted      bool
	Data           []byte
}

// AccountRef identifies one account awaiting reconciliation.
type AccountRef struct {
	CreditorID int64
	DebtorID   int64
}

// LedgerUpdatePayload is the inline payload of ledger-update log
// entries: the resulting principal and the id of the next ledger
// entry to expect, so clients fetch only what they are missing.
type LedgerUpdatePayload struct {
	Principal   int64 `cbor:"principal"`
	NextEntryID int64 `cbor:"next_entry_id"`
}

// TransferUpdatePayload is the compact inline payload of transfer
// finalization log entries.
type TransferUpdatePayload struct {
	FinalizedAt time.Time `cbor:"finalized_at"`
	ErrorCode   *string   `cbor:"error_code,omitempty"`
}

func creditorRef(creditorID int64) string {
	return fmt.Sprintf("/creditors/%d", creditorID)
}

func accountListRef(creditorID int64) string {
	return fmt.Sprintf("/creditors/%d/account-list", creditorID)
}

func transferListRef(creditorID int64) string {
	return fmt.Sprintf("/creditors/%d/transfer-list", creditorID)
}

func accountRef(creditorID, debtorID int64) string {
	return fmt.Sprintf("/creditors/%d/accounts/%d", creditorID, debtorID)
}

func accountFacetRef(creditorID, debtorID int64, facet string) string {
	return fmt.Sprintf("/creditors/%d/accounts/%d/%s", creditorID, debtorID, facet)
}

func committedTransferRef(creditorID, debtorID, creationDate, transferNumber int64) string {
	return fmt.Sprintf("/creditors/%d/accounts/%d/transfers/%d-%d",
		creditorID, debtorID, creationDate, transferNumber)
}

func transferRef(creditorID int64, transferUUID uuid.UUID) string {
	return fmt.Sprintf("/creditors/%d/transfers/%s", creditorID, transferUUID)
}
