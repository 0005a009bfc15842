// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tally-foundation/tally/lib/codec"
	"github.com/tally-foundation/tally/signal"
)

const testMaxDelay = 14 * 24 * time.Hour

func TestFirstSnapshotResetsLedgerAndLogs(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	snap := snapshotEcho(t, s, fc, 1)
	snap.Principal = 0
	deliverSnapshot(t, s, snap)

	data := accountData(t, s)
	if !data.HasServerAccount {
		t.Fatal("has_server_account not set")
	}
	if data.CreationDate != 20000 {
		t.Fatalf("creation date = %d", data.CreationDate)
	}
	if !data.IsConfigEffectual {
		t.Fatal("config echo should be effectual")
	}

	// A new epoch always stages a ledger-update log entry, even
	// with nothing applied yet.
	flushed, err := s.FlushLog(context.Background(), testCreditorID)
	if err != nil {
		t.Fatalf("flushing: %v", err)
	}
	if flushed == 0 {
		t.Fatal("expected staged log entries after the first snapshot")
	}
}

func TestStaleSnapshotIsIgnored(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	snap := snapshotEcho(t, s, fc, 5)
	snap.Principal = 100
	deliverSnapshot(t, s, snap)

	// Same ordering key, different content: must not apply.
	stale := snapshotEcho(t, s, fc, 5)
	stale.LastChangeTS = snap.LastChangeTS
	stale.Principal = 999999
	deliverSnapshot(t, s, stale)

	if got := accountData(t, s).Principal; got != 100 {
		t.Fatalf("principal = %d, want 100", got)
	}

	// Older seqnum: also ignored, modular comparison.
	older := snapshotEcho(t, s, fc, 4)
	older.LastChangeTS = snap.LastChangeTS
	older.Principal = 555
	deliverSnapshot(t, s, older)

	if got := accountData(t, s).Principal; got != 100 {
		t.Fatalf("principal = %d, want 100", got)
	}
}

func TestExpiredSnapshotIsDiscarded(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	snap := snapshotEcho(t, s, fc, 1)
	snap.TTL = 10
	fc.Advance(time.Minute)
	deliverSnapshot(t, s, snap)

	if accountData(t, s).HasServerAccount {
		t.Fatal("expired snapshot must not apply")
	}
}

func TestHeartbeatMovesEvenForStaleEvents(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	snap := snapshotEcho(t, s, fc, 3)
	deliverSnapshot(t, s, snap)

	fc.Advance(time.Hour)
	stale := snapshotEcho(t, s, fc, 2)
	stale.LastChangeTS = snap.LastChangeTS // older event key, fresh delivery
	deliverSnapshot(t, s, stale)

	if got := accountData(t, s).LastHeartbeatTS; !got.Equal(stale.TS) {
		t.Fatalf("heartbeat = %v, want %v", got, stale.TS)
	}
}

func TestOrphanSnapshotSendsCorrectiveConfig(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	orphan := snapshotEcho(t, s, fc, 1)
	orphan.DebtorID = testDebtorID + 1 // no such account
	deliverSnapshot(t, s, orphan)

	envs := drainOutbox(t, s)
	if len(envs) != 1 {
		t.Fatalf("outbox has %d messages, want 1", len(envs))
	}
	req := decodeOutbound[signal.ConfigureAccountRequest](t, envs[0], signal.KindConfigureAccount)
	if req.DebtorID != testDebtorID+1 {
		t.Fatalf("corrective config debtor = %d", req.DebtorID)
	}
	if req.ConfigFlags&ConfigFlagScheduledForDeletion == 0 {
		t.Fatal("corrective config must schedule deletion")
	}
	if req.NegligibleAmount != HugeNegligibleAmount {
		t.Fatalf("corrective negligible amount = %g", req.NegligibleAmount)
	}
}

func TestAlreadyRestrictedOrphanIsIgnored(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	orphan := snapshotEcho(t, s, fc, 1)
	orphan.DebtorID = testDebtorID + 1
	orphan.ConfigFlags = ConfigFlagScheduledForDeletion
	orphan.NegligibleAmount = HugeNegligibleAmount
	deliverSnapshot(t, s, orphan)

	if envs := drainOutbox(t, s); len(envs) != 0 {
		t.Fatalf("outbox has %d messages, want 0", len(envs))
	}
}

func TestGaplessChainReconciles(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	deliverSnapshot(t, s, snapshotEcho(t, s, fc, 1))

	deliverFact(t, s, fc, 1, 0, 100, 100)
	deliverFact(t, s, fc, 2, 1, -30, 70)

	if !reconcile(t, s, 10, testMaxDelay) {
		t.Fatal("expected drained")
	}
	data := accountData(t, s)
	if data.LedgerPrincipal != 70 {
		t.Fatalf("ledger principal = %d, want 70", data.LedgerPrincipal)
	}
	if data.LedgerLastTransferNumber != 2 {
		t.Fatalf("ledger last transfer number = %d, want 2", data.LedgerLastTransferNumber)
	}
	if data.LedgerPendingTransferTS != nil {
		t.Fatal("pending transfer ts should be clear")
	}

	// The marker is gone once drained.
	refs, err := s.ListPendingLedgerUpdates(context.Background(), 10)
	if err != nil {
		t.Fatalf("listing pending updates: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("%d pending updates remain", len(refs))
	}
}

func TestDuplicateFactIsIdempotent(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	deliverSnapshot(t, s, snapshotEcho(t, s, fc, 1))

	deliverFact(t, s, fc, 1, 0, 100, 100)
	deliverFact(t, s, fc, 1, 0, 100, 100)
	reconcile(t, s, 10, testMaxDelay)

	entries, err := s.GetLedgerEntries(context.Background(), testCreditorID, testDebtorID, math.MaxInt64, 0, 100)
	if err != nil {
		t.Fatalf("reading ledger entries: %v", err)
	}
	var real int
	for _, e := range entries {
		if e.TransferNumber != nil {
			real++
		}
	}
	if real != 1 {
		t.Fatalf("%d real ledger entries, want 1", real)
	}
	if got := accountData(t, s).LedgerPrincipal; got != 100 {
		t.Fatalf("ledger principal = %d, want 100", got)
	}
}

func TestYoungGapHaltsReconciliation(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	deliverSnapshot(t, s, snapshotEcho(t, s, fc, 1))

	// Only transfer #2 is present; its predecessor is unseen and
	// the fact is fresh, so reconciliation must wait, not skip.
	deliverFact(t, s, fc, 2, 1, -30, 70)

	if reconcile(t, s, 10, 10000*24*time.Hour) {
		t.Fatal("expected drained=false on a young gap")
	}
	data := accountData(t, s)
	if data.LedgerPendingTransferTS == nil {
		t.Fatal("pending transfer ts not recorded")
	}
	if data.LedgerLastTransferNumber != 0 {
		t.Fatalf("ledger advanced past the gap: %d", data.LedgerLastTransferNumber)
	}

	// The work-queue marker stays; the next pass revisits.
	refs, err := s.ListPendingLedgerUpdates(context.Background(), 10)
	if err != nil {
		t.Fatalf("listing pending updates: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("%d pending updates, want 1", len(refs))
	}
}

func TestOldGapIsBridgedWithCorrection(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	deliverSnapshot(t, s, snapshotEcho(t, s, fc, 1))
	deliverFact(t, s, fc, 2, 1, -30, 70)

	fc.Advance(testMaxDelay + time.Hour)
	if !reconcile(t, s, 10, testMaxDelay) {
		t.Fatal("expected drained")
	}
	data := accountData(t, s)
	if data.LedgerPrincipal != 70 {
		t.Fatalf("ledger principal = %d, want 70", data.LedgerPrincipal)
	}
	if data.LedgerLastTransferNumber != 2 {
		t.Fatalf("ledger last transfer number = %d, want 2", data.LedgerLastTransferNumber)
	}

	// The lost predecessor's effect appears as a correction entry:
	// principal had to reach 100 before transfer #2 took it to 70.
	entries, err := s.GetLedgerEntries(context.Background(), testCreditorID, testDebtorID, math.MaxInt64, 0, 100)
	if err != nil {
		t.Fatalf("reading ledger entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("%d ledger entries, want 2", len(entries))
	}
	correction := entries[1] // oldest of the descending page
	if correction.TransferNumber != nil {
		t.Fatal("expected a correction entry first")
	}
	if correction.AcquiredAmount != 100 || correction.Principal != 100 {
		t.Fatalf("correction = %+v", correction)
	}
}

func TestSelfHealConvergesToPeerState(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	snap := snapshotEcho(t, s, fc, 1)
	snap.Principal = 500
	snap.LastTransferNumber = 3
	snap.LastTransferCommittedAt = fc.Now().Add(-testMaxDelay - time.Hour)
	deliverSnapshot(t, s, snap)

	// No facts ever arrive. Reconciliation must still drain and
	// converge to the peer-reported state.
	if !reconcile(t, s, 10, testMaxDelay) {
		t.Fatal("expected drained")
	}
	data := accountData(t, s)
	if data.LedgerPrincipal != 500 {
		t.Fatalf("ledger principal = %d, want 500", data.LedgerPrincipal)
	}
	if data.LedgerLastTransferNumber != 3 {
		t.Fatalf("ledger last transfer number = %d, want 3", data.LedgerLastTransferNumber)
	}

	entries, err := s.GetLedgerEntries(context.Background(), testCreditorID, testDebtorID, math.MaxInt64, 0, 100)
	if err != nil {
		t.Fatalf("reading ledger entries: %v", err)
	}
	var sum int64
	for _, e := range entries {
		if e.TransferNumber != nil {
			t.Fatal("self-heal must use correction entries only")
		}
		sum += e.AcquiredAmount
	}
	if sum != 500 {
		t.Fatalf("correction sum = %d, want 500", sum)
	}
}

func TestHugeCorrectionSplitsIntoMultipleEntries(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)

	snap := snapshotEcho(t, s, fc, 1)
	snap.Principal = math.MaxInt64
	snap.LastTransferNumber = 5
	snap.LastTransferCommittedAt = fc.Now().Add(-testMaxDelay - time.Hour)
	deliverSnapshot(t, s, snap)

	// Pull the ledger negative first, so the healing jump exceeds
	// the signed 64-bit range.
	deliverFact(t, s, fc, 1, 0, -100, -100)
	if !reconcile(t, s, 10, testMaxDelay) {
		t.Fatal("expected drained")
	}

	data := accountData(t, s)
	if data.LedgerPrincipal != math.MaxInt64 {
		t.Fatalf("ledger principal = %d, want MaxInt64", data.LedgerPrincipal)
	}

	entries, err := s.GetLedgerEntries(context.Background(), testCreditorID, testDebtorID, math.MaxInt64, 0, 100)
	if err != nil {
		t.Fatalf("reading ledger entries: %v", err)
	}
	var corrections []LedgerEntry
	for _, e := range entries {
		if e.TransferNumber == nil {
			corrections = append(corrections, e)
		}
	}
	if len(corrections) < 2 {
		t.Fatalf("%d correction entries, want >= 2 for a delta above MaxInt64", len(corrections))
	}
	// The corrections sum exactly to the jump from -100 to MaxInt64.
	var sum uint64
	for _, e := range corrections {
		sum += uint64(e.AcquiredAmount)
	}
	if want := uint64(math.MaxInt64) + 100; sum != want {
		t.Fatalf("correction sum = %d, want %d", sum, want)
	}
}

func TestLedgerLogEntryCarriesNextEntryID(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	deliverSnapshot(t, s, snapshotEcho(t, s, fc, 1))
	if _, err := s.FlushLog(context.Background(), testCreditorID); err != nil {
		t.Fatalf("flushing: %v", err)
	}
	prev, _, err := s.GetLogEntries(context.Background(), testCreditorID, 0, 1000)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}

	deliverFact(t, s, fc, 1, 0, 100, 100)
	reconcile(t, s, 10, testMaxDelay)
	if _, err := s.FlushLog(context.Background(), testCreditorID); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	entries, _, err := s.GetLogEntries(context.Background(), testCreditorID, prev[len(prev)-1].EntryID, 1000)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	var ledgerEntry *LogEntry
	for i := range entries {
		if entries[i].ObjectType == ObjectAccountLedger {
			ledgerEntry = &entries[i]
		}
	}
	if ledgerEntry == nil {
		t.Fatal("no ledger-update log entry after reconciliation")
	}
	var payload LedgerUpdatePayload
	if err := codec.Unmarshal(ledgerEntry.Data, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Principal != 100 {
		t.Fatalf("payload principal = %d, want 100", payload.Principal)
	}
	data := accountData(t, s)
	if payload.NextEntryID != data.LedgerLastEntryID+1 {
		t.Fatalf("payload next entry id = %d, want %d", payload.NextEntryID, data.LedgerLastEntryID+1)
	}
}

func TestNewEpochResetsLedger(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	deliverSnapshot(t, s, snapshotEcho(t, s, fc, 1))
	deliverFact(t, s, fc, 1, 0, 100, 100)
	reconcile(t, s, 10, testMaxDelay)

	fc.Advance(time.Hour)
	rebirth := snapshotEcho(t, s, fc, 1)
	rebirth.CreationDate = 20001
	rebirth.Principal = 0
	deliverSnapshot(t, s, rebirth)

	data := accountData(t, s)
	if data.LedgerPrincipal != 0 || data.LedgerLastTransferNumber != 0 {
		t.Fatalf("ledger not reset: principal=%d number=%d",
			data.LedgerPrincipal, data.LedgerLastTransferNumber)
	}
	if data.CreationDate != 20001 {
		t.Fatalf("creation date = %d", data.CreationDate)
	}
	// Entry ids keep increasing across epochs.
	if data.LedgerLastEntryID == 0 {
		t.Fatal("entry id counter must survive the reset")
	}
}

func TestConfigRejectionRecorded(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	data := accountData(t, s)

	msg := &signal.ConfigRejected{
		DebtorID:         testDebtorID,
		CreditorID:       testCreditorID,
		ConfigTS:         data.LastConfigTS,
		ConfigSeqnum:     data.LastConfigSeqnum,
		ConfigFlags:      data.ConfigFlags,
		NegligibleAmount: data.NegligibleAmount,
		ConfigData:       data.ConfigData,
		RejectionCode:    "NO_CONNECTION_TO_DEBTOR",
		TS:               fc.Now(),
	}
	if err := s.HandleConfigRejection(context.Background(), msg); err != nil {
		t.Fatalf("handling rejection: %v", err)
	}
	got := accountData(t, s)
	if got.ConfigError == nil || *got.ConfigError != "NO_CONNECTION_TO_DEBTOR" {
		t.Fatalf("config error = %v", got.ConfigError)
	}

	// A second rejection does not overwrite the first.
	msg.RejectionCode = "OTHER"
	if err := s.HandleConfigRejection(context.Background(), msg); err != nil {
		t.Fatalf("handling rejection: %v", err)
	}
	got = accountData(t, s)
	if *got.ConfigError != "NO_CONNECTION_TO_DEBTOR" {
		t.Fatalf("config error overwritten: %v", *got.ConfigError)
	}
}

func TestConfigRejectionMismatchIgnored(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	data := accountData(t, s)

	msg := &signal.ConfigRejected{
		DebtorID:         testDebtorID,
		CreditorID:       testCreditorID,
		ConfigTS:         data.LastConfigTS,
		ConfigSeqnum:     data.LastConfigSeqnum + 1, // not the outstanding request
		ConfigFlags:      data.ConfigFlags,
		NegligibleAmount: data.NegligibleAmount,
		ConfigData:       data.ConfigData,
		RejectionCode:    "NO_CONNECTION_TO_DEBTOR",
		TS:               fc.Now(),
	}
	if err := s.HandleConfigRejection(context.Background(), msg); err != nil {
		t.Fatalf("handling rejection: %v", err)
	}
	if got := accountData(t, s); got.ConfigError != nil {
		t.Fatalf("mismatched rejection applied: %v", *got.ConfigError)
	}
}

func TestPurgeClearsServerAccount(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	snap := snapshotEcho(t, s, fc, 1)
	snap.Principal = 100
	snap.Interest = 1.5
	deliverSnapshot(t, s, snap)

	purge := &signal.AccountPurge{
		DebtorID:     testDebtorID,
		CreditorID:   testCreditorID,
		CreationDate: 20000,
		TS:           fc.Now(),
	}
	if err := s.HandleAccountPurge(context.Background(), purge); err != nil {
		t.Fatalf("handling purge: %v", err)
	}
	data := accountData(t, s)
	if data.HasServerAccount || data.Principal != 0 || data.Interest != 0 {
		t.Fatalf("purge not applied: %+v", data)
	}
}

func TestPurgeForOlderEpochIgnored(t *testing.T) {
	s, fc := newTestStore(t)
	setupAccount(t, s)
	snap := snapshotEcho(t, s, fc, 1)
	snap.CreationDate = 20005
	deliverSnapshot(t, s, snap)

	purge := &signal.AccountPurge{
		DebtorID:     testDebtorID,
		CreditorID:   testCreditorID,
		CreationDate: 20000,
		TS:           fc.Now(),
	}
	if err := s.HandleAccountPurge(context.Background(), purge); err != nil {
		t.Fatalf("handling purge: %v", err)
	}
	if !accountData(t, s).HasServerAccount {
		t.Fatal("purge for an older epoch must not apply")
	}
}
