// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tally-foundation/tally/lib/clock"
	"github.com/tally-foundation/tally/signal"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testCreditorID int64 = 42
	testDebtorID   int64 = 7
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(testEpoch)
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "tally.db"),
		PoolSize: 1,
		Clock:    fc,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return store, fc
}

// setupAccount creates an activated creditor with one account and
// discards the bootstrap noise (initial config request, creation log
// entries).
func setupAccount(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("creating creditor: %v", err)
	}
	if _, err := s.ActivateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("activating creditor: %v", err)
	}
	if _, err := s.CreateAccount(ctx, testCreditorID, testDebtorID); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	drainOutbox(t, s)
}

type capturePublisher struct {
	envs []signal.Envelope
	fail bool
}

func (p *capturePublisher) Publish(ctx context.Context, env signal.Envelope) error {
	if p.fail {
		return errors.New("publish failed")
	}
	p.envs = append(p.envs, env)
	return nil
}

// drainOutbox publishes everything spooled so far and returns it.
func drainOutbox(t *testing.T, s *Store) []signal.Envelope {
	t.Helper()
	pub := &capturePublisher{}
	for {
		n, err := s.DispatchOutbox(context.Background(), pub, 10)
		if err != nil {
			t.Fatalf("dispatching outbox: %v", err)
		}
		if n < 10 {
			return pub.envs
		}
	}
}

// decodeOutbound decodes one captured envelope and fails the test on
// a kind mismatch.
func decodeOutbound[T any](t *testing.T, env signal.Envelope, want signal.Kind) *T {
	t.Helper()
	if env.Kind != want {
		t.Fatalf("envelope kind = %q, want %q", env.Kind, want)
	}
	msg, err := env.Message()
	if err != nil {
		t.Fatalf("decoding %s: %v", env.Kind, err)
	}
	typed, ok := msg.(*T)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	return typed
}

// snapshotEcho builds a snapshot whose config echo matches the
// account's currently stored configuration, so the config is judged
// effectual unless the test overrides the echo.
func snapshotEcho(t *testing.T, s *Store, fc *clock.FakeClock, changeSeqnum int32) *signal.AccountSnapshot {
	t.Helper()
	data, err := s.GetAccountData(context.Background(), testCreditorID, testDebtorID)
	if err != nil {
		t.Fatalf("loading account data: %v", err)
	}
	now := fc.Now()
	return &signal.AccountSnapshot{
		DebtorID:           testDebtorID,
		CreditorID:         testCreditorID,
		CreationDate:       20000,
		LastChangeTS:       now,
		LastChangeSeqnum:   changeSeqnum,
		LastConfigTS:       data.LastConfigTS,
		LastConfigSeqnum:   data.LastConfigSeqnum,
		NegligibleAmount:   data.NegligibleAmount,
		ConfigFlags:        data.ConfigFlags,
		ConfigData:         data.ConfigData,
		TS:                 now,
		TTL:                1_000_000,
	}
}

func deliverSnapshot(t *testing.T, s *Store, msg *signal.AccountSnapshot) {
	t.Helper()
	if err := msg.Validate(); err != nil {
		t.Fatalf("invalid snapshot: %v", err)
	}
	if err := s.HandleAccountSnapshot(context.Background(), msg); err != nil {
		t.Fatalf("handling snapshot: %v", err)
	}
}

// deliverFact stores one committed-transfer fact for the test account.
func deliverFact(t *testing.T, s *Store, fc *clock.FakeClock, number, previous, amount, principal int64) {
	t.Helper()
	now := fc.Now()
	msg := &signal.CommittedTransferFact{
		DebtorID:               testDebtorID,
		CreditorID:             testCreditorID,
		CreationDate:           20000,
		TransferNumber:         number,
		PreviousTransferNumber: previous,
		CoordinatorType:        "direct",
		Sender:                 "sender",
		Recipient:              "recipient",
		AcquiredAmount:         amount,
		CommittedAt:            now,
		Principal:              principal,
		TS:                     now,
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("invalid fact: %v", err)
	}
	if err := s.HandleCommittedTransfer(context.Background(), msg); err != nil {
		t.Fatalf("handling fact: %v", err)
	}
}

func accountData(t *testing.T, s *Store) *AccountData {
	t.Helper()
	data, err := s.GetAccountData(context.Background(), testCreditorID, testDebtorID)
	if err != nil {
		t.Fatalf("loading account data: %v", err)
	}
	return data
}

func reconcile(t *testing.T, s *Store, burst int, maxDelay time.Duration) bool {
	t.Helper()
	drained, err := s.ReconcileAccountLedger(context.Background(), testCreditorID, testDebtorID, burst, maxDelay)
	if err != nil {
		t.Fatalf("reconciling: %v", err)
	}
	return drained
}
