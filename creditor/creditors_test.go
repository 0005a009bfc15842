// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"errors"
	"testing"
)

func TestCreditorLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCreditor(ctx, testCreditorID)
	if err != nil {
		t.Fatalf("creating: %v", err)
	}
	if c.Activated {
		t.Fatal("fresh creditor must not be activated")
	}
	if _, err := s.CreateCreditor(ctx, testCreditorID); !errors.Is(err, ErrCreditorExists) {
		t.Fatalf("duplicate create: %v, want ErrCreditorExists", err)
	}

	// Reserved creditors are invisible to reads.
	if _, err := s.GetCreditor(ctx, testCreditorID); !errors.Is(err, ErrCreditorNotFound) {
		t.Fatalf("reading reserved creditor: %v, want ErrCreditorNotFound", err)
	}

	c, err = s.ActivateCreditor(ctx, testCreditorID)
	if err != nil {
		t.Fatalf("activating: %v", err)
	}
	if !c.Activated {
		t.Fatal("creditor not activated")
	}
	// Activation is idempotent.
	if _, err := s.ActivateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("repeated activation: %v", err)
	}

	c, err = s.GetCreditor(ctx, testCreditorID)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if c.ProfileLatestUpdateID != 1 {
		t.Fatalf("profile update id = %d, want 1", c.ProfileLatestUpdateID)
	}
}

func TestActivateUnknownCreditor(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.ActivateCreditor(context.Background(), 404); !errors.Is(err, ErrCreditorNotFound) {
		t.Fatalf("activating unknown creditor: %v, want ErrCreditorNotFound", err)
	}
}

func TestUpdateCreditorOptimisticProtocol(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("creating: %v", err)
	}
	if _, err := s.ActivateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("activating: %v", err)
	}

	c, err := s.UpdateCreditor(ctx, testCreditorID, 2)
	if err != nil {
		t.Fatalf("updating: %v", err)
	}
	if c.ProfileLatestUpdateID != 2 {
		t.Fatalf("profile update id = %d, want 2", c.ProfileLatestUpdateID)
	}

	// A repeat of the applied update is a no-op, not a conflict.
	c, err = s.UpdateCreditor(ctx, testCreditorID, 2)
	if err != nil {
		t.Fatalf("repeating update: %v", err)
	}
	if c.ProfileLatestUpdateID != 2 {
		t.Fatalf("repeat moved update id to %d", c.ProfileLatestUpdateID)
	}

	if _, err := s.UpdateCreditor(ctx, testCreditorID, 4); !errors.Is(err, ErrUpdateConflict) {
		t.Fatalf("skipped update id: %v, want ErrUpdateConflict", err)
	}

	// Each applied update lands in the durable log immediately.
	entries, _, err := s.GetLogEntries(ctx, testCreditorID, 0, 100)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.ObjectType == ObjectCreditor && e.ObjectUpdateID != nil && *e.ObjectUpdateID == 2 {
			found = true
		}
	}
	if !found {
		t.Fatal("profile update missing from the log")
	}
}
