// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tally-foundation/tally/signal"
)

// outboxItem is one spooled outbound message.
type outboxItem struct {
	id  int64
	env signal.Envelope
}

// DispatchOutbox publishes up to limit spooled outbound messages in
// queue order, deleting each row only after its publish succeeds, so
// delivery is at-least-once. A publish failure stops the burst; the
// remaining rows are retried next call.
//
// Returns the number of messages published; callers loop while it
// equals limit.
func (s *Store) DispatchOutbox(ctx context.Context, pub signal.Publisher, limit int) (int, error) {
	var items []outboxItem
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT outbox_id, kind, body FROM outbox ORDER BY outbox_id LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					items = append(items, outboxItem{
						id: stmt.ColumnInt64(0),
						env: signal.Envelope{
							Kind: signal.Kind(stmt.ColumnText(1)),
							Body: columnBlob(stmt, 2),
						},
					})
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("creditor store: reading outbox: %w", err)
	}

	published := 0
	for _, item := range items {
		if err := pub.Publish(ctx, item.env); err != nil {
			break
		}
		err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn,
				"DELETE FROM outbox WHERE outbox_id = ?",
				&sqlitex.ExecOptions{Args: []any{item.id}})
		})
		if err != nil {
			return published, fmt.Errorf("creditor store: deleting outbox row %d: %w", item.id, err)
		}
		published++
	}
	if published < len(items) {
		s.logger.Warn("outbox publish failed, will retry",
			"published", published, "remaining", len(items)-published)
	}
	return published, nil
}
