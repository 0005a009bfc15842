// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tally-foundation/tally/signal"
)

// socketPublisher writes outbound envelopes to a Unix socket. The
// connection is dialed lazily and dropped on any write error; the
// outbox redelivers, so a lost in-flight message is delivered again
// after reconnect.
type socketPublisher struct {
	socketPath string
	logger     *slog.Logger

	conn   net.Conn
	writer *signal.StreamWriter
}

func newSocketPublisher(socketPath string, logger *slog.Logger) *socketPublisher {
	return &socketPublisher{
		socketPath: socketPath,
		logger:     logger.With("component", "publisher"),
	}
}

// Publish writes one envelope. Called from the outbox dispatch loop
// only, so no locking is needed.
func (p *socketPublisher) Publish(ctx context.Context, env signal.Envelope) error {
	if p.conn == nil {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "unix", p.socketPath)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", p.socketPath, err)
		}
		p.conn = conn
		p.writer = signal.NewStreamWriter(conn)
		p.logger.Debug("publish socket connected")
	}
	if err := p.writer.Write(env); err != nil {
		p.Close()
		return err
	}
	return nil
}

func (p *socketPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.writer = nil
	}
}
