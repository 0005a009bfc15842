// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/tally-foundation/tally/creditor"
	"github.com/tally-foundation/tally/signal"
)

// intake accepts peer signal streams on a Unix socket. Each connection
// carries a sequence of CBOR envelopes; every envelope is dispatched
// to the store handler for its kind. A handler error is logged and the
// stream continues: one bad message must not wedge the feed.
type intake struct {
	listener net.Listener
	store    *creditor.Store
	logger   *slog.Logger

	wg sync.WaitGroup
}

func newIntake(socketPath string, store *creditor.Store, logger *slog.Logger) (*intake, error) {
	// A previous run's socket file would make Listen fail.
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return &intake{
		listener: listener,
		store:    store,
		logger:   logger.With("component", "intake"),
	}, nil
}

// serve accepts connections until the listener closes. Connection
// handlers finish their in-flight message before exiting.
func (in *intake) serve(ctx context.Context) {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			in.logger.Warn("accept failed", "error", err)
			continue
		}
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			defer conn.Close()
			in.handleConn(ctx, conn)
		}()
	}
	in.wg.Wait()
}

func (in *intake) close() {
	in.listener.Close()
}

func (in *intake) handleConn(ctx context.Context, conn net.Conn) {
	reader := signal.NewStreamReader(conn)
	for {
		env, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				in.logger.Warn("signal stream broken", "error", err)
			}
			return
		}
		if err := in.dispatch(ctx, env); err != nil {
			in.logger.Error("signal rejected", "kind", env.Kind, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch decodes the envelope and routes it to the store. Kinds the
// creditor side only emits, and kinds this build does not know, are
// rejected.
func (in *intake) dispatch(ctx context.Context, env signal.Envelope) error {
	msg, err := env.Message()
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *signal.AccountSnapshot:
		return in.store.HandleAccountSnapshot(ctx, m)
	case *signal.AccountPurge:
		return in.store.HandleAccountPurge(ctx, m)
	case *signal.ConfigRejected:
		return in.store.HandleConfigRejection(ctx, m)
	case *signal.CommittedTransferFact:
		return in.store.HandleCommittedTransfer(ctx, m)
	case *signal.TransferPrepared:
		return in.store.HandleTransferPrepared(ctx, m)
	case *signal.TransferRejected:
		return in.store.HandleTransferRejected(ctx, m)
	case *signal.TransferFinalized:
		return in.store.HandleTransferFinalized(ctx, m)
	default:
		return fmt.Errorf("kind %q is not an inbound signal", env.Kind)
	}
}
