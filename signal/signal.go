// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the asynchronous messages exchanged with
// debtor-side peer agents, and the framing used to move them.
//
// Delivery is at-least-once with no ordering guarantee, in both
// directions. Inbound messages carry enough identity for the store's
// handlers to deduplicate; outbound messages carry the correlation
// keys the peer needs to do the same.
package signal

import (
	"context"
	"fmt"

	"github.com/tally-foundation/tally/lib/codec"
)

// Kind identifies a message type on the wire.
type Kind string

// Inbound message kinds.
const (
	KindAccountSnapshot   Kind = "account_snapshot"
	KindAccountPurge      Kind = "account_purge"
	KindConfigRejected    Kind = "config_rejected"
	KindCommittedTransfer Kind = "committed_transfer"
	KindTransferPrepared  Kind = "transfer_prepared"
	KindTransferRejected  Kind = "transfer_rejected"
	KindTransferFinalized Kind = "transfer_finalized"
)

// Outbound message kinds.
const (
	KindConfigureAccount Kind = "configure_account"
	KindPrepareTransfer  Kind = "prepare_transfer"
	KindFinalizeTransfer Kind = "finalize_transfer"
)

// Envelope is the unit of framing: a kind tag plus the CBOR-encoded
// message body. Bodies are opaque until dispatched on Kind, so an
// intake socket can route messages without decoding them twice.
type Envelope struct {
	Kind Kind             `cbor:"kind"`
	Body codec.RawMessage `cbor:"body"`
}

// Envelop encodes msg and wraps it with the given kind.
func Envelop(kind Kind, msg any) (Envelope, error) {
	body, err := codec.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("signal: encoding %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Body: body}, nil
}

// Message decodes the envelope body into the struct matching its
// kind and validates it. Unknown kinds are an error; the intake
// loop logs and skips them.
func (e Envelope) Message() (any, error) {
	var msg interface{ Validate() error }
	switch e.Kind {
	case KindAccountSnapshot:
		msg = new(AccountSnapshot)
	case KindAccountPurge:
		msg = new(AccountPurge)
	case KindConfigRejected:
		msg = new(ConfigRejected)
	case KindCommittedTransfer:
		msg = new(CommittedTransferFact)
	case KindTransferPrepared:
		msg = new(TransferPrepared)
	case KindTransferRejected:
		msg = new(TransferRejected)
	case KindTransferFinalized:
		msg = new(TransferFinalized)
	case KindConfigureAccount:
		msg = new(ConfigureAccountRequest)
	case KindPrepareTransfer:
		msg = new(PrepareTransferRequest)
	case KindFinalizeTransfer:
		msg = new(FinalizeTransferRequest)
	default:
		return nil, fmt.Errorf("signal: unknown kind %q", e.Kind)
	}
	if err := codec.Unmarshal(e.Body, msg); err != nil {
		return nil, fmt.Errorf("signal: decoding %s: %w", e.Kind, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Publisher delivers outbound envelopes to the peer transport.
// Implementations must provide at-least-once delivery; they need not
// preserve ordering. A returned error means the envelope was not
// durably handed off and must be retried.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}
