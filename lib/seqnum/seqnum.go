// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

// Package seqnum implements 32-bit wraparound sequence numbers and the
// composite ordering key used to deduplicate account snapshots.
//
// Peers number their account change events with an int32 that wraps
// from MaxInt32 to MinInt32 and keeps counting. Two snapshots are
// comparable as long as they are less than 2^31 increments apart,
// which the protocol guarantees for any pair that can be in flight at
// the same time.
package seqnum

import (
	"math"
	"time"
)

// Seqnum is a serial number in modular (wraparound) arithmetic.
type Seqnum int32

// Increment returns the next sequence number, wrapping from
// math.MaxInt32 to math.MinInt32.
func (s Seqnum) Increment() Seqnum {
	if s == math.MaxInt32 {
		return math.MinInt32
	}
	return s + 1
}

// After reports whether s is strictly later than other in modular
// arithmetic. Equal values are not after each other.
func (s Seqnum) After(other Seqnum) bool {
	return int32(s-other) > 0
}

// EventKey orders account change events reported by a peer. Keys
// compare lexicographically: by account creation date, then by change
// timestamp, then by modular sequence number. A new creation date
// signals a new account epoch and supersedes every event from earlier
// epochs.
type EventKey struct {
	// CreationDate is the account epoch, as days since the Unix
	// epoch in the peer's calendar.
	CreationDate int64

	// ChangeTS is the peer's timestamp of the change event.
	ChangeTS time.Time

	// ChangeSeqnum disambiguates events with equal timestamps.
	ChangeSeqnum Seqnum
}

// After reports whether k is strictly later than other.
func (k EventKey) After(other EventKey) bool {
	if k.CreationDate != other.CreationDate {
		return k.CreationDate > other.CreationDate
	}
	if !k.ChangeTS.Equal(other.ChangeTS) {
		return k.ChangeTS.After(other.ChangeTS)
	}
	return k.ChangeSeqnum.After(other.ChangeSeqnum)
}
