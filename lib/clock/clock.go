// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.NewTicker, or time.Sleep directly. Real() delegates
// to the standard time package; Fake() gives tests a deterministic
// clock that only moves when Advance is called.
package clock

import "time"

// Clock abstracts the wall clock for testability. Components that read
// the current time or schedule periodic work hold a Clock field and
// receive Real() in production, Fake() in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release it. The
// channel has capacity 1; ticks are dropped, not queued, when the
// consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }
