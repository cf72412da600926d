// Package clock exposes the monotonic millisecond time source shared by the
// timer manager and the reactor. It never observes wall-clock adjustments:
// everything is relative to process start.
package clock

import "time"

var start = time.Now()

// NowMS returns milliseconds elapsed since the process started, strictly
// monotonic and immune to NTP steps or local time-zone changes.
//
// Go's monotonic clock reading (carried transparently inside time.Time by
// every call to time.Now since Go 1.9) cannot roll back, so unlike the
// original implementation this intentionally carries no rollover-detection
// logic; see SPEC_FULL.md §13.1.
func NowMS() int64 {
	return time.Since(start).Milliseconds()
}

// Infinite is the sentinel returned by callers that want to express "no
// deadline" using the same millisecond unit as NowMS, matching the timeout
// encoding spec'd for Fd Context send/recv timeouts.
const Infinite uint64 = ^uint64(0)
