// Package timestamp provides standardized microsecond-precision timestamp
// handling for the acquisition system.
//
// All cross-machine log merging relies on a single shared timebase: UTC
// microseconds since the Unix epoch. Session names, log onsets, and event
// deltas all use this representation. A timestamp value of 0 means "not set".
package timestamp

import (
	"fmt"
	"sync"
	"time"
)

// Now returns the current UTC time as Unix microseconds.
func Now() int64 {
	return time.Now().UnixMicro()
}

// ToUnixUs converts a time.Time to Unix microseconds.
func ToUnixUs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// FromUnixUs converts Unix microseconds to a UTC time.Time.
// Returns the zero time if us is 0.
func FromUnixUs(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// SessionName formats a timestamp as a zero-padded, lexicographically
// sortable session directory name: YYYY-MM-DD-HH-MM-SS-ffffff.
func SessionName(us int64) string {
	t := FromUnixUs(us)
	return fmt.Sprintf("%04d-%02d-%02d-%02d-%02d-%02d-%06d",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000)
}

// ParseSessionName recovers the Unix-microsecond timestamp embedded in a
// session directory name produced by SessionName.
func ParseSessionName(name string) (int64, error) {
	var y, mo, d, h, mi, s, us int
	n, err := fmt.Sscanf(name, "%04d-%02d-%02d-%02d-%02d-%02d-%06d", &y, &mo, &d, &h, &mi, &s, &us)
	if err != nil || n != 7 {
		return 0, fmt.Errorf("invalid session name %q", name)
	}
	t := time.Date(y, time.Month(mo), d, h, mi, s, us*1000, time.UTC)
	return t.UnixMicro(), nil
}

// Format converts Unix microseconds to an RFC3339 string with microsecond
// precision for human-readable records. Returns "" if us is 0.
func Format(us int64) string {
	if us == 0 {
		return ""
	}
	return FromUnixUs(us).Format("2006-01-02T15:04:05.000000Z07:00")
}

// Between returns the duration between two microsecond timestamps.
// Returns 0 if either timestamp is zero.
func Between(start, end int64) time.Duration {
	if start == 0 || end == 0 {
		return 0
	}
	return time.Duration(end-start) * time.Microsecond
}

// Validate checks that a timestamp is non-negative and not unreasonably far
// in the future (year 3000 cutoff).
func Validate(us int64) error {
	if us < 0 {
		return fmt.Errorf("timestamp cannot be negative: %d", us)
	}
	if us > 32503680000000000 {
		return fmt.Errorf("timestamp too far in future: %d", us)
	}
	return nil
}

// Timer measures elapsed microseconds against a monotonic clock. One Timer is
// shared per source process so that all records produced by that process use
// a single coherent timebase.
type Timer struct {
	mu    sync.Mutex
	start time.Time
	onset int64
}

// NewTimer creates a Timer anchored at the current instant. The returned
// timer's onset is the wall-clock UTC microsecond timestamp captured at the
// same moment the monotonic reference is taken.
func NewTimer() *Timer {
	return &Timer{start: time.Now(), onset: Now()}
}

// Reset re-anchors the timer at the current instant and refreshes the onset.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = time.Now()
	t.onset = Now()
}

// Onset returns the UTC microsecond timestamp of the timer anchor.
func (t *Timer) Onset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onset
}

// ElapsedUs returns the monotonic microseconds elapsed since the anchor.
func (t *Timer) ElapsedUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.start).Microseconds()
}

// Absolute converts an elapsed-microseconds delta recorded against this timer
// into an absolute UTC microsecond timestamp.
func (t *Timer) Absolute(elapsedUs int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onset + elapsedUs
}
