package timectrl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SimClock is read access to simulation time, so agents and sinks can
// depend on a clock abstraction rather than the controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once at
	// least d of simulation time has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController paces simulation steps.
type Mode int

const (
	// RealTime holds each step back until one Tick of wall-clock time has
	// passed since the previous one.
	RealTime Mode = iota
	// Accelerated steps as fast as the model can run while still advancing
	// simulation time by Tick.
	Accelerated
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// ParseMode maps "realtime" or "accelerated" onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "realtime", "real_time", "real-time":
		return RealTime, nil
	case "accelerated", "":
		return Accelerated, nil
	default:
		return Accelerated, fmt.Errorf("unknown clock mode %q", s)
	}
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController maps simulation steps onto simulation time. Each Advance
// moves time forward by Tick and notifies listeners. It implements SimClock
// and the model's clock and pacing hooks.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	steps       uint64

	listeners []func(time.Time)
	timers    []timer

	// lastPace is the wall-clock instant the previous paced step began.
	lastPace time.Time
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Steps returns how many times the controller has advanced.
func (tc *TimeController) Steps() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// After returns a channel that fires once simulation time reaches
// Now()+d. Non-positive durations fire immediately. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, timer{at: tc.currentTime.Add(d), ch: ch})
	sort.SliceStable(tc.timers, func(i, j int) bool { return tc.timers[i].at.Before(tc.timers[j].at) })
	return ch
}

// AddListener registers a callback invoked after every advance with the new
// simulation time.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// SetTime jumps simulation time to t and fires any timers that are due.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.fireDueLocked()
	tc.mu.Unlock()
}

// Advance moves simulation time forward by one Tick, fires due timers and
// notifies listeners. It returns the new time.
func (tc *TimeController) Advance() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.steps++
	now := tc.currentTime
	tc.fireDueLocked()
	listeners := append(([]func(time.Time))(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

func (tc *TimeController) fireDueLocked() {
	n := 0
	for _, t := range tc.timers {
		if t.at.After(tc.currentTime) {
			break
		}
		t.ch <- tc.currentTime
		n++
	}
	tc.timers = tc.timers[n:]
}

// Pace blocks in RealTime mode until one Tick of wall-clock time has passed
// since the previous Pace call. Accelerated mode never waits. It returns
// early with the context's error when ctx is done.
func (tc *TimeController) Pace(ctx context.Context) error {
	if tc.Mode != RealTime || tc.Tick <= 0 {
		return ctx.Err()
	}

	tc.mu.Lock()
	now := time.Now()
	wait := time.Duration(0)
	if !tc.lastPace.IsZero() {
		wait = tc.lastPace.Add(tc.Tick).Sub(now)
	}
	tc.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	tc.mu.Lock()
	tc.lastPace = time.Now()
	tc.mu.Unlock()
	return nil
}
