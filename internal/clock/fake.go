package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Timers created through AfterMs
// fire when Advance moves the current time past their deadline.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake clock anchored at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterMs(ms int64) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		deadline: f.now.Add(time.Duration(ms) * time.Millisecond),
		ch:       make(chan time.Time, 1),
	}
	f.timers = append(f.timers, t)
	return t.ch
}

// Advance moves the clock forward by d and fires every pending timer whose
// deadline has been reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var fired, remaining []*fakeTimer
	for _, t := range f.timers {
		if !t.deadline.After(now) {
			fired = append(fired, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	for _, t := range fired {
		t.ch <- now
	}
}

// Pending reports how many timers are armed and not yet fired.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}
