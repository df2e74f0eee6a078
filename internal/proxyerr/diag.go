package proxyerr

import (
	"fmt"
	"sync"
)

// Recoverable is a failure that was absorbed without aborting the request:
// a dropped image block, an unparseable tool argument, a watchdog firing.
type Recoverable struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Diagnostics collects the recoverable failures observed during one request.
// It is shared between the translator goroutine and the backend reader, so
// appends are locked.
type Diagnostics struct {
	mu    sync.Mutex
	items []Recoverable
}

// Add records a recoverable failure.
func (d *Diagnostics) Add(kind Kind, format string, args ...interface{}) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, Recoverable{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Items returns a copy of the recorded failures.
func (d *Diagnostics) Items() []Recoverable {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Recoverable, len(d.items))
	copy(out, d.items)
	return out
}
