// Package progress renders download/join counters for a running untile job.
//
// The reporter is purely informational: the fetch and join pipelines call it
// unconditionally and a Nop implementation is substituted when no progress
// display is wanted. Either counter may reach the total first, the fetch side
// usually outruns the join side but a warm tile cache inverts that.
package progress

import (
	"fmt"
	"io"
	"sync"
)

// Reporter observes the two pipeline counters.
type Reporter interface {
	Fetched(done int)
	Joined(done int)
	Finish()
}

// Nop discards all updates.
type Nop struct{}

func (Nop) Fetched(done int) {}
func (Nop) Joined(done int)  {}
func (Nop) Finish()          {}

// Text rewrites a single status line on each update.
type Text struct {
	w     io.Writer
	total int

	mu      sync.Mutex
	fetched int
	joined  int
	done    bool
}

func NewText(w io.Writer, total int) *Text {
	return &Text{w: w, total: total}
}

func (t *Text) Fetched(done int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if done > t.fetched {
		t.fetched = done
	}
	t.render()
}

func (t *Text) Joined(done int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if done > t.joined {
		t.joined = done
	}
	t.render()
}

// Finish terminates the status line. Safe to call more than once.
func (t *Text) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.render()
	fmt.Fprintln(t.w)
}

func (t *Text) render() {
	fmt.Fprintf(t.w, "\rDownloading tiles: %d/%d  Joining tiles: %d/%d",
		t.fetched, t.total, t.joined, t.total)
}
