// Package notices is the single funnel for user-visible errors.
// Transient notices expire after five seconds; persistent ones stay
// until dismissed. At most three notices are surfaced at once, with
// an overflow count for the rest.
package notices

import (
	"sort"
	"sync"
	"time"
)

const (
	// TTL is how long a transient notice stays visible.
	TTL = 5 * time.Second

	// MaxVisible caps how many notices are surfaced at once.
	MaxVisible = 3
)

// Notice is one surfaced error or warning.
type Notice struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"`
	CreatedAt  time.Time `json:"created_at"`
}

// View is what a reader of the center gets: the visible notices plus
// how many more are currently live but hidden.
type View struct {
	Notices  []Notice `json:"notices"`
	Overflow int      `json:"overflow"`
}

// Center collects notices from every asynchronous entry point.
type Center struct {
	mu    sync.Mutex
	seq   int64
	items []Notice

	now func() time.Time // test seam
}

// NewCenter creates an empty notice center.
func NewCenter() *Center {
	return &Center{now: time.Now}
}

// Add records a transient notice and returns its id.
func (c *Center) Add(source, message string) int64 {
	return c.add(source, message, false)
}

// AddPersistent records a notice that never expires on its own, such
// as "connection lost, refresh the page".
func (c *Center) AddPersistent(source, message string) int64 {
	return c.add(source, message, true)
}

func (c *Center) add(source, message string, persistent bool) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.items = append(c.items, Notice{
		ID:         c.seq,
		Source:     source,
		Message:    message,
		Persistent: persistent,
		CreatedAt:  c.now(),
	})
	return c.seq
}

// Dismiss removes a notice by id, persistent or not.
func (c *Center) Dismiss(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// Active returns every live notice, newest first.
func (c *Center) Active() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked()

	out := make([]Notice, len(c.items))
	copy(out, c.items)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Visible returns the newest MaxVisible notices and the overflow count.
func (c *Center) Visible() View {
	active := c.Active()
	v := View{Notices: active}
	if len(active) > MaxVisible {
		v.Notices = active[:MaxVisible]
		v.Overflow = len(active) - MaxVisible
	}
	return v
}

// HasPersistent reports whether any persistent notice is live.
func (c *Center) HasPersistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.items {
		if n.Persistent {
			return true
		}
	}
	return false
}

// purgeLocked drops transient notices past their TTL. Callers hold mu.
func (c *Center) purgeLocked() {
	cutoff := c.now().Add(-TTL)
	kept := c.items[:0]
	for _, n := range c.items {
		if n.Persistent || n.CreatedAt.After(cutoff) {
			kept = append(kept, n)
		}
	}
	c.items = kept
}
