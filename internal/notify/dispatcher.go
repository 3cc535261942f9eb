// Package notify forwards dashboard events to external services
// (Discord, Telegram, email, ...) through Shoutrrr URLs.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"argus/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Destination is one configured Shoutrrr target with its filter.
type Destination struct {
	Name        string
	ShoutrrrURL string
	MinSeverity events.Severity
}

// Dispatcher subscribes to the event bus, filters by severity,
// enforces per-event-type cooldowns, and dispatches via Shoutrrr.
type Dispatcher struct {
	destinations []Destination
	bus          *events.Bus
	sender       Sender

	// cooldowns tracks the last dispatch time per (destination, event type).
	mu        sync.Mutex
	cooldowns map[string]time.Time
	cooldown  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// DefaultCooldown is the minimum gap between repeated alerts of the
// same type to the same destination. Stream flaps during a backend
// restart would otherwise fire one message per reconnect attempt.
const DefaultCooldown = 5 * time.Minute

// NewDispatcher creates a dispatcher wired to the given bus.
func NewDispatcher(destinations []Destination, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		destinations: destinations,
		bus:          bus,
		sender:       sender,
		cooldowns:    make(map[string]time.Time),
		cooldown:     DefaultCooldown,
		stopCh:       make(chan struct{}),
	}
}

// Start subscribes to the bus at the loosest destination threshold and
// begins dispatching. Events below every destination's minimum never
// enter the queue.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.SubscribeSeverity(d.minSeverity(), func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// minSeverity returns the lowest MinSeverity across destinations.
func (d *Dispatcher) minSeverity() events.Severity {
	min := events.SeverityCritical
	for _, dest := range d.destinations {
		if dest.MinSeverity < min {
			min = dest.MinSeverity
		}
	}
	return min
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// handle processes a single event against all destinations.
func (d *Dispatcher) handle(e events.Event) {
	for _, dest := range d.destinations {
		if e.Severity < dest.MinSeverity {
			continue
		}
		if !d.cooldownAllows(dest.Name, e) {
			continue
		}
		d.dispatch(dest, e)
	}
}

// cooldownAllows enforces the per-(destination, event type) cooldown.
// Critical events always pass.
func (d *Dispatcher) cooldownAllows(destName string, e events.Event) bool {
	if e.Severity >= events.SeverityCritical {
		return true
	}
	if d.cooldown <= 0 {
		return true
	}

	key := fmt.Sprintf("%s:%s", destName, e.Type)
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.cooldowns[key]
	now := time.Now()
	if ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.cooldowns[key] = now
	return true
}

// dispatch sends one notification.
func (d *Dispatcher) dispatch(dest Destination, e events.Event) {
	msg := formatMessage(e)
	if err := d.sender.Send(dest.ShoutrrrURL, msg); err != nil {
		log.Printf("notify: send to %s failed: %v", dest.Name, err)
		return
	}
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	severity := e.Severity.String()
	if e.Machine != "" {
		return fmt.Sprintf("[%s] [%s] %s", severity, e.Machine, e.Message)
	}
	return fmt.Sprintf("[%s] %s", severity, e.Message)
}
