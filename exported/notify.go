package exported

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// coalesceWindow is how long a coalescer waits after the first queued
// notify before draining the queue into a single PropertiesChanged
// signal (spec.md §4.10's "one idle callback per object").
const coalesceWindow = 5 * time.Millisecond

// coalescer batches Notify calls for one Exported object into a single
// PropertiesChanged emission per idle window.
type coalescer struct {
	owner *Exported

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

func newCoalescer(owner *Exported) *coalescer {
	return &coalescer{owner: owner, pending: make(map[string]struct{})}
}

// notify queues name and, if this is the first pending name, schedules
// a drain after coalesceWindow.
func (c *coalescer) notify(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[name] = struct{}{}
	if c.timer == nil {
		c.timer = time.AfterFunc(coalesceWindow, c.drain)
	}
}

// drain emits one PropertiesChanged signal covering every property
// queued since the last drain.
func (c *coalescer) drain() {
	c.mu.Lock()
	names := make([]string, 0, len(c.pending))
	for n := range c.pending {
		names = append(names, n)
	}
	c.pending = make(map[string]struct{})
	c.timer = nil
	c.mu.Unlock()

	if len(names) == 0 {
		return
	}

	changed := make(map[string]dbus.Variant, len(names))
	for _, name := range names {
		spec, ok := c.owner.class.properties[name]
		if !ok {
			continue
		}
		val, err := spec.Get(c.owner.native)
		if err != nil {
			continue
		}
		wire, err := spec.toWire(val)
		if err != nil {
			continue
		}
		changed[name] = dbus.MakeVariant(wire)
	}

	_ = c.owner.conn.Emit(c.owner.path, "org.freedesktop.DBus.Properties.PropertiesChanged",
		c.owner.class.Interface, changed, []string{})
}

// flushNow synchronously drains any pending notifications, bypassing
// the idle window. Used by Unexport so its own "Exported"/"ObjectPath"
// notifications go out before de-registration completes.
func (c *coalescer) flushNow() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.drain()
}

// cancel discards any pending notification without emitting it
// (spec.md §4.10 "Object de-export cancels pending emissions").
func (c *coalescer) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]struct{})
}
