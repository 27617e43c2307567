package guard

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gicmo/bolt-sub000/boltderr"
)

// Power is a reference-counted "force power" switch over a controller's
// sysfs force_power attribute (spec.md §4.6). Multiple guards can
// acquire power concurrently; the attribute is written "1" on the first
// acquire and "0" again only once the last guard releases.
type Power struct {
	syspath string

	mu    sync.Mutex
	count int
}

// NewPower wraps the force_power attribute rooted at syspath (a
// controller's sysfs directory). It does not check that the controller
// supports force power; Supported on the result reports that.
func NewPower(syspath string) *Power {
	return &Power{syspath: syspath}
}

func (p *Power) attrPath() string {
	return filepath.Join(p.syspath, "force_power")
}

// Supported reports whether the underlying controller exposes a
// force_power attribute at all.
func (p *Power) Supported() bool {
	_, err := os.Stat(p.attrPath())
	return err == nil
}

// Acquire increments the reference count, writing "1" to force_power
// the first time the count becomes non-zero.
func (p *Power) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		if err := p.write("1"); err != nil {
			return err
		}
	}
	p.count++
	return nil
}

// Release decrements the reference count, writing "0" to force_power
// once it reaches zero. Releasing below zero is a no-op error: callers
// must pair every Release with a prior Acquire.
func (p *Power) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		return boltderr.New(boltderr.KindFailed, "power release without matching acquire")
	}
	p.count--
	if p.count == 0 {
		return p.write("0")
	}
	return nil
}

// Count returns the current reference count.
func (p *Power) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Power) write(val string) error {
	if err := os.WriteFile(p.attrPath(), []byte(val), 0644); err != nil {
		return boltderr.Wrap(boltderr.KindUdev, err, "write force_power")
	}
	return nil
}
