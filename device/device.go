// Package device implements boltd's device model and authorization
// state machine (spec.md §4.8). The state-bump-with-deferred-rollback
// shape is carried over from the teacher's vfio device driver's
// Attach/Detach pattern: a device's state only ever advances via an
// explicit transition method, each of which logs a
// logrus.Fields-tagged before/after pair.
package device

import (
	"sync"
	"time"

	"github.com/gicmo/bolt-sub000/auth"
	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
	"github.com/gicmo/bolt-sub000/sysfs"
)

var log = blog.For("device")

// State is one of a device's authorization lifecycle states (spec.md
// §4.8).
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateAuthorizing     State = "authorizing"
	StateAuthorizedSecure State = "authorized_secure"
	StateAuthorizedNewkey State = "authorized_newkey"
	StateAuthorizedDponly State = "authorized_dponly"
	StateAuthError        State = "auth_error"
	StateUnknown          State = "unknown"
)

// isAuthorized reports whether s is one of the authorized_* states.
func isAuthorized(s State) bool {
	switch s {
	case StateAuthorizedSecure, StateAuthorizedNewkey, StateAuthorizedDponly:
		return true
	default:
		return false
	}
}

// AuthFlags are OR-able bits describing how a device was authorized
// (spec.md §4.8 AuthFlags-to-Status mapping): secure = authorized via
// key-based re-authentication; nopcie = domain doesn't carry PCIe
// traffic.
type AuthFlags int

const (
	FlagNone   AuthFlags = 0
	FlagSecure AuthFlags = 1 << 0
	FlagNoPCIe AuthFlags = 1 << 1
)

// Policy mirrors the store's per-device policy kind.
type Policy string

const (
	PolicyDefault Policy = "default"
	PolicyManual  Policy = "manual"
	PolicyAuto    Policy = "auto"
)

// Type classifies a device node (spec.md §4.2 sysfs classification).
type Type string

const (
	TypeHost       Type = "host"
	TypePeripheral Type = "peripheral"
)

// Device is one in-memory record for a uid, tracking both the
// kernel-observed sysfs state and the daemon's own authorization
// decisions.
type Device struct {
	mu sync.Mutex

	Uid     string
	Name    string
	Vendor  string
	Label   string
	Syspath string
	Parent  string // uid of the device's domain, if known
	Type    Type

	State    State
	Policy   Policy
	Security sysfs.SecurityLevel
	KeyState sysfs.KeyState
	Link     *sysfs.LinkSpeed

	Stored bool // whether a store record exists for this uid

	AuthFlags AuthFlags
	AuthError error // non-nil iff State == StateAuthError

	ConnectTime   time.Time
	AuthorizeTime time.Time
	StoreTime     time.Time

	task *auth.Task
}

// New creates a device record in the disconnected state.
func New(uid string) *Device {
	return &Device{Uid: uid, State: StateDisconnected, Policy: PolicyDefault, Type: TypePeripheral}
}

// FromSysfs constructs a Device from a live sysfs node, inferring the
// initial state from the kernel-reported authorized value (spec.md
// §4.8 "add" transition).
func FromSysfs(dev *sysfs.Device) (*Device, error) {
	uid, err := dev.Uid()
	if err != nil {
		return nil, err
	}

	d := New(uid)
	d.Syspath = dev.Syspath()
	d.ConnectTime = time.Now()
	if dev.IsHost() {
		d.Type = TypeHost
	}
	if name, err := dev.DeviceName(); err == nil {
		d.Name = name
	}
	if vendor, err := dev.VendorName(); err == nil {
		d.Vendor = vendor
	}
	if parent, err := dev.ParentDomain(); err == nil {
		if puid, err := parent.Uid(); err == nil {
			d.Parent = puid
		}
	}
	d.Security = dev.SecurityForDevice()
	d.KeyState = dev.KeyState()
	if link, err := dev.LinkSpeed(); err == nil {
		d.Link = link
	}

	auth, err := dev.AuthorizedState()
	if err != nil {
		d.State = StateConnecting
		return d, nil
	}

	switch auth {
	case sysfs.AuthNone:
		d.State = StateConnected
	case sysfs.AuthUser:
		d.State = StateAuthorizedNewkey
	case sysfs.AuthSecure:
		d.State = StateAuthorizedSecure
		d.AuthFlags = FlagSecure
	default:
		d.State = StateUnknown
	}
	return d, nil
}

// Refresh updates derived fields from a live sysfs node (spec.md §4.8
// "change" transition). It is a no-op on state; callers decide whether
// a refreshed field implies a transition.
func (d *Device) Refresh(dev *sysfs.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Security = dev.SecurityForDevice()
	d.KeyState = dev.KeyState()
	if link, err := dev.LinkSpeed(); err == nil {
		d.Link = link
	}
}

// Disconnect transitions a device on a "remove" event. If the device is
// not tracked by the store, the caller should unregister it entirely
// after this call; otherwise the in-memory record is retained for
// inspection per spec.md §4.8.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	from := d.State
	d.State = StateDisconnected
	log.WithField("uid", d.Uid).WithField("from", from).WithField("to", d.State).Debug("device disconnected")
}

// BeginAuthorize transitions the device into authorizing, refusing a
// second concurrent authorization with bad_state (spec.md §5 ordering
// guarantee: "a device in authorizing state refuses a second
// concurrent request").
func (d *Device) BeginAuthorize(t *auth.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State == StateAuthorizing {
		return boltderr.New(boltderr.KindBadState, "device %s already authorizing", d.Uid)
	}

	d.State = StateAuthorizing
	d.task = t
	log.WithField("uid", d.Uid).Debug("authorization started")
	return nil
}

// CompleteAuthorize applies a task's outcome, transitioning to an
// authorized_* state on success or auth_error on failure (spec.md
// §4.8). keyWasNew is only meaningful when level is secure: it tells
// apart a fresh key (newkey) from proof of an existing one (secure).
func (d *Device) CompleteAuthorize(level sysfs.SecurityLevel, keyWasNew bool, taskErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.task = nil

	if taskErr != nil {
		d.State = StateAuthError
		d.AuthError = taskErr
		log.WithField("uid", d.Uid).WithError(taskErr).Warn("authorization failed")
		return
	}

	d.AuthError = nil
	d.AuthorizeTime = time.Now()

	switch level {
	case sysfs.SecuritySecure:
		if keyWasNew {
			d.AuthFlags = FlagNone
			d.State = StateAuthorizedNewkey
		} else {
			d.AuthFlags = FlagSecure
			d.State = StateAuthorizedSecure
		}
	case sysfs.SecurityDPOnly, sysfs.SecurityUSBOnly, sysfs.SecurityNone:
		d.AuthFlags = FlagNone
		d.State = StateAuthorizedDponly
	default:
		d.AuthFlags = FlagNone
		d.State = StateAuthorizedNewkey
	}

	log.WithField("uid", d.Uid).WithField("state", d.State).Debug("authorization complete")
}

// CurrentState returns the device's state under lock.
func (d *Device) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

// IsAuthorized reports whether the device is in any authorized_* state.
func (d *Device) IsAuthorized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return isAuthorized(d.State)
}
