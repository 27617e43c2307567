// Package manager wires every other package together into the running
// daemon (spec.md §4.11): it owns the store, journal, domain list,
// in-memory device set, the kernel-event monitor, and the bus
// connection, and exposes the manager's dbus surface built from
// package exported's declarative framework. The overall
// construct-once-wire-at-startup shape, and the
// "conn, err := dbus.SystemBus(); defer conn.Close()"-style connection
// lifecycle, follow the teacher's cmd/main.go wiring style and its
// dbus-touching cgroup bridge.
package manager

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/gicmo/bolt-sub000/bconfig"
	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
	"github.com/gicmo/bolt-sub000/device"
	"github.com/gicmo/bolt-sub000/domain"
	"github.com/gicmo/bolt-sub000/exported"
	"github.com/gicmo/bolt-sub000/guard"
	"github.com/gicmo/bolt-sub000/journal"
	"github.com/gicmo/bolt-sub000/store"
	"github.com/gicmo/bolt-sub000/sysfs"
	"github.com/gicmo/bolt-sub000/udev"
)

var log = blog.For("manager")

const (
	busName        = "org.freedesktop.bolt"
	managerPath    = dbus.ObjectPath("/org/freedesktop/bolt")
	devicesPrefix  = "/org/freedesktop/bolt/devices/"
	domainsPrefix  = "/org/freedesktop/bolt/domains/"
	thunderboltBus = "/sys/bus/thunderbolt/devices"
	reaperInterval = 5 * time.Second
)

// Manager is the daemon's single top-level coordinator.
type Manager struct {
	cfg   *bconfig.Config
	store *store.Store
	jrnl  *journal.Journal

	conn       *dbus.Conn
	managerObj *exported.Exported

	mu       sync.Mutex
	domains  *domain.List
	devices  map[string]*device.Device
	objects  map[string]*exported.Exported
	power    map[string]*guard.Power
	guards   map[string]*guard.Guard
	probing  bool

	reaper *guard.Reaper
	mon    *udev.Monitor

	// authDone carries authorization-task completion callbacks from
	// their worker goroutine back onto eventLoop, the single thread
	// that is allowed to mutate device/store state (spec.md §5).
	authDone chan func()

	// policyCheck is consulted by the Manager class's authorizer for
	// the method calls listed in managerActionIDs (bus.go), keyed by
	// their action id; other members are not checked. A nil policyCheck
	// allows everything,
	// matching a build with no polkit-style backend configured.
	policyCheck PolicyChecker

	stop chan struct{}
	wg   sync.WaitGroup
}

// SetPolicyCheck installs the callback consulted for every
// action-id-tagged method call or property write. Passing nil restores
// the allow-everything default.
func (m *Manager) SetPolicyCheck(check PolicyChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyCheck = check
}

// New constructs a Manager from cfg, opening its store and journal.
// The bus connection is supplied separately via Start so callers can
// unit-test construction without a running bus.
func New(cfg *bconfig.Config) (*Manager, error) {
	st, err := store.New(cfg.StoreRoot())
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "create store root")
	}

	jrnl, err := journal.Open(filepath.Join(cfg.StateDir(), "devices.journal"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		store:   st,
		jrnl:    jrnl,
		domains: domain.NewList(),
		devices: make(map[string]*device.Device),
		objects: make(map[string]*exported.Exported),
		power:   make(map[string]*guard.Power),
		guards:  make(map[string]*guard.Guard),
		reaper:   guard.NewReaper(reaperInterval),
		authDone: make(chan func()),
		stop:     make(chan struct{}),
	}
	return m, nil
}

// ObjectPath returns the bus path for a device uid, substituting '-'
// for '_' as spec.md §6 requires.
func ObjectPath(uid string) dbus.ObjectPath {
	return dbus.ObjectPath(devicesPrefix + strings.ReplaceAll(uid, "-", "_"))
}

// DomainObjectPath returns the bus path for a domain uid.
func DomainObjectPath(uid string) dbus.ObjectPath {
	return dbus.ObjectPath(domainsPrefix + strings.ReplaceAll(uid, "-", "_"))
}

// Start connects the manager to conn: it requests the well-known bus
// name, reconstructs in-memory devices for every stored uid in the
// disconnected state, recovers leftover guards, enumerates the live
// bus topology, and begins processing kernel events. Per spec.md §4.11
// this is the daemon's full startup sequence.
func (m *Manager) Start(conn *dbus.Conn) error {
	m.conn = conn

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "request bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return boltderr.New(boltderr.KindFailed, "bus name %s already owned", busName)
	}

	if err := m.reconstructStoredDevices(); err != nil {
		return err
	}

	recovered, err := guard.Recover(m.cfg.StateDir())
	if err != nil {
		log.WithError(err).Warn("guard recovery failed")
	}
	m.mu.Lock()
	for _, g := range recovered {
		m.guards[g.ID] = g
		m.reaper.Track(g.Pid)
	}
	m.mu.Unlock()
	m.reaper.Start()

	if err := m.exportManager(); err != nil {
		return err
	}

	m.mu.Lock()
	m.probing = true
	m.mu.Unlock()
	m.managerObj.Notify("Probing")

	mon, err := udev.Open()
	if err != nil {
		return err
	}
	m.mon = mon

	events, err := udev.Enumerate(thunderboltBus)
	if err != nil {
		return err
	}
	for _, ev := range events {
		m.handleEvent(ev)
	}

	m.mu.Lock()
	m.probing = false
	m.mu.Unlock()
	m.managerObj.Notify("Probing")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		mon.Run()
	}()
	m.wg.Add(1)
	go m.eventLoop()

	return nil
}

// eventLoop is the daemon's single-threaded cooperative main loop for
// kernel events (spec.md §5: "Kernel events for a given uid are
// processed in arrival order").
func (m *Manager) eventLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.mon.Events():
			if !ok {
				return
			}
			m.handleEvent(ev)
		case pid := <-m.reaper.Died():
			m.handleReapedPid(pid)
		case cb := <-m.authDone:
			cb()
		}
	}
}

func (m *Manager) reconstructStoredDevices() error {
	uids, err := m.store.ListUids()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		rec, err := m.store.GetDevice(uid)
		if err != nil {
			log.WithError(err).WithField("uid", uid).Warn("skipping unreadable store record")
			continue
		}
		d := device.New(uid)
		d.Name = rec.Name
		d.Vendor = rec.Vendor
		d.Policy = device.Policy(rec.Policy)
		d.Stored = true
		m.devices[uid] = d
	}
	return nil
}

func (m *Manager) handleReapedPid(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.guards {
		if g.Pid == pid {
			g.Cleanup()
			delete(m.guards, id)
			log.WithField("pid", pid).WithField("guard", id).Debug("reaped dead guard holder")
		}
	}
}

// handleEvent processes one kernel hotplug event (spec.md §4.8
// Transitions).
func (m *Manager) handleEvent(ev udev.Event) {
	dev := sysfs.NewDevice(ev.Syspath)

	if dev.IsDomain() {
		m.handleDomainEvent(ev.Action, dev)
		return
	}

	uid, err := dev.Uid()
	if err != nil {
		log.WithError(err).WithField("syspath", ev.Syspath).Warn("device without unique_id, ignoring")
		return
	}

	m.mu.Lock()
	d, known := m.devices[uid]
	m.mu.Unlock()

	switch ev.Action {
	case udev.ActionAdd:
		if !known {
			newDev, err := device.FromSysfs(dev)
			if err != nil {
				log.WithError(err).WithField("syspath", ev.Syspath).Warn("failed to build device from sysfs")
				return
			}
			m.mu.Lock()
			m.devices[uid] = newDev
			m.mu.Unlock()
			m.jrnl.Put(uid, journal.OpAdd)
			m.exportDevice(newDev)
			m.emitDeviceAdded(uid)
			return
		}
		d.Refresh(dev)

	case udev.ActionChange:
		if known {
			d.Refresh(dev)
		}

	case udev.ActionRemove:
		if known {
			d.Disconnect()
			if !d.Stored {
				m.mu.Lock()
				delete(m.devices, uid)
				m.mu.Unlock()
				m.unexportDevice(uid)
			}
			m.jrnl.Put(uid, journal.OpRemove)
			m.emitDeviceRemoved(uid)
		}
	}
}

// domainSortKey extracts the trailing integer of a domain's sysfs node
// name (e.g. "domain1" -> 1), the list's sort key per spec.md §3.
func domainSortKey(syspath string) int {
	name := filepath.Base(syspath)
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0
	}
	return n
}

func (m *Manager) handleDomainEvent(action udev.Action, dev *sysfs.Device) {
	uid, err := dev.Uid()
	if err != nil {
		return
	}

	switch action {
	case udev.ActionAdd:
		d := &domain.Domain{
			Uid:      uid,
			SortKey:  domainSortKey(dev.Syspath()),
			Security: domain.SecurityLevel(dev.DomainSecurity()),
		}
		if acl, err := dev.BootACL(); err == nil && acl != nil {
			d.ACL = domain.NewBootACL(len(acl))
			if err := d.ACL.Set(acl); err != nil {
				log.WithError(err).WithField("domain", uid).Warn("boot acl set failed")
				d.ACL = nil
			}
		} else if m.cfg.Daemon.BootACLHint > 0 {
			// The kernel hasn't surfaced a boot_acl attribute for this
			// node (yet, or ever). Start an empty slot table sized by
			// the configured hint rather than leaving ACL nil, so
			// EnrollDevice(policy=auto) still has somewhere to record
			// uids. boot_acl is not re-read for a domain after its add
			// event.
			d.ACL = domain.NewBootACL(m.cfg.Daemon.BootACLHint)
		}
		m.mu.Lock()
		m.domains.Insert(d)
		m.power[uid] = guard.NewPower(dev.Syspath())
		m.mu.Unlock()
		m.emitDomainAdded(uid)

	case udev.ActionRemove:
		m.mu.Lock()
		m.domains.Remove(uid)
		delete(m.power, uid)
		m.mu.Unlock()
		m.emitDomainRemoved(uid)
	}
}

// Stop tears down every registered object, flushes pending property
// notifications, clears domains, and closes the journal; the bus
// connection is left to its owner (spec.md §5 "Signals and the event
// loop").
func (m *Manager) Stop() error {
	close(m.stop)
	if m.mon != nil {
		m.mon.Close()
	}
	m.reaper.Stop()
	m.wg.Wait()

	var result *multierror.Error

	m.mu.Lock()
	for uid := range m.objects {
		if err := m.unexportDeviceLocked(uid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.domains = domain.NewList()
	m.mu.Unlock()

	if m.managerObj != nil {
		if err := m.managerObj.Unexport(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := m.jrnl.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
