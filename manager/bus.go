package manager

import (
	"context"
	"reflect"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/gicmo/bolt-sub000/auth"
	"github.com/gicmo/bolt-sub000/boltderr"
	"github.com/gicmo/bolt-sub000/device"
	"github.com/gicmo/bolt-sub000/exported"
	"github.com/gicmo/bolt-sub000/guard"
	"github.com/gicmo/bolt-sub000/journal"
	"github.com/gicmo/bolt-sub000/key"
	"github.com/gicmo/bolt-sub000/store"
	"github.com/gicmo/bolt-sub000/sysfs"
)

const daemonVersion = "1.0"

var (
	typeString = reflect.TypeOf("")
	typePath   = reflect.TypeOf(dbus.ObjectPath(""))
	typePaths  = reflect.TypeOf([]dbus.ObjectPath{})
)

// PolicyChecker decides whether actionID is permitted for the caller of
// a dbus method/property. It stands in for the external polkit-style
// backend spec.md §1 names as an out-of-scope collaborator: the
// authorization layer that consults it (the per-member action-id table
// below, wired through exported.AuthorizeHandler) is in scope, the
// backend itself is not.
type PolicyChecker func(ctx context.Context, actionID string) (bool, error)

// managerActionIDs maps each sensitive Manager member to the
// bolt-bouncer.c-style action id a policy backend would discriminate
// on. Members absent from this table (the read-only properties, and
// ListDevices/DeviceByUid) require no check.
var managerActionIDs = map[string]string{
	"EnrollDevice": "org.freedesktop.bolt.enroll",
	"Authorize":    "org.freedesktop.bolt.authorize",
	"ForgetDevice": "org.freedesktop.bolt.manage",
	"RequestPower": "org.freedesktop.bolt.power",
}

// managerClass is the bus-exported Manager interface (spec.md §6).
var managerClass = buildManagerClass()

func buildManagerClass() *exported.Class {
	c := exported.NewClass("org.freedesktop.bolt1.Manager")

	c.AddAuthorizer(func(ctx context.Context, e *exported.Exported, member string, isProperty bool, wireValue interface{}) (bool, bool, error) {
		actionID, ok := managerActionIDs[member]
		if !ok {
			return false, false, nil
		}
		m := e.Native().(*Manager)
		m.mu.Lock()
		check := m.policyCheck
		m.mu.Unlock()
		if check == nil {
			return true, true, nil
		}
		allowed, err := check(ctx, actionID)
		return true, allowed, err
	})

	c.AddMethod(&exported.MethodSpec{
		Name: "ListDevices",
		Out:  []reflect.Type{typePaths},
		Handler: func(obj interface{}, args []interface{}) ([]interface{}, error) {
			m := obj.(*Manager)
			return []interface{}{m.ListDevices()}, nil
		},
	})

	c.AddMethod(&exported.MethodSpec{
		Name: "DeviceByUid",
		In:   []reflect.Type{typeString},
		Out:  []reflect.Type{typePath},
		Handler: func(obj interface{}, args []interface{}) ([]interface{}, error) {
			m := obj.(*Manager)
			path, err := m.DeviceByUid(args[0].(string))
			if err != nil {
				return nil, err
			}
			return []interface{}{path}, nil
		},
	})

	c.AddMethod(&exported.MethodSpec{
		Name: "EnrollDevice",
		In:   []reflect.Type{typeString, typeString, typeString},
		Out:  []reflect.Type{typePath},
		Handler: func(obj interface{}, args []interface{}) ([]interface{}, error) {
			m := obj.(*Manager)
			path, err := m.EnrollDevice(args[0].(string), args[1].(string), args[2].(string))
			if err != nil {
				return nil, err
			}
			return []interface{}{path}, nil
		},
	})

	c.AddMethod(&exported.MethodSpec{
		Name: "Authorize",
		In:   []reflect.Type{typeString, typeString},
		Handler: func(obj interface{}, args []interface{}) ([]interface{}, error) {
			m := obj.(*Manager)
			return nil, m.Authorize(args[0].(string), args[1].(string))
		},
	})

	c.AddMethod(&exported.MethodSpec{
		Name: "ForgetDevice",
		In:   []reflect.Type{typeString},
		Handler: func(obj interface{}, args []interface{}) ([]interface{}, error) {
			m := obj.(*Manager)
			return nil, m.ForgetDevice(args[0].(string))
		},
	})

	c.AddMethod(&exported.MethodSpec{
		Name: "RequestPower",
		In:   []reflect.Type{typeString, typeString},
		Out:  []reflect.Type{typeString},
		Handler: func(obj interface{}, args []interface{}) ([]interface{}, error) {
			m := obj.(*Manager)
			id, err := m.AcquireGuard(args[0].(string), args[1].(string))
			if err != nil {
				return nil, err
			}
			return []interface{}{id}, nil
		},
	})

	c.AddProperty(&exported.PropertySpec{
		Name: "Version",
		Get: func(obj interface{}) (interface{}, error) {
			return daemonVersion, nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "Probing",
		Get: func(obj interface{}) (interface{}, error) {
			m := obj.(*Manager)
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.probing, nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "DefaultPolicy",
		Get: func(obj interface{}) (interface{}, error) {
			m := obj.(*Manager)
			return m.cfg.Daemon.DefaultPolicy, nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "SecurityLevel",
		Get: func(obj interface{}) (interface{}, error) {
			m := obj.(*Manager)
			m.mu.Lock()
			defer m.mu.Unlock()
			domains := m.domains.All()
			if len(domains) == 0 {
				return string(sysfs.SecurityNone), nil
			}
			return string(domains[0].Security), nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "AuthMode",
		Get: func(obj interface{}) (interface{}, error) {
			m := obj.(*Manager)
			return m.cfg.Daemon.AuthMode, nil
		},
	})

	return c
}

// deviceClass is the bus-exported Device interface (spec.md §6).
var deviceClass = buildDeviceClass()

func buildDeviceClass() *exported.Class {
	c := exported.NewClass("org.freedesktop.bolt1.Device")

	str := func(name string, get func(d *device.Device) string) {
		c.AddProperty(&exported.PropertySpec{Name: name, Get: func(obj interface{}) (interface{}, error) {
			return get(obj.(*device.Device)), nil
		}})
	}

	str("Uid", func(d *device.Device) string { return d.Uid })
	str("Name", func(d *device.Device) string { return d.Name })
	str("Vendor", func(d *device.Device) string { return d.Vendor })
	str("Type", func(d *device.Device) string { return string(d.Type) })
	str("Status", func(d *device.Device) string { return string(d.CurrentState()) })
	str("Parent", func(d *device.Device) string { return d.Parent })
	str("SysfsPath", func(d *device.Device) string { return d.Syspath })
	str("Domain", func(d *device.Device) string { return d.Parent })
	str("Policy", func(d *device.Device) string { return string(d.Policy) })
	str("Label", func(d *device.Device) string { return d.Label })
	str("Key", func(d *device.Device) string { return string(d.KeyState) })

	c.AddProperty(&exported.PropertySpec{
		Name: "AuthFlags",
		Get: func(obj interface{}) (interface{}, error) {
			d := obj.(*device.Device)
			flags := []string{}
			if d.AuthFlags&device.FlagSecure != 0 {
				flags = append(flags, "secure")
			}
			if d.AuthFlags&device.FlagNoPCIe != 0 {
				flags = append(flags, "nopcie")
			}
			return flags, nil
		},
		Conv: exported.FlagsConv(map[string]string{
			"secure": "secure",
			"nopcie": "nopcie",
		}),
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "Stored",
		Get: func(obj interface{}) (interface{}, error) {
			return obj.(*device.Device).Stored, nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "ConnectTime",
		Get: func(obj interface{}) (interface{}, error) {
			return uint64(obj.(*device.Device).ConnectTime.Unix()), nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "AuthorizeTime",
		Get: func(obj interface{}) (interface{}, error) {
			return uint64(obj.(*device.Device).AuthorizeTime.Unix()), nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "StoreTime",
		Get: func(obj interface{}) (interface{}, error) {
			return uint64(obj.(*device.Device).StoreTime.Unix()), nil
		},
	})
	c.AddProperty(&exported.PropertySpec{
		Name: "LinkSpeed",
		Get: func(obj interface{}) (interface{}, error) {
			d := obj.(*device.Device)
			if d.Link == nil {
				return [4]int{}, nil
			}
			return [4]int{d.Link.Rx.Speed, d.Link.Rx.Lanes, d.Link.Tx.Speed, d.Link.Tx.Lanes}, nil
		},
		Conv: exported.LinkSpeedConv(),
	})

	return c
}

// exportManager publishes the Manager object at the well-known
// top-level path.
func (m *Manager) exportManager() error {
	obj, err := exported.Export(m.conn, managerPath, managerClass, m)
	if err != nil {
		return err
	}
	m.managerObj = obj
	return nil
}

// exportDevice publishes d's object path and records it for later
// notification and teardown.
func (m *Manager) exportDevice(d *device.Device) {
	obj, err := exported.Export(m.conn, ObjectPath(d.Uid), deviceClass, d)
	if err != nil {
		log.WithError(err).WithField("uid", d.Uid).Warn("failed to export device object")
		return
	}
	m.mu.Lock()
	m.objects[d.Uid] = obj
	m.mu.Unlock()
}

// unexportDevice removes uid's object under its own lock.
func (m *Manager) unexportDevice(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.unexportDeviceLocked(uid)
}

// unexportDeviceLocked removes uid's object; callers must hold m.mu.
func (m *Manager) unexportDeviceLocked(uid string) error {
	obj, ok := m.objects[uid]
	if !ok {
		return nil
	}
	delete(m.objects, uid)
	return obj.Unexport()
}

func (m *Manager) emitDeviceAdded(uid string) {
	if m.conn == nil {
		return
	}
	_ = m.conn.Emit(managerPath, "org.freedesktop.bolt1.Manager.DeviceAdded", ObjectPath(uid))
}

func (m *Manager) emitDeviceRemoved(uid string) {
	if m.conn == nil {
		return
	}
	_ = m.conn.Emit(managerPath, "org.freedesktop.bolt1.Manager.DeviceRemoved", ObjectPath(uid))
}

func (m *Manager) emitDomainAdded(uid string) {
	if m.conn == nil {
		return
	}
	_ = m.conn.Emit(managerPath, "org.freedesktop.bolt1.Manager.DomainAdded", DomainObjectPath(uid))
}

func (m *Manager) emitDomainRemoved(uid string) {
	if m.conn == nil {
		return
	}
	_ = m.conn.Emit(managerPath, "org.freedesktop.bolt1.Manager.DomainRemoved", DomainObjectPath(uid))
}

// ListDevices returns the object paths of every in-memory device,
// whether connected or merely stored (spec.md §6).
func (m *Manager) ListDevices() []dbus.ObjectPath {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]dbus.ObjectPath, 0, len(m.devices))
	for uid := range m.devices {
		paths = append(paths, ObjectPath(uid))
	}
	return paths
}

// DeviceByUid resolves uid to its object path.
func (m *Manager) DeviceByUid(uid string) (dbus.ObjectPath, error) {
	m.mu.Lock()
	_, ok := m.devices[uid]
	m.mu.Unlock()
	if !ok {
		return "", boltderr.New(boltderr.KindNotFound, "no such device %s", uid)
	}
	return ObjectPath(uid), nil
}

// EnrollDevice records uid as stored with the given policy and always
// immediately authorizes it (spec.md §4.11; original_source's
// boltctl-enroll.c's flags argument is a BoltAuthCtrl control-bit set,
// not an authorize-or-not switch — enroll is unconditional).
func (m *Manager) EnrollDevice(uid, policy, authflags string) (dbus.ObjectPath, error) {
	m.mu.Lock()
	d, ok := m.devices[uid]
	m.mu.Unlock()
	if !ok {
		return "", boltderr.New(boltderr.KindNotFound, "no such device %s", uid)
	}

	d.Policy = device.Policy(policy)
	rec := store.DeviceRecord{Uid: uid, Name: d.Name, Vendor: d.Vendor, Policy: policy}
	if err := m.store.PutDevice(rec, nil); err != nil {
		return "", err
	}
	d.Stored = true
	d.StoreTime = time.Now()
	_ = m.jrnl.Put(uid, journal.OpUpdate)

	if err := m.Authorize(uid, authflags); err != nil {
		return "", err
	}
	return ObjectPath(uid), nil
}

// Authorize starts an asynchronous authorization task at the strongest
// security level the device's domain supports (spec.md §4.9, §4.11):
// authflags carries BoltAuthCtrl-style control bits, not a level to
// negotiate against, so negotiation always runs against the domain's
// own ceiling. Its result is applied back on the main loop via
// m.authDone, matching spec.md §5's worker-to-main-loop completion
// callback.
func (m *Manager) Authorize(uid, authflags string) error {
	m.mu.Lock()
	d, ok := m.devices[uid]
	m.mu.Unlock()
	if !ok {
		return boltderr.New(boltderr.KindNotFound, "no such device %s", uid)
	}

	m.mu.Lock()
	dom := m.domains.FindId(d.Parent)
	m.mu.Unlock()

	domainSecurity := sysfs.SecurityNone
	if dom != nil {
		domainSecurity = sysfs.SecurityLevel(dom.Security)
	}
	level := auth.NegotiateLevel(sysfs.SecuritySecure, domainSecurity)

	var k *key.Key
	if level == sysfs.SecuritySecure {
		if m.store.HaveKey(uid) {
			loaded, err := m.store.GetKey(uid)
			if err != nil {
				return err
			}
			k = loaded
		} else {
			generated, _, err := key.Generate()
			if err != nil {
				return err
			}
			k = generated
		}
	}

	t := auth.New(sysfs.NewDevice(d.Syspath), auth.OriginUser, level, k)
	if err := d.BeginAuthorize(t); err != nil {
		return err
	}

	m.mu.Lock()
	pw := m.power[d.Parent]
	m.mu.Unlock()
	if pw != nil && pw.Supported() {
		if err := pw.Acquire(); err != nil {
			log.WithError(err).WithField("uid", uid).Warn("force-power acquire for authorization failed")
			pw = nil
		}
	} else {
		pw = nil
	}

	t.Start(context.Background())

	go func() {
		<-t.Done()
		if pw != nil {
			if err := pw.Release(); err != nil {
				log.WithError(err).WithField("uid", uid).Warn("force-power release after authorization failed")
			}
		}
		select {
		case m.authDone <- func() { m.completeAuthorize(uid, d, t, k) }:
		case <-m.stop:
		}
	}()

	return nil
}

// completeAuthorize applies an authorization task's outcome. It runs
// on the main loop (dispatched from eventLoop via m.authDone), keeping
// device and store mutation single-threaded per spec.md §5.
func (m *Manager) completeAuthorize(uid string, d *device.Device, t *auth.Task, k *key.Key) {
	_, result, err := t.Check()

	d.CompleteAuthorize(result.Level, result.KeyWasNew, err)

	if err == nil {
		if k != nil && result.KeyWasNew {
			if serr := m.store.SaveKey(uid, k); serr != nil {
				log.WithError(serr).WithField("uid", uid).Warn("failed to persist new key")
			}
		}
		d.Stored = true
		d.StoreTime = time.Now()
		rec := store.DeviceRecord{Uid: uid, Name: d.Name, Vendor: d.Vendor, Policy: string(d.Policy)}
		if serr := m.store.PutDevice(rec, nil); serr != nil {
			log.WithError(serr).WithField("uid", uid).Warn("failed to persist authorized device record")
		}

		if d.Policy == device.PolicyAuto {
			m.mu.Lock()
			dom := m.domains.FindId(d.Parent)
			m.mu.Unlock()
			if dom != nil && dom.ACL != nil {
				if _, aerr := dom.ACL.Add(uid); aerr != nil && boltderr.KindOf(aerr) != boltderr.KindExists {
					log.WithError(aerr).WithField("uid", uid).Warn("failed to add device to boot acl")
				}
			}
		}
	}

	_ = m.jrnl.Put(uid, journal.OpUpdate)

	m.mu.Lock()
	obj := m.objects[uid]
	m.mu.Unlock()
	if obj != nil {
		obj.Notify("Status")
		obj.Notify("AuthFlags")
		obj.Notify("Key")
	}
}

// ForgetDevice deletes uid's stored record and key, and drops the
// in-memory device entirely once it is both disconnected and no
// longer stored (spec.md §3 Lifecycle).
func (m *Manager) ForgetDevice(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[uid]
	if !ok {
		return boltderr.New(boltderr.KindNotFound, "no such device %s", uid)
	}

	if err := m.store.DeleteDevice(uid); err != nil {
		return err
	}
	_ = m.store.DeleteKey(uid)
	d.Stored = false
	_ = m.jrnl.Put(uid, journal.OpRemove)

	if dom := m.domains.FindId(d.Parent); dom != nil && dom.ACL != nil {
		dom.ACL.Del(uid)
	}

	if d.CurrentState() == device.StateDisconnected {
		delete(m.devices, uid)
		_ = m.unexportDeviceLocked(uid)
	}
	return nil
}

// AcquireGuard creates a new "keep powered" ticket against the
// controller owning domainUid, matching spec.md §4.6's
// Power.acquire()->Guard flow: the returned guard id names the state
// file and FIFO a client uses to release its hold by closing its end.
// who is a free-form requester label persisted for diagnostics.
func (m *Manager) AcquireGuard(domainUid, who string) (string, error) {
	m.mu.Lock()
	pw, ok := m.power[domainUid]
	m.mu.Unlock()
	if !ok || !pw.Supported() {
		return "", boltderr.New(boltderr.KindNotFound, "domain %s has no controllable power", domainUid)
	}

	id := uuid.New().String()
	g := guard.New(m.cfg.StateDir(), id, who, 0)
	if err := g.Persist(); err != nil {
		return "", err
	}
	if _, err := g.Monitor(); err != nil {
		return "", err
	}
	if err := pw.Acquire(); err != nil {
		_ = g.Cleanup()
		return "", err
	}

	m.mu.Lock()
	m.guards[id] = g
	m.mu.Unlock()

	go m.watchGuardRelease(id, pw, g)

	return id, nil
}

// watchGuardRelease waits for a guard's FIFO hangup and releases the
// corresponding power reference and on-disk state.
func (m *Manager) watchGuardRelease(id string, pw *guard.Power, g *guard.Guard) {
	select {
	case <-g.Released():
	case <-m.stop:
		return
	}

	if err := pw.Release(); err != nil {
		log.WithError(err).WithField("guard", id).Warn("power release failed")
	}
	if err := g.Cleanup(); err != nil {
		log.WithError(err).WithField("guard", id).Warn("guard cleanup failed")
	}

	m.mu.Lock()
	delete(m.guards, id)
	m.mu.Unlock()
}
