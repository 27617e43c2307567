package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gicmo/bolt-sub000/bconfig"
	"github.com/gicmo/bolt-sub000/device"
	"github.com/gicmo/bolt-sub000/domain"
	"github.com/gicmo/bolt-sub000/guard"
	"github.com/gicmo/bolt-sub000/key"
	"github.com/gicmo/bolt-sub000/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	cfg := bconfig.Default()
	cfg.Store.Root = filepath.Join(root, "store")
	cfg.Store.StateDir = filepath.Join(root, "state")

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.jrnl.Close() })
	return m
}

// drainAuthDone waits for the completion callback Authorize posts after
// its worker finishes, and runs it inline, standing in for eventLoop's
// "case cb := <-m.authDone: cb()" branch since no such loop is running
// in these unit tests.
func drainAuthDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case cb := <-m.authDone:
		cb()
	case <-time.After(2 * time.Second):
		t.Fatal("authorization never completed")
	}
}

func TestObjectPathSubstitutesDashes(t *testing.T) {
	assert.Equal(t, "/org/freedesktop/bolt/devices/00_01", string(ObjectPath("00-01")))
	assert.Equal(t, "/org/freedesktop/bolt/domains/domain_0", string(DomainObjectPath("domain-0")))
}

func TestDeviceByUidUnknownIsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.DeviceByUid("nope")
	require.Error(t, err)
}

func TestEnrollDeviceRequiresKnownDevice(t *testing.T) {
	m := newTestManager(t)
	_, err := m.EnrollDevice("unknown-uid", "manual", "")
	require.Error(t, err)
}

func TestEnrollDevicePersistsRecordAndListsIt(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-1")
	d.Name = "Dock"
	m.devices["uid-1"] = d

	path, err := m.EnrollDevice("uid-1", "auto", "")
	require.NoError(t, err)
	assert.Equal(t, ObjectPath("uid-1"), path)
	assert.True(t, d.Stored)

	rec, err := m.store.GetDevice("uid-1")
	require.NoError(t, err)
	assert.Equal(t, "Dock", rec.Name)
	assert.Equal(t, "auto", rec.Policy)

	paths := m.ListDevices()
	assert.Contains(t, paths, ObjectPath("uid-1"))
}

func TestForgetDeviceDropsDisconnectedDevice(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-2")
	m.devices["uid-2"] = d
	require.NoError(t, m.store.PutDevice(store.DeviceRecord{Uid: "uid-2", Name: d.Name, Policy: "manual"}, nil))
	d.Stored = true

	require.NoError(t, m.ForgetDevice("uid-2"))

	_, known := m.devices["uid-2"]
	assert.False(t, known)
	_, err := m.store.GetDevice("uid-2")
	assert.Error(t, err)
}

func TestForgetDeviceKeepsConnectedDeviceRecordInMemory(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-3")
	d.State = device.StateConnected
	m.devices["uid-3"] = d
	require.NoError(t, m.store.PutDevice(store.DeviceRecord{Uid: "uid-3", Name: d.Name, Policy: "manual"}, nil))
	d.Stored = true

	require.NoError(t, m.ForgetDevice("uid-3"))

	got, known := m.devices["uid-3"]
	require.True(t, known)
	assert.False(t, got.Stored)
}

func TestAuthorizeUnknownDeviceReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.Authorize("nope", "user")
	require.Error(t, err)
}

func TestAuthorizeAtDomainNoneAutoCompletesAsDponly(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-4")
	d.Syspath = t.TempDir()
	d.Parent = "domain0"
	m.devices["uid-4"] = d
	m.domains.Insert(&domain.Domain{Uid: "domain0", SortKey: 0, Security: domain.SecurityNone})

	require.NoError(t, m.Authorize("uid-4", "user"))
	drainAuthDone(t, m)

	assert.Equal(t, device.StateAuthorizedDponly, d.CurrentState())
	assert.True(t, d.Stored)
}

func TestAuthorizeRefusesConcurrentRequest(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-5")
	d.Syspath = t.TempDir()
	m.devices["uid-5"] = d

	require.NoError(t, m.Authorize("uid-5", "user"))
	err := m.Authorize("uid-5", "user")
	require.Error(t, err)

	drainAuthDone(t, m)
}

func TestCompleteAuthorizeAddsAutoPolicyDeviceToBootACL(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-6")
	d.Syspath = t.TempDir()
	d.Parent = "domain1"
	d.Policy = device.PolicyAuto
	m.devices["uid-6"] = d

	dom := &domain.Domain{Uid: "domain1", SortKey: 1, Security: domain.SecurityNone}
	dom.ACL = domain.NewBootACL(4)
	m.domains.Insert(dom)

	require.NoError(t, m.Authorize("uid-6", "user"))
	drainAuthDone(t, m)

	assert.True(t, dom.ACL.Contains("uid-6"))
}

// TestEnrollDeviceAlwaysAuthorizes guards against the authorize call
// being gated on a non-empty authflags string: the canonical enroll
// call passes authflags="" and must still authorize (spec.md §8
// scenario 2).
func TestEnrollDeviceAlwaysAuthorizes(t *testing.T) {
	m := newTestManager(t)
	syspath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(syspath, "key"), nil, 0o600))

	d := device.New("uid-8")
	d.Syspath = syspath
	d.Parent = "domain3"
	m.devices["uid-8"] = d
	m.domains.Insert(&domain.Domain{Uid: "domain3", SortKey: 3, Security: domain.SecuritySecure})

	_, err := m.EnrollDevice("uid-8", "auto", "")
	require.NoError(t, err)
	drainAuthDone(t, m)

	assert.Equal(t, device.StateAuthorizedNewkey, d.CurrentState())
	assert.Equal(t, device.FlagNone, d.AuthFlags)
	assert.True(t, m.store.HaveKey("uid-8"))
}

// TestAuthorizeIgnoresAuthflagsAsLevelAndUsesDomainCeiling guards
// against authflags being parsed as a requested security level: a
// secure domain must still negotiate to secure regardless of what the
// (control-bit) authflags string contains.
func TestAuthorizeIgnoresAuthflagsAsLevelAndUsesDomainCeiling(t *testing.T) {
	m := newTestManager(t)
	syspath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(syspath, "key"), nil, 0o600))

	d := device.New("uid-9")
	d.Syspath = syspath
	d.Parent = "domain4"
	m.devices["uid-9"] = d
	m.domains.Insert(&domain.Domain{Uid: "domain4", SortKey: 4, Security: domain.SecuritySecure})

	require.NoError(t, m.Authorize("uid-9", "none"))
	drainAuthDone(t, m)

	assert.Equal(t, device.StateAuthorizedNewkey, d.CurrentState())
}

// TestAuthorizeWithExistingKeyYieldsSecureFlag guards against the
// newkey/secure distinction being derived from the negotiated level
// instead of whether the key used was freshly generated.
func TestAuthorizeWithExistingKeyYieldsSecureFlag(t *testing.T) {
	m := newTestManager(t)
	syspath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(syspath, "key"), nil, 0o600))

	d := device.New("uid-10")
	d.Syspath = syspath
	d.Parent = "domain5"
	m.devices["uid-10"] = d
	m.domains.Insert(&domain.Domain{Uid: "domain5", SortKey: 5, Security: domain.SecuritySecure})

	existing, err := key.FromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.NoError(t, m.store.SaveKey("uid-10", existing))

	require.NoError(t, m.Authorize("uid-10", ""))
	drainAuthDone(t, m)

	assert.Equal(t, device.StateAuthorizedSecure, d.CurrentState())
	assert.Equal(t, device.FlagSecure, d.AuthFlags)
}

// TestAuthorizeAcquiresAndReleasesForcePower guards against force
// power only ever being held via AcquireGuard: a domain with a
// force_power attribute must have it held for the duration of an
// authorization task too (spec.md §4.6).
func TestAuthorizeAcquiresAndReleasesForcePower(t *testing.T) {
	m := newTestManager(t)
	domSyspath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(domSyspath, "force_power"), []byte("0"), 0o644))

	d := device.New("uid-11")
	d.Syspath = t.TempDir()
	d.Parent = "domain6"
	m.devices["uid-11"] = d
	m.domains.Insert(&domain.Domain{Uid: "domain6", SortKey: 6, Security: domain.SecurityNone})

	pw := guard.NewPower(domSyspath)
	m.power["domain6"] = pw

	require.NoError(t, m.Authorize("uid-11", "user"))
	drainAuthDone(t, m)

	assert.Equal(t, 0, pw.Count(), "acquire/release around the task must balance")
}

func TestForgetDeviceRemovesFromBootACL(t *testing.T) {
	m := newTestManager(t)
	d := device.New("uid-7")
	d.Parent = "domain2"
	m.devices["uid-7"] = d
	require.NoError(t, m.store.PutDevice(store.DeviceRecord{Uid: "uid-7", Name: d.Name, Policy: "auto"}, nil))
	d.Stored = true

	dom := &domain.Domain{Uid: "domain2", SortKey: 2, Security: domain.SecurityNone}
	dom.ACL = domain.NewBootACL(4)
	_, err := dom.ACL.Add("uid-7")
	require.NoError(t, err)
	m.domains.Insert(dom)

	require.NoError(t, m.ForgetDevice("uid-7"))

	assert.False(t, dom.ACL.Contains("uid-7"))
}

func TestAcquireGuardRequiresKnownDomain(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AcquireGuard("nope", "tester")
	require.Error(t, err)
}

func TestManagerActionIDsCoverSensitiveMembers(t *testing.T) {
	for _, member := range []string{"EnrollDevice", "Authorize", "ForgetDevice", "RequestPower"} {
		_, ok := managerActionIDs[member]
		assert.True(t, ok, "missing action id for %s", member)
	}
	_, ok := managerActionIDs["ListDevices"]
	assert.False(t, ok, "ListDevices should require no policy check")
}

func TestSetPolicyCheckInstallsChecker(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.policyCheck)

	called := false
	m.SetPolicyCheck(func(ctx context.Context, actionID string) (bool, error) {
		called = true
		return actionID == "org.freedesktop.bolt.enroll", nil
	})
	require.NotNil(t, m.policyCheck)

	allowed, err := m.policyCheck(context.Background(), "org.freedesktop.bolt.enroll")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.True(t, called)
}
