package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gicmo/bolt-sub000/key"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetDeviceRoundTrip(t *testing.T) {
	s := newStore(t)
	k, _, err := key.Generate()
	require.NoError(t, err)

	rec := DeviceRecord{Uid: "u1", Name: "Laptop", Vendor: "GNOME.org", Policy: "auto"}
	require.NoError(t, s.PutDevice(rec, k))

	got, err := s.GetDevice("u1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, s.HaveKey("u1"))

	loadedKey, err := s.GetKey("u1")
	require.NoError(t, err)
	assert.Equal(t, k.Hex(), loadedKey.Hex())
}

func TestGetDeviceMissingIsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetDevice("missing")
	require.Error(t, err)
}

func TestListUidsExcludesDotfiles(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutDevice(DeviceRecord{Uid: "u1", Policy: "manual"}, nil))
	require.NoError(t, s.PutDevice(DeviceRecord{Uid: "u2", Policy: "manual"}, nil))

	devicesDirPath := filepath.Join(s.root, devicesDir)
	require.NoError(t, os.WriteFile(filepath.Join(devicesDirPath, ".hidden"), []byte("x"), 0o600))

	uids, err := s.ListUids()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, uids)
}

func TestPutDeviceAtomicNoPartialFileOnInspection(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutDevice(DeviceRecord{Uid: "u1", Name: "A", Policy: "manual"}, nil))

	entries, err := os.ReadDir(filepath.Join(s.root, devicesDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].Name())
}

func TestDomainRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutDomain(DomainRecord{Uid: "d0", BootACL: []string{"u1", "u2"}}))

	got, err := s.GetDomain("d0")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got.BootACL)
}

func TestGlobalConfigDefaultsWhenMissing(t *testing.T) {
	s := newStore(t)
	cfg, err := s.GetGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, GlobalConfig{}, cfg)
}

func TestGlobalConfigRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.PutGlobalConfig(GlobalConfig{DefaultPolicy: "auto", AuthMode: "enabled"}))

	cfg, err := s.GetGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.DefaultPolicy)
	assert.Equal(t, "enabled", cfg.AuthMode)
}

func TestDeleteDeviceAndKey(t *testing.T) {
	s := newStore(t)
	k, _, err := key.Generate()
	require.NoError(t, err)
	require.NoError(t, s.PutDevice(DeviceRecord{Uid: "u1", Policy: "manual"}, k))

	require.NoError(t, s.DeleteDevice("u1"))
	_, err = s.GetDevice("u1")
	require.Error(t, err)

	require.True(t, s.HaveKey("u1")) // key deletion is independent per spec §4.4
	require.NoError(t, s.DeleteKey("u1"))
	require.False(t, s.HaveKey("u1"))
}
