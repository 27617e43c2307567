package udev

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawUevent(action, devpath string, fields ...string) []byte {
	parts := []string{action + "@" + devpath}
	parts = append(parts, fields...)
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

func TestParseUeventAcceptsMatchingSubsystem(t *testing.T) {
	raw := rawUevent("add", "/devices/pci0000:00/0000:00:0d.2/domain0",
		"ACTION=add", "SUBSYSTEM=thunderbolt")
	ev, ok := parseUevent(raw)
	require.True(t, ok)
	assert.Equal(t, ActionAdd, ev.Action)
	assert.Equal(t, "/sys/devices/pci0000:00/0000:00:0d.2/domain0", ev.Syspath)
}

func TestParseUeventRejectsOtherSubsystems(t *testing.T) {
	raw := rawUevent("add", "/devices/virtual/net/eth0",
		"ACTION=add", "SUBSYSTEM=net")
	_, ok := parseUevent(raw)
	assert.False(t, ok)
}

func TestParseUeventRejectsUnknownAction(t *testing.T) {
	raw := rawUevent("bind", "/devices/pci0000:00/domain0",
		"ACTION=bind", "SUBSYSTEM=thunderbolt")
	_, ok := parseUevent(raw)
	assert.False(t, ok)
}

func TestParseUeventMalformedHeader(t *testing.T) {
	_, ok := parseUevent([]byte("not-a-header\x00SUBSYSTEM=thunderbolt\x00"))
	assert.False(t, ok)
}

func TestEnumerateOrdersParentsFirst(t *testing.T) {
	root := t.TempDir()
	busRoot := filepath.Join(root, "bus")
	devicesRoot := filepath.Join(root, "devices")
	require.NoError(t, os.MkdirAll(busRoot, 0755))
	require.NoError(t, os.MkdirAll(devicesRoot, 0755))

	domain := filepath.Join(devicesRoot, "domain0")
	peripheral := filepath.Join(devicesRoot, "0-1")
	require.NoError(t, os.MkdirAll(domain, 0755))
	require.NoError(t, os.MkdirAll(peripheral, 0755))

	require.NoError(t, os.Symlink(domain, filepath.Join(busRoot, "domain0")))
	require.NoError(t, os.Symlink(peripheral, filepath.Join(busRoot, "0-1")))

	events, err := Enumerate(busRoot)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain, events[0].Syspath)
	assert.Equal(t, peripheral, events[1].Syspath)
}

func TestEnumerateMissingRootIsEmpty(t *testing.T) {
	events, err := Enumerate(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, events)
}
