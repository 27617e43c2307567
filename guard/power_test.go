package guard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPower(t *testing.T) (*Power, string) {
	t.Helper()
	dir := t.TempDir()
	attr := filepath.Join(dir, "force_power")
	require.NoError(t, os.WriteFile(attr, []byte("0"), 0644))
	return NewPower(dir), attr
}

func TestPowerSupported(t *testing.T) {
	p, _ := newPower(t)
	assert.True(t, p.Supported())

	unsupported := NewPower(t.TempDir())
	assert.False(t, unsupported.Supported())
}

func TestPowerAcquireWritesOnceForMultipleHolders(t *testing.T) {
	p, attr := newPower(t)

	require.NoError(t, p.Acquire())
	require.NoError(t, p.Acquire())
	assert.Equal(t, 2, p.Count())

	data, err := os.ReadFile(attr)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestPowerReleaseWritesZeroOnlyAtLastHolder(t *testing.T) {
	p, attr := newPower(t)

	require.NoError(t, p.Acquire())
	require.NoError(t, p.Acquire())
	require.NoError(t, p.Release())

	data, err := os.ReadFile(attr)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data), "still held once, must stay powered")

	require.NoError(t, p.Release())
	data, err = os.ReadFile(attr)
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))
}

func TestPowerReleaseWithoutAcquireErrors(t *testing.T) {
	p, _ := newPower(t)
	require.Error(t, p.Release())
}
