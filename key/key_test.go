package key

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gicmo/bolt-sub000/boltderr"
)

func TestGenerateProducesFreshHexKey(t *testing.T) {
	k, source, err := Generate()
	require.NoError(t, err)
	assert.True(t, k.Fresh())
	assert.Len(t, k.Hex(), HexSize)
	assert.NotEmpty(t, source)
}

func TestSaveLoadRoundTripByteExact(t *testing.T) {
	k, _, err := Generate()
	require.NoError(t, err)
	hexBefore := k.Hex()

	path := filepath.Join(t.TempDir(), "keys", "uid-1")
	require.NoError(t, k.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, hexBefore, loaded.Hex())
	assert.False(t, loaded.Fresh())
}

func TestLoadRejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("deadbeef"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, boltderr.KindBadKey, boltderr.KindOf(err))
}

func TestLoadMissingIsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, boltderr.KindNotFound, boltderr.KindOf(err))
}

func TestZeroClearsBytes(t *testing.T) {
	k, _, err := Generate()
	require.NoError(t, err)
	k.Zero()
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000"[:HexSize], k.Hex())
	assert.False(t, k.Fresh())
}

func TestWriteToKernelFreshYieldsUser(t *testing.T) {
	k, _, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key-attr")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer f.Close()

	level, err := k.WriteToKernel(f)
	require.NoError(t, err)
	assert.Equal(t, "user", string(level))
}

func TestWriteToKernelNonFreshYieldsSecure(t *testing.T) {
	k, _, err := Generate()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "k")
	require.NoError(t, k.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	attr := filepath.Join(t.TempDir(), "key-attr")
	f, err := os.OpenFile(attr, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer f.Close()

	level, err := loaded.WriteToKernel(f)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(level))
}
