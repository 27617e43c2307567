package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.journal")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestPutThenListRoundTrip(t *testing.T) {
	j, _ := newJournal(t)
	require.NoError(t, j.Put("u1", OpAdd))

	entries, err := j.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].Uid)
	assert.Equal(t, OpAdd, entries[0].Op)
}

func TestPutTimestampsMonotonicNonDecreasing(t *testing.T) {
	j, _ := newJournal(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Put("u", OpAdd))
	}
	entries, err := j.List()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i].TimeUsec, entries[i-1].TimeUsec)
	}
}

func TestTruncatedTrailingLineYieldsPrefix(t *testing.T) {
	j, path := newJournal(t)
	require.NoError(t, j.Put("u1", OpAdd))
	require.NoError(t, j.Put("u2", OpRemove))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Truncate mid-way through the second (20-byte) line.
	truncated := data[:len(data)-5]
	require.NoError(t, os.WriteFile(path, truncated, 0o600))

	entries, err := List(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].Uid)
}

func TestPutDiffCompactionOrderAndNoLockFile(t *testing.T) {
	j, path := newJournal(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, j.Put("seed", OpAdd))
	}

	require.NoError(t, j.PutDiff([]DiffEntry{
		{Uid: "u_a", Op: OpRemove},
		{Uid: "u_b", Op: OpAdd},
	}))

	entries, err := j.List()
	require.NoError(t, err)
	require.Len(t, entries, 102)
	assert.Equal(t, "u_a", entries[100].Uid)
	assert.Equal(t, OpRemove, entries[100].Op)
	assert.Equal(t, "u_b", entries[101].Uid)
	assert.Equal(t, OpAdd, entries[101].Op)

	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestPutDiffAppendsAfterCompaction(t *testing.T) {
	j, _ := newJournal(t)
	require.NoError(t, j.Put("u0", OpAdd))
	require.NoError(t, j.PutDiff([]DiffEntry{{Uid: "u1", Op: OpAdd}}))

	// journal handle must still be usable (reopened in append mode)
	require.NoError(t, j.Put("u2", OpAdd))

	entries, err := j.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "u2", entries[2].Uid)
}

func TestResetTruncatesToZero(t *testing.T) {
	j, path := newJournal(t)
	require.NoError(t, j.Put("u1", OpAdd))
	require.NoError(t, j.Reset())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	entries, err := j.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvalidOpRejected(t *testing.T) {
	j, _ := newJournal(t)
	err := j.Put("u1", Op('x'))
	require.Error(t, err)
}
