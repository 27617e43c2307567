package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListInsertKeepsDescendingSortKeyOrder(t *testing.T) {
	l := NewList()
	l.Insert(&Domain{Uid: "d1", SortKey: 5})
	l.Insert(&Domain{Uid: "d2", SortKey: 9})
	l.Insert(&Domain{Uid: "d3", SortKey: 1})
	l.Insert(&Domain{Uid: "d4", SortKey: 5})

	var uids []string
	for _, d := range l.All() {
		uids = append(uids, d.Uid)
	}
	assert.Equal(t, []string{"d2", "d1", "d4", "d3"}, uids)
}

func TestFindId(t *testing.T) {
	l := NewList()
	l.Insert(&Domain{Uid: "d1", SortKey: 1})
	require.NotNil(t, l.FindId("d1"))
	assert.Nil(t, l.FindId("missing"))
}

func TestRemovePreservesOrder(t *testing.T) {
	l := NewList()
	l.Insert(&Domain{Uid: "d1", SortKey: 3})
	l.Insert(&Domain{Uid: "d2", SortKey: 2})
	l.Insert(&Domain{Uid: "d3", SortKey: 1})

	assert.True(t, l.Remove("d2"))
	assert.False(t, l.Remove("d2"))

	var uids []string
	for _, d := range l.All() {
		uids = append(uids, d.Uid)
	}
	assert.Equal(t, []string{"d1", "d3"}, uids)
}

func TestBootACLSlotsAndContains(t *testing.T) {
	a := NewBootACL(3)
	cap, free := a.Slots()
	assert.Equal(t, 3, cap)
	assert.Equal(t, 3, free)

	_, err := a.Add("u1")
	require.NoError(t, err)
	assert.True(t, a.Contains("u1"))
	_, free = a.Slots()
	assert.Equal(t, 2, free)
}

func TestBootACLAllocatePrefersNeverOccupied(t *testing.T) {
	a := NewBootACL(3)
	_, err := a.Allocate(nil, "u1")
	require.NoError(t, err)
	_, err = a.Allocate([]string{"u1", "", ""}, "u2")
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2"}, a.Used())
}

func TestBootACLAllocateFallsBackToFIFOWhenFull(t *testing.T) {
	a := NewBootACL(2)
	_, err := a.Allocate(nil, "u1")
	require.NoError(t, err)
	_, err = a.Allocate([]string{"u1", ""}, "u2")
	require.NoError(t, err)

	// Both slots now occupied and both have been "ever used"; a third
	// allocation must evict the oldest (slot 0 = u1).
	idx, err := a.Allocate([]string{"u1", "u2"}, "u3")
	require.NoError(t, err)
	assert.False(t, a.Contains("u1"))
	assert.True(t, a.Contains("u3"))
	assert.Equal(t, 1, idx)
}

func TestBootACLAllocateRejectsDuplicate(t *testing.T) {
	a := NewBootACL(2)
	_, err := a.Add("u1")
	require.NoError(t, err)
	_, err = a.Add("u1")
	require.Error(t, err)
}

func TestBootACLSetValidatesLength(t *testing.T) {
	a := NewBootACL(2)
	require.Error(t, a.Set([]string{"u1"}))
	require.NoError(t, a.Set([]string{"u1", "u2"}))
	assert.Equal(t, []string{"u1", "u2"}, a.Used())
}

func TestBootACLDel(t *testing.T) {
	a := NewBootACL(2)
	_, err := a.Add("u1")
	require.NoError(t, err)
	assert.True(t, a.Del("u1"))
	assert.False(t, a.Del("u1"))
	assert.False(t, a.Contains("u1"))
}
