package policy_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadazmy/qbd/internal/policy"
)

func Test_Lookup_Misses_On_Empty_Policy(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	_, ok := p.Lookup(0)
	assert.False(t, ok)
	assert.Zero(t, p.Len())
}

func Test_Insert_Then_Lookup_Returns_Slot(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	require.NoError(t, p.Insert(10, 2))

	slot, ok := p.Lookup(10)
	require.True(t, ok)
	assert.Equal(t, uint32(2), slot)
	assert.Equal(t, 1, p.Len())
}

func Test_Insert_Fails_For_Duplicate_Global(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	require.NoError(t, p.Insert(10, 2))
	require.ErrorIs(t, p.Insert(10, 3), policy.ErrExists)
}

func Test_PopLRU_Returns_Least_Recently_Used_Entry(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	require.NoError(t, p.Insert(1, 0))
	require.NoError(t, p.Insert(2, 1))
	require.NoError(t, p.Insert(3, 2))

	// Touch 1 so 2 becomes the oldest.
	_, ok := p.Lookup(1)
	require.True(t, ok)

	g, slot, ok := p.PopLRU()
	require.True(t, ok)
	assert.Equal(t, uint32(2), g)
	assert.Equal(t, uint32(1), slot)

	// 3 is next, then 1.
	g, _, ok = p.PopLRU()
	require.True(t, ok)
	assert.Equal(t, uint32(3), g)

	g, _, ok = p.PopLRU()
	require.True(t, ok)
	assert.Equal(t, uint32(1), g)

	_, _, ok = p.PopLRU()
	assert.False(t, ok)
}

func Test_Peek_Does_Not_Change_Recency(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	require.NoError(t, p.Insert(1, 0))
	require.NoError(t, p.Insert(2, 1))

	slot, ok := p.Peek(1)
	require.True(t, ok)
	assert.Equal(t, uint32(0), slot)

	// 1 was peeked, not touched; it is still the LRU victim.
	g, _, ok := p.PopLRU()
	require.True(t, ok)
	assert.Equal(t, uint32(1), g)
}

func Test_PopLRU_Removes_Entry_From_Map(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	require.NoError(t, p.Insert(1, 0))

	_, _, ok := p.PopLRU()
	require.True(t, ok)

	_, ok = p.Lookup(1)
	assert.False(t, ok)

	// The global can be reinserted at a different slot.
	require.NoError(t, p.Insert(1, 3))

	slot, ok := p.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint32(3), slot)
}

func Test_TakeFree_And_Release_Track_The_Free_Set(t *testing.T) {
	t.Parallel()

	p := policy.New(4)

	_, ok := p.TakeFree()
	assert.False(t, ok)

	p.Release(0)
	p.Release(1)
	assert.Equal(t, 2, p.FreeCount())

	s1, ok := p.TakeFree()
	require.True(t, ok)

	s2, ok := p.TakeFree()
	require.True(t, ok)

	assert.ElementsMatch(t, []uint32{0, 1}, []uint32{s1, s2})

	_, ok = p.TakeFree()
	assert.False(t, ok)
}

func Test_IterLRU_Returns_Entries_From_Least_To_Most_Recent(t *testing.T) {
	t.Parallel()

	p := policy.New(8)

	require.NoError(t, p.Insert(1, 0))
	require.NoError(t, p.Insert(2, 1))
	require.NoError(t, p.Insert(3, 2))

	// Touch 2: order becomes 1, 3, 2.
	_, ok := p.Lookup(2)
	require.True(t, ok)

	want := []policy.Entry{
		{Global: 1, Slot: 0},
		{Global: 3, Slot: 2},
		{Global: 2, Slot: 1},
	}

	if diff := cmp.Diff(want, p.IterLRU()); diff != "" {
		t.Errorf("IterLRU mismatch (-want +got):\n%s", diff)
	}
}

func Test_IterLRU_Snapshot_Is_Stable_Across_Later_Mutations(t *testing.T) {
	t.Parallel()

	p := policy.New(8)

	require.NoError(t, p.Insert(1, 0))
	require.NoError(t, p.Insert(2, 1))

	snapshot := p.IterLRU()

	_, _, ok := p.PopLRU()
	require.True(t, ok)

	want := []policy.Entry{{Global: 1, Slot: 0}, {Global: 2, Slot: 1}}
	assert.Equal(t, want, snapshot)
}

func Test_Arena_Reuses_Nodes_Across_Pop_And_Insert_Cycles(t *testing.T) {
	t.Parallel()

	p := policy.New(2)

	// Many cycles through a capacity-2 policy must not leak and must
	// preserve LRU order throughout.
	for i := uint32(0); i < 1000; i++ {
		require.NoError(t, p.Insert(i, i%2))

		if p.Len() == 2 {
			g, _, ok := p.PopLRU()
			require.True(t, ok)
			assert.Equal(t, i-1, g)
		}
	}

	assert.Equal(t, 1, p.Len())
}
