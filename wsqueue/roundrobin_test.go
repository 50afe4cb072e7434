package wsqueue_test

import (
	"testing"

	"github.com/go-foundations/kernel/wsqueue"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinAppendFillsEverySlot(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](3)
	a, b, c := 1, 2, 3
	require.True(t, r.Append(&a))
	require.True(t, r.Append(&b))
	require.True(t, r.Append(&c))
	require.Equal(t, 3, r.Len())
}

func TestRoundRobinFullReturnsFalse(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](1)
	a, b := 1, 2
	require.True(t, r.Append(&a))
	require.False(t, r.Append(&b))
}

func TestRoundRobinRemove(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](2)
	a, b := 1, 2
	r.Append(&a)
	r.Append(&b)
	require.True(t, r.Remove(&a))
	require.Equal(t, 1, r.Len())
	require.False(t, r.Remove(&a))
}

func TestRoundRobinNextCyclesAllSlots(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](3)
	vals := []int{1, 2, 3}
	for i := range vals {
		r.Append(&vals[i])
	}

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		v, ok := r.Next()
		require.True(t, ok)
		seen[*v] = true
	}
	require.Len(t, seen, 3)
}

func TestRoundRobinNextEmptyRing(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](2)
	_, ok := r.Next()
	require.False(t, ok)
}

func TestRoundRobinForEachStopsEarly(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](3)
	vals := []int{1, 2, 3}
	for i := range vals {
		r.Append(&vals[i])
	}

	visited := 0
	r.ForEach(func(*int) bool {
		visited++
		return visited < 2
	})
	require.Equal(t, 2, visited)
}

func TestRoundRobinApplyStopsOnAccept(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](3)
	vals := []int{1, 2, 3}
	for i := range vals {
		r.Append(&vals[i])
	}

	offered := 0
	ok := r.Apply(func(v *int) bool {
		offered++
		return *v == 2
	})
	require.True(t, ok)
	require.LessOrEqual(t, offered, 3)
}

func TestRoundRobinApplyBoundsRejectionToOnePass(t *testing.T) {
	r := wsqueue.NewRoundRobin[int](3)
	vals := []int{1, 2, 3}
	for i := range vals {
		r.Append(&vals[i])
	}

	offered := 0
	ok := r.Apply(func(*int) bool {
		offered++
		return false
	})
	require.False(t, ok)
	require.Equal(t, 3, offered)
}
