package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidGrid(t *testing.T) {
	for _, tc := range []struct{ cores, slices int }{{0, 1}, {1, 0}, {-1, 4}} {
		_, err := New(tc.cores, tc.slices)
		require.ErrorIs(t, err, ErrInvalidGrid)
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	r, err := New(4, 8)
	require.NoError(t, err)
	other, err := New(4, 8)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		first := r.Route(key)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first, r.Route(key))
		}
		assert.Equal(t, first, other.Route(key))
	}
}

func TestRouteStaysInGridAndSpreads(t *testing.T) {
	r, err := New(3, 5)
	require.NoError(t, err)

	seen := make(map[Location]int)
	for i := 0; i < 15000; i++ {
		loc := r.Route(fmt.Sprintf("k%d", i))
		require.GreaterOrEqual(t, loc.Core, 0)
		require.Less(t, loc.Core, 3)
		require.GreaterOrEqual(t, loc.Slice, 0)
		require.Less(t, loc.Slice, 5)
		seen[loc]++
	}
	assert.Len(t, seen, 15, "every slice should receive keys")
}

func TestSingleSlice(t *testing.T) {
	r, err := New(1, 1)
	require.NoError(t, err)
	assert.Equal(t, Location{}, r.Route("anything"))
	assert.Equal(t, Location{}, r.Route(""))
}
