package partition_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/internal/partition"
)

func TestSharesSpreadsRemainderToLowRanks(t *testing.T) {
	shares := partition.Shares(10, 3)
	require.Equal(t, []int{4, 3, 3}, shares)

	sum := 0
	for _, s := range shares {
		sum += s
	}
	require.Equal(t, 10, sum)
}

func TestSharesEvenSplit(t *testing.T) {
	require.Equal(t, []int{5, 5, 5, 5}, partition.Shares(20, 4))
}

func TestOffsetsAreCumulative(t *testing.T) {
	shares := []int{4, 3, 3}
	require.Equal(t, []int{0, 4, 7}, partition.Offsets(shares))
}

func TestExtentCoversWholeRangeWithoutOverlap(t *testing.T) {
	const total, size = 17, 4
	seen := make([]bool, total)
	for r := 0; r < size; r++ {
		start, end := partition.Extent(total, size, r)
		for i := start; i < end; i++ {
			require.Falsef(t, seen[i], "index %d covered by more than one rank", i)
			seen[i] = true
		}
	}
	for i, ok := range seen {
		require.Truef(t, ok, "index %d never covered", i)
	}
}

func TestExtentSingleRank(t *testing.T) {
	start, end := partition.Extent(42, 1, 0)
	require.Equal(t, 0, start)
	require.Equal(t, 42, end)
}

func TestExtentZeroTotal(t *testing.T) {
	start, end := partition.Extent(0, 3, 1)
	require.Equal(t, start, end)
}
