// Package partition splits a contiguous integer range into near-equal
// per-rank shares, with any remainder spread to the lowest ranks, per the
// partitioning rule every kernel/ package uses (§4.9). Grounded on the
// shape of dbspgraph/partition's Range type, adapted from a UUID keyspace
// to a plain integer count.
package partition

// Shares returns the size of each rank's contiguous share of total items
// split size ways, remainder distributed to the lowest-numbered ranks.
func Shares(total, size int) []int {
	base := total / size
	remainder := total % size
	shares := make([]int, size)
	for r := 0; r < size; r++ {
		shares[r] = base
		if r < remainder {
			shares[r]++
		}
	}
	return shares
}

// Offsets returns, for each rank, the starting index of its share within
// the full [0, total) range, consistent with Shares.
func Offsets(shares []int) []int {
	offsets := make([]int, len(shares))
	sum := 0
	for r, s := range shares {
		offsets[r] = sum
		sum += s
	}
	return offsets
}

// Extent returns the half-open [start, end) extent of rank's share.
func Extent(total, size, rank int) (start, end int) {
	shares := Shares(total, size)
	offsets := Offsets(shares)
	return offsets[rank], offsets[rank] + shares[rank]
}
