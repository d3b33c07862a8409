// ABOUTME: Delta encoding for neighbor id sets: sort ascending, store first value then gaps.
// ABOUTME: Pure and fully reversible; uvarint framing with a leading element count.

package store

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// EncodeNeighbors serializes a set of neighbor ids. The input is not
// mutated; order and duplicates are normalized (sorted, deduplicated)
// before encoding. Layout: uvarint count, uvarint first id, then
// uvarint successive differences.
func EncodeNeighbors(ids []int64) []byte {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Deduplicate in place.
	uniq := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != uniq[len(uniq)-1] {
			uniq = append(uniq, v)
		}
	}

	buf := make([]byte, 0, len(uniq)*2+1)
	buf = binary.AppendUvarint(buf, uint64(len(uniq)))
	prev := int64(0)
	for i, v := range uniq {
		if i == 0 {
			buf = binary.AppendUvarint(buf, uint64(v))
		} else {
			buf = binary.AppendUvarint(buf, uint64(v-prev))
		}
		prev = v
	}
	return buf
}

// DecodeNeighbors reverses EncodeNeighbors, returning ids in ascending order.
func DecodeNeighbors(data []byte) ([]int64, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("decoding neighbor count: truncated input")
	}
	data = data[n:]

	out := make([]int64, 0, count)
	prev := int64(0)
	for i := uint64(0); i < count; i++ {
		delta, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("decoding neighbor %d of %d: truncated input", i+1, count)
		}
		data = data[n:]

		if i == 0 {
			prev = int64(delta)
		} else {
			prev += int64(delta)
		}
		out = append(out, prev)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("decoding neighbors: %d trailing bytes", len(data))
	}
	return out, nil
}
