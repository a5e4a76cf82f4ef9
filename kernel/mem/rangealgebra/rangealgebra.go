// Package rangealgebra implements the two predicates that the memory map
// and runtime allocator build on: whether two half-open physical ranges
// [base,base+len) touch or overlap. Both predicates treat their operands
// symmetrically and special-case the range that ends at 2^64 (the final
// allocator slot), which would otherwise look like an overflow.
package rangealgebra

// Range is a half-open physical range [Base, Base+Len). Len is normally
// strictly positive; Base+Len may equal 2^64 (and so overflow to 0 in
// uint64 arithmetic) only for the final, top-of-address-space entry an
// allocator table ever holds.
type Range struct {
	Base uint64
	Len  uint64
}

// Mergeable reports whether r and other touch or overlap.
func (r Range) Mergeable(other Range) bool {
	return Mergeable(r.Base, r.Len, other.Base, other.Len)
}

// Overlap reports whether r and other share at least one address.
func (r Range) Overlap(other Range) bool {
	return Overlap(r.Base, r.Len, other.Base, other.Len)
}

// End returns Base+Len and whether that sum wrapped past 2^64.
func (r Range) End() (e uint64, wrapped bool) {
	return end(r.Base, r.Len)
}

// end returns base+len, and whether the sum wrapped past 2^64. A range that
// wraps to exactly 0 is the top-of-address-space sentinel, not corruption;
// callers use wrapped to tell the two cases apart.
func end(base, length uint64) (e uint64, wrapped bool) {
	e = base + length
	return e, e < base
}

// Mergeable returns true if the two ranges touch (are adjacent) or overlap,
// and therefore should be coalesced into a single range by a merge pass.
func Mergeable(base1, len1, base2, len2 uint64) bool {
	if len1 == 0 || len2 == 0 {
		return false
	}

	end1, wrapped1 := end(base1, len1)
	end2, wrapped2 := end(base2, len2)

	// A range ending at 2^64 (end == 0, wrapped) reaches every address at
	// or above its base, so it is mergeable with anything at or past its
	// base; touching exactly at base counts too, hence >=.
	if wrapped1 {
		return base2+len2 >= base1 || wrapped2
	}
	if wrapped2 {
		return base1+len1 >= base2
	}

	// Touching (end1 == base2 or end2 == base1) counts as mergeable, not
	// just strict overlap.
	return base1 <= end2 && base2 <= end1
}

// Overlap returns true if the two ranges share at least one address. Unlike
// Mergeable, adjacency alone (touching endpoints) does not count.
func Overlap(base1, len1, base2, len2 uint64) bool {
	if len1 == 0 || len2 == 0 {
		return false
	}

	end1, wrapped1 := end(base1, len1)
	end2, wrapped2 := end(base2, len2)

	if wrapped1 {
		return base2+len2 > base1 || wrapped2
	}
	if wrapped2 {
		return base1+len1 > base2
	}

	return base1 < end2 && base2 < end1
}
