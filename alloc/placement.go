package alloc

import "sort"

// tryPlace simulates placing every request against free (without mutating
// it) and returns the chosen ranges in request order, or ok=false if any
// request could not be placed — satisfying spec.md §4.3's atomicity
// requirement (callers must not commit a partial result).
//
// Placement policy: free spans are considered in ascending Base order
// (first-fit across the pool). Within the chosen span, the lowest
// Len-aligned offset is used unless the request sets AllowUnaligned, in
// which case the span's own Base is used. This gives a deterministic,
// lowest-base tie-break for both fit strategies.
func tryPlace(free []span, reqs []Request) ([]Range, bool) {
	scratch := make([]span, len(free))
	copy(scratch, free)

	grants := make([]Range, 0, len(reqs))
	for _, r := range reqs {
		size := uint64(1) << r.Len
		var base uint64
		var ok bool
		if r.At != nil {
			base = uint64(*r.At)
			ok = spanFree(scratch, base, base+size)
		} else {
			var idx int
			base, idx, ok = findSpan(scratch, size, r.Flags&AllowUnaligned != 0)
			_ = idx
		}
		if !ok {
			return nil, false
		}
		scratch = removeSpan(scratch, base, base+size)
		grants = append(grants, Range{Base: uint32(base), Len: r.Len})
	}
	return grants, true
}

// spanFree reports whether [base, end) lies entirely within a single free
// span.
func spanFree(free []span, base, end uint64) bool {
	for _, s := range free {
		if s.Base <= base && end <= s.End {
			return true
		}
	}
	return false
}

// findSpan returns the lowest candidate base address of size bytes within
// free, honoring alignment unless unaligned is set.
func findSpan(free []span, size uint64, unaligned bool) (base uint64, idx int, ok bool) {
	for i, s := range free {
		if unaligned {
			if s.size() >= size {
				return s.Base, i, true
			}
			continue
		}
		aligned := alignUp(s.Base, size)
		if aligned+size <= s.End {
			return aligned, i, true
		}
	}
	return 0, 0, false
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// removeSpan removes [base, end) from free, splitting any span it
// overlaps. free must be sorted ascending by Base; the result is too.
func removeSpan(free []span, base, end uint64) []span {
	out := make([]span, 0, len(free)+1)
	for _, s := range free {
		if end <= s.Base || base >= s.End {
			out = append(out, s)
			continue
		}
		if s.Base < base {
			out = append(out, span{Base: s.Base, End: base})
		}
		if end < s.End {
			out = append(out, span{Base: end, End: s.End})
		}
	}
	return out
}

// insertSpan adds a free span back into free, coalescing it with any
// adjacent or overlapping spans, and keeps the result sorted by Base.
func insertSpan(free []span, add span) []span {
	merged := append([]span{add}, free...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Base < merged[j].Base })

	out := make([]span, 0, len(merged))
	for _, s := range merged {
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		last := &out[len(out)-1]
		if s.Base <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
