// Package pna implements Phone Number Addressing: the variable-length,
// hierarchical address scheme ergot uses for every endpoint on the network.
//
// An Address is a pair (bits, scope) where scope is the number of
// significant low bits of bits; higher bits must be zero. Addresses compose
// by containment: a shorter-scope address is a prefix of every
// longer-scope address that agrees with it in the low bits.
package pna

import (
	"fmt"

	"github.com/ergot-rs/ergot/ergoterr"
)

// MaxScope is the widest scope a PNA address can carry — the address space
// is a uint32, so no scope may exceed 32 significant bits.
const MaxScope = 32

// Address is a PNA address: the low Scope bits of Bits are significant, and
// all higher bits must be zero. Address is a small comparable value type so
// it can be used directly as a map key (by the routing and socket tables),
// the same way a plain comparable struct serves as a cache key.
type Address struct {
	Bits  uint32
	Scope uint8
}

// Make validates and constructs an Address. It fails with
// ergoterr.ErrInvalidAddress if scope is outside [1, MaxScope] or bits has
// any set bit above the scope'th position.
func Make(bits uint32, scope uint8) (Address, error) {
	if scope == 0 || scope > MaxScope {
		return Address{}, ergoterr.ErrInvalidAddress
	}
	if !fits(bits, scope) {
		return Address{}, ergoterr.ErrInvalidAddress
	}
	return Address{Bits: bits, Scope: scope}, nil
}

// Any returns the "any/all" address at the given scope: bits == 0.
func Any(scope uint8) Address {
	return Address{Bits: 0, Scope: scope}
}

// fits reports whether bits has no set bit at or above position scope, i.e.
// bits < 2^scope. scope == 32 always fits since bits is a uint32.
func fits(bits uint32, scope uint8) bool {
	if scope >= 32 {
		return true
	}
	return bits < (uint32(1) << scope)
}

// mask returns the low `scope` bits set, all others clear. scope == 0
// returns 0; scope >= 32 returns ^uint32(0).
func mask(scope uint8) uint32 {
	if scope == 0 {
		return 0
	}
	if scope >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << scope) - 1
}

// IsAny reports whether a is the any/all address at its scope (bits == 0).
func (a Address) IsAny() bool {
	return a.Bits == 0
}

// IsValid reports whether a satisfies the PNA well-formedness invariant.
func (a Address) IsValid() bool {
	return a.Scope >= 1 && a.Scope <= MaxScope && fits(a.Bits, a.Scope)
}

// Contains reports whether outer (as the containing prefix) contains inner,
// per spec: outer.Scope <= inner.Scope and the two addresses agree on the
// low outer.Scope bits.
func Contains(outer, inner Address) bool {
	if outer.Scope > inner.Scope {
		return false
	}
	m := mask(outer.Scope)
	return (outer.Bits & m) == (inner.Bits & m)
}

// Contains reports whether a contains other (a is the outer/shorter-scope
// prefix). Convenience method form of the package-level Contains.
func (a Address) Contains(other Address) bool {
	return Contains(a, other)
}

// LCS returns the least common scope of a and b: the largest scope s no
// greater than min(a.Scope, b.Scope) such that a and b agree on their low s
// bits.
func LCS(a, b Address) Address {
	limit := a.Scope
	if b.Scope < limit {
		limit = b.Scope
	}
	diff := a.Bits ^ b.Bits
	for s := limit; s > 0; s-- {
		if diff&mask(s) == 0 {
			return Address{Bits: a.Bits & mask(s), Scope: s}
		}
	}
	return Address{Bits: 0, Scope: 0}
}

// Reexpress reinterprets a at a new scope.
//
// Narrowing (newScope < a.Scope) strips the high bits above newScope; it
// only succeeds if those stripped bits are all zero (i.e. a's value already
// fits at the narrower scope) — otherwise ergoterr.ErrOutOfScope, since
// narrowing is not a projection, it is a claim that the high bits don't
// matter.
//
// Widening (newScope > a.Scope) requires the caller to supply the implicit
// prefix bits from its routing context (the node's base-in-parent, per
// spec.md §4.8) via prefix; the low a.Scope bits of the result are a's
// existing bits, and the bits from a.Scope up to newScope come from prefix.
func Reexpress(a Address, newScope uint8, prefix uint32) (Address, error) {
	if newScope == 0 || newScope > MaxScope {
		return Address{}, ergoterr.ErrInvalidAddress
	}
	if newScope == a.Scope {
		return a, nil
	}
	if newScope < a.Scope {
		highBits := a.Bits &^ mask(newScope)
		if highBits != 0 {
			return Address{}, ergoterr.ErrOutOfScope
		}
		return Address{Bits: a.Bits & mask(newScope), Scope: newScope}, nil
	}
	// Widening: keep a's low bits, fill [a.Scope, newScope) from prefix.
	widened := (a.Bits & mask(a.Scope)) | (prefix &^ mask(a.Scope))
	widened &= mask(newScope)
	return Address{Bits: widened, Scope: newScope}, nil
}

// String renders a in the log/CLI notation from spec.md §6: hex bits
// followed by '^' and decimal scope, e.g. "3A0^10". Scope 0 is never valid
// and is rendered as "^0" to make the malformed value visible rather than
// panicking.
func (a Address) String() string {
	return fmt.Sprintf("%X^%d", a.Bits, a.Scope)
}
