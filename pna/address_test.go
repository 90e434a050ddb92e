package pna

import (
	"errors"
	"testing"

	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/go-test/deep"
)

func TestMake(t *testing.T) {
	tests := []struct {
		name    string
		bits    uint32
		scope   uint8
		want    Address
		wantErr error
	}{
		{"zero scope", 0, 0, Address{}, ergoterr.ErrInvalidAddress},
		{"scope too wide", 0, 33, Address{}, ergoterr.ErrInvalidAddress},
		{"high bits set", 0x100, 8, Address{}, ergoterr.ErrInvalidAddress},
		{"any at scope 10", 0, 10, Address{Bits: 0, Scope: 10}, nil},
		{"full width ok", 0xFFFFFFFF, 32, Address{Bits: 0xFFFFFFFF, Scope: 32}, nil},
		{"aligned ok", 0x3A0, 10, Address{Bits: 0x3A0, Scope: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Make(tt.bits, tt.scope)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Make() err = %v, want %v", err, tt.wantErr)
			}
			if diff := deep.Equal(got, tt.want); diff != nil {
				t.Errorf("Make() = %v, diff: %v", got, diff)
			}
		})
	}
}

func TestIsAny(t *testing.T) {
	a, _ := Make(0, 10)
	if !a.IsAny() {
		t.Errorf("expected %v to be any", a)
	}
	b, _ := Make(1, 10)
	if b.IsAny() {
		t.Errorf("expected %v to not be any", b)
	}
}

func TestContains(t *testing.T) {
	outer := Address{Bits: 0x3, Scope: 4}  // 0011 ^4
	inner := Address{Bits: 0x23, Scope: 8} // 00100011 ^8, low 4 bits == 0011

	if !Contains(outer, inner) {
		t.Errorf("expected %v to contain %v", outer, inner)
	}
	if Contains(inner, outer) {
		t.Errorf("did not expect %v to contain %v (wrong scope direction)", inner, outer)
	}

	mismatched := Address{Bits: 0x24, Scope: 8} // low 4 bits == 0100
	if Contains(outer, mismatched) {
		t.Errorf("did not expect %v to contain %v (bit mismatch)", outer, mismatched)
	}
}

func TestLCS(t *testing.T) {
	tests := []struct {
		name string
		a, b Address
		want Address
	}{
		{
			name: "identical",
			a:    Address{Bits: 0x3A0, Scope: 10},
			b:    Address{Bits: 0x3A0, Scope: 10},
			want: Address{Bits: 0x3A0, Scope: 10},
		},
		{
			name: "diverge at low bit",
			a:    Address{Bits: 0b1010, Scope: 4},
			b:    Address{Bits: 0b1011, Scope: 4},
			want: Address{Bits: 0, Scope: 0},
		},
		{
			name: "different scopes, b is prefix of a",
			a:    Address{Bits: 0x3A0, Scope: 10},
			b:    Address{Bits: 0x020, Scope: 6}, // 0x3A0 low 6 bits == 0x20
			want: Address{Bits: 0x020, Scope: 6},
		},
		{
			name: "no common bits beyond scope 0",
			a:    Address{Bits: 1, Scope: 1},
			b:    Address{Bits: 0, Scope: 1},
			want: Address{Bits: 0, Scope: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LCS(tt.a, tt.b)
			if diff := deep.Equal(got, tt.want); diff != nil {
				t.Errorf("LCS(%v, %v) = %v, diff: %v", tt.a, tt.b, got, diff)
			}
			// Property from spec.md §8 item 1: the LCS contains both inputs,
			// and no wider scope does.
			if got.Scope > 0 {
				if !Contains(got, tt.a) || !Contains(got, tt.b) {
					t.Errorf("LCS(%v, %v) = %v does not contain both inputs", tt.a, tt.b, got)
				}
			}
		})
	}
}

func TestReexpressNarrow(t *testing.T) {
	wide := Address{Bits: 0x20, Scope: 10}

	narrow, err := Reexpress(wide, 6, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Address{Bits: 0x20, Scope: 6}
	if diff := deep.Equal(narrow, want); diff != nil {
		t.Errorf("Reexpress narrow = %v, diff: %v", narrow, diff)
	}

	// Narrowing where the stripped high bits are nonzero must fail.
	wide2 := Address{Bits: 0b1100000, Scope: 7}
	if _, err := Reexpress(wide2, 5, 0); !errors.Is(err, ergoterr.ErrOutOfScope) {
		t.Errorf("expected ErrOutOfScope, got %v", err)
	}
}

func TestReexpressWiden(t *testing.T) {
	narrow := Address{Bits: 0x20, Scope: 6}
	prefix := uint32(0x3A0) // node's base-in-parent at scope 10

	wide, err := Reexpress(narrow, 10, prefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Address{Bits: 0x3A0, Scope: 10}
	if diff := deep.Equal(wide, want); diff != nil {
		t.Errorf("Reexpress widen = %v, diff: %v", wide, diff)
	}
}

func TestString(t *testing.T) {
	a := Address{Bits: 0x3A0, Scope: 10}
	if got, want := a.String(), "3A0^10"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
