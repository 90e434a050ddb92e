// Package packet implements the ergot wire header (spec.md §3, §6): a fixed
// little-endian prelude carrying source/destination addresses, TTL, flags,
// a correlation id, and a body length, followed by an opaque body.
//
// Decoding follows a manual encoding/binary + byte-slice struct style
// (parse/parse.go, inetdiag/structs.go) rather than a schema/codegen
// library, because spec.md §6 fixes this exact wire layout by hand.
package packet

import (
	"encoding/binary"

	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/pna"
)

// Flag bits, per spec.md §6.
const (
	FlagBroadcast  uint8 = 1 << 0
	FlagIsRequest  uint8 = 1 << 1
	FlagIsResponse uint8 = 1 << 2
	FlagIsError    uint8 = 1 << 3
)

// headerSize is the fixed-width prelude length in bytes:
// src_bits(4) + src_scope(1) + dst_bits(4) + dst_scope(1) + ttl(1) +
// flags(1) + correlation(2) + body_len(2) = 16 bytes.
const headerSize = 16

// MaxBodyLen is the largest body length the 16-bit body_len field can carry.
const MaxBodyLen = 0xFFFF

// Header is the fixed prelude of an ergot packet.
type Header struct {
	Src         pna.Address
	Dst         pna.Address
	TTL         uint8
	Flags       uint8
	Correlation uint16
	BodyLen     uint16
}

// Packet is a decoded ergot packet: header plus its opaque body octets.
// Per spec.md §1, body serialization is a collaborator's concern — ergot
// only carries it.
type Packet struct {
	Header Header
	Body   []byte
}

// HasFlag reports whether the header's Flags field has bit set.
func (h Header) HasFlag(bit uint8) bool { return h.Flags&bit != 0 }

// Marshal encodes p as the wire-format header followed by its body. It does
// not append a CRC or perform framing — that is the frame package's job;
// packet.Marshal produces exactly the bytes that frame.Encode treats as a
// payload.
func Marshal(p *Packet) ([]byte, error) {
	if len(p.Body) > MaxBodyLen {
		return nil, ergoterr.ErrInvalidAddress
	}
	out := make([]byte, headerSize+len(p.Body))
	binary.LittleEndian.PutUint32(out[0:4], p.Header.Src.Bits)
	out[4] = p.Header.Src.Scope
	binary.LittleEndian.PutUint32(out[5:9], p.Header.Dst.Bits)
	out[9] = p.Header.Dst.Scope
	out[10] = p.Header.TTL
	out[11] = p.Header.Flags
	binary.LittleEndian.PutUint16(out[12:14], p.Header.Correlation)
	binary.LittleEndian.PutUint16(out[14:16], uint16(len(p.Body)))
	copy(out[headerSize:], p.Body)
	return out, nil
}

// Unmarshal decodes raw (as produced by Marshal) into a Packet. It enforces
// the body_len-matches-body-bytes invariant from spec.md §3.
func Unmarshal(raw []byte) (*Packet, error) {
	if len(raw) < headerSize {
		return nil, ergoterr.ErrFrameDecode
	}
	h := Header{
		Src:         pna.Address{Bits: binary.LittleEndian.Uint32(raw[0:4]), Scope: raw[4]},
		Dst:         pna.Address{Bits: binary.LittleEndian.Uint32(raw[5:9]), Scope: raw[9]},
		TTL:         raw[10],
		Flags:       raw[11],
		Correlation: binary.LittleEndian.Uint16(raw[12:14]),
		BodyLen:     binary.LittleEndian.Uint16(raw[14:16]),
	}
	body := raw[headerSize:]
	if int(h.BodyLen) != len(body) {
		return nil, ergoterr.ErrFrameDecode
	}
	if !h.Src.IsValid() || !h.Dst.IsValid() {
		return nil, ergoterr.ErrInvalidAddress
	}
	return &Packet{Header: h, Body: body}, nil
}
