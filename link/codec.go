package link

import (
	"encoding/binary"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/pna"
)

// Wire encodings for the three control endpoint bodies (spec.md §4.6),
// hand-rolled with encoding/binary in the same manual, length-prefixed
// style used for netlink attribute parsing — see DESIGN.md.

func encodeAddress(a pna.Address) []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:4], a.Bits)
	out[4] = a.Scope
	return out
}

func decodeAddress(body []byte) (pna.Address, error) {
	if len(body) < 5 {
		return pna.Address{}, ergoterr.ErrFrameDecode
	}
	return pna.Address{
		Bits:  binary.LittleEndian.Uint32(body[0:4]),
		Scope: body[4],
	}, nil
}

// encodeAllocRequests encodes a list of {len, flags} entries, per spec.md
// §4.6's AllocAddresses request body.
func encodeAllocRequests(reqs []alloc.Request) []byte {
	out := make([]byte, 1, 1+2*len(reqs))
	out[0] = byte(len(reqs))
	for _, r := range reqs {
		out = append(out, r.Len, byte(r.Flags))
	}
	return out
}

func decodeAllocRequests(body []byte) ([]alloc.Request, error) {
	if len(body) < 1 {
		return nil, ergoterr.ErrFrameDecode
	}
	n := int(body[0])
	body = body[1:]
	if len(body) < 2*n {
		return nil, ergoterr.ErrFrameDecode
	}
	reqs := make([]alloc.Request, n)
	for i := 0; i < n; i++ {
		reqs[i] = alloc.Request{Len: body[2*i], Flags: alloc.Flags(body[2*i+1])}
	}
	return reqs, nil
}

// encodeGrants encodes the success list [{address, len}] of spec.md §4.6's
// AllocAddresses response. Each grant's address is already a global
// pna.Address, computed by the granting node's own Allocator.GlobalBase.
func encodeGrants(grants []Grant) []byte {
	out := make([]byte, 1, 1+6*len(grants))
	out[0] = byte(len(grants))
	for _, g := range grants {
		var entry [6]byte
		binary.LittleEndian.PutUint32(entry[0:4], g.Address.Bits)
		entry[4] = g.Address.Scope
		entry[5] = g.Len
		out = append(out, entry[:]...)
	}
	return out
}

func decodeGrants(body []byte) ([]Grant, error) {
	if len(body) < 1 {
		return nil, ergoterr.ErrFrameDecode
	}
	n := int(body[0])
	body = body[1:]
	if len(body) < 6*n {
		return nil, ergoterr.ErrFrameDecode
	}
	grants := make([]Grant, n)
	for i := 0; i < n; i++ {
		off := 6 * i
		grants[i] = Grant{
			Address: pna.Address{
				Bits:  binary.LittleEndian.Uint32(body[off : off+4]),
				Scope: body[off+4],
			},
			Len: body[off+5],
		}
	}
	return grants, nil
}
