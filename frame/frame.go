// Package frame implements the self-synchronizing octet framer used on
// byte-stream links (spec.md §4.2, §6): a COBS-style encoding of
// [payload‖crc], terminated by a zero byte, so that frame boundaries
// survive arbitrary byte loss on the wire at the cost of one dropped frame.
//
// Unlike length-prefix stream framing (see DESIGN.md's grounding notes),
// ergot's wire contract requires a self-synchronizing codec:
// any byte sequence must be safely decodable, and no zero byte may appear
// inside an encoded frame, so a lost byte never desynchronizes the decoder
// for more than one frame.
package frame

import (
	"hash/crc32"

	"github.com/ergot-rs/ergot/ergoterr"
)

// DefaultMaxFrame is the default maximum decoded frame length in bytes, per
// spec.md §4.2/§6.
const DefaultMaxFrame = 1100

// crcSize is the width in bytes of the trailing integrity check appended to
// every frame before COBS-encoding.
const crcSize = 4

// delimiter is the frame-terminating byte. COBS guarantees it never occurs
// inside the encoded body.
const delimiter = 0x00

// Encode returns the COBS encoding of payload with a trailing CRC32 check,
// terminated by a zero delimiter byte, ready to be written to a byte-stream
// link.
func Encode(payload []byte) []byte {
	sum := crc32.ChecksumIEEE(payload)
	body := make([]byte, len(payload)+crcSize)
	copy(body, payload)
	body[len(payload)+0] = byte(sum >> 24)
	body[len(payload)+1] = byte(sum >> 16)
	body[len(payload)+2] = byte(sum >> 8)
	body[len(payload)+3] = byte(sum)

	encoded := cobsEncode(body)
	return append(encoded, delimiter)
}

// Decode reverses Encode: it COBS-decodes encoded (without its trailing
// delimiter) and verifies the trailing CRC32, returning the original
// payload. encoded must not contain the delimiter byte.
func Decode(encoded []byte) ([]byte, error) {
	body, err := cobsDecode(encoded)
	if err != nil {
		return nil, err
	}
	if len(body) < crcSize {
		return nil, ergoterr.ErrFrameDecode
	}
	payload := body[:len(body)-crcSize]
	wantSum := uint32(body[len(body)-4])<<24 | uint32(body[len(body)-3])<<16 |
		uint32(body[len(body)-2])<<8 | uint32(body[len(body)-1])
	if crc32.ChecksumIEEE(payload) != wantSum {
		return nil, ergoterr.ErrFrameCRC
	}
	return payload, nil
}

// cobsEncode implements Consistent Overhead Byte Stuffing: it replaces
// every zero byte in data with a distance-to-next-zero marker, guaranteeing
// the result never contains a zero byte. Overhead is one byte per 254 bytes
// of zero-free input, plus one leading marker byte.
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/254+2)
	// Reserve a byte for the first block's length marker.
	codeIdx := len(out)
	out = append(out, 0)
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// cobsDecode reverses cobsEncode. It rejects inputs whose structure is
// inconsistent (a length marker pointing past the end of the buffer),
// returning ergoterr.ErrFrameDecode rather than panicking — any byte
// sequence handed to Decode must be safely decodable per spec.md §4.2.
func cobsDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		code := int(data[0])
		if code == 0 || code > len(data) {
			return nil, ergoterr.ErrFrameDecode
		}
		out = append(out, data[1:code]...)
		data = data[code:]
		if code != 0xFF && len(data) > 0 {
			out = append(out, 0)
		}
	}
	return out, nil
}
