package frame

import "github.com/ergot-rs/ergot/ergoterr"

// Decoder incrementally decodes a byte-stream link's COBS-framed octets
// into payloads. Bytes arrive via Feed in arbitrary chunks (as read from an
// io.Reader); Decoder accumulates them until a delimiter is seen, then
// COBS-decodes and CRC-checks the accumulated frame.
//
// Decoder is not safe for concurrent use; it is intended to be driven by a
// single link-pump goroutine, per spec.md §4.2/§4.7.
type Decoder struct {
	maxFrame int
	buf      []byte
	overran  bool
}

// NewDecoder returns a Decoder that discards any accumulated frame exceeding
// maxFrame bytes. maxFrame <= 0 selects DefaultMaxFrame.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{maxFrame: maxFrame}
}

// Result is one outcome of feeding bytes into the decoder: either a
// successfully decoded payload, or an error classifying why a candidate
// frame was discarded. Per spec.md §4.2/§7, framing errors are always
// local — the caller (link) counts them and resyncs; they are never
// surfaced to user sockets.
type Result struct {
	Payload []byte
	Err     error
}

// Feed appends chunk to the decoder's accumulation buffer and returns zero
// or more Results — one per complete frame (delimiter byte) found in chunk.
// The decoder resynchronizes automatically after any error: it always
// resumes accumulating from the byte immediately after the delimiter that
// ended the failed frame.
func (d *Decoder) Feed(chunk []byte) []Result {
	var results []Result
	for _, b := range chunk {
		if b != delimiter {
			if d.overran {
				// Already reported; skip the rest of this frame.
				continue
			}
			d.buf = append(d.buf, b)
			if len(d.buf) > d.maxFrame {
				// Overrun: discard the partial frame and keep scanning for
				// the next delimiter, per spec.md §4.2.
				results = append(results, Result{Err: ergoterr.ErrFrameOverrun})
				d.buf = d.buf[:0]
				d.overran = true
			}
			continue
		}
		// Delimiter reached: attempt to decode whatever has accumulated.
		if d.overran {
			// The frame that triggered the overrun has already been
			// reported; this delimiter just marks where it ends.
			d.overran = false
			d.buf = d.buf[:0]
			continue
		}
		if len(d.buf) == 0 {
			// Consecutive delimiters (or a stray leading zero) produce no
			// frame; this is normal resync noise, not an error.
			continue
		}
		payload, err := Decode(d.buf)
		d.buf = d.buf[:0]
		if err != nil {
			results = append(results, Result{Err: err})
			continue
		}
		results = append(results, Result{Payload: payload})
	}
	return results
}
