package frame

import "io"

// WriteFrame encodes payload and writes it to w, terminated by the
// delimiter byte, in a single Write call so link drivers never interleave
// a partial frame with another goroutine's write.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}
