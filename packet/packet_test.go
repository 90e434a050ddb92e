package packet

import (
	"testing"

	"github.com/ergot-rs/ergot/pna"
	"github.com/go-test/deep"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	src, _ := pna.Make(0x3A0, 10)
	dst, _ := pna.Make(0x180, 10)

	p := &Packet{
		Header: Header{
			Src:         src,
			Dst:         dst,
			TTL:         8,
			Flags:       FlagIsRequest,
			Correlation: 0xBEEF,
		},
		Body: []byte("hello ergot"),
	}

	raw, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	p.Header.BodyLen = uint16(len(p.Body))
	if diff := deep.Equal(got, p); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestUnmarshalRejectsBodyLenMismatch(t *testing.T) {
	src, _ := pna.Make(0, 10)
	dst, _ := pna.Make(0, 10)
	p := &Packet{Header: Header{Src: src, Dst: dst}, Body: []byte("abc")}
	raw, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	// Truncate the body without updating body_len.
	truncated := raw[:len(raw)-1]
	if _, err := Unmarshal(truncated); err == nil {
		t.Errorf("expected an error unmarshalling a truncated packet")
	}
}

func TestUnmarshalRejectsShortHeader(t *testing.T) {
	if _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected an error unmarshalling a too-short header")
	}
}

func TestHasFlag(t *testing.T) {
	h := Header{Flags: FlagIsRequest | FlagIsError}
	if !h.HasFlag(FlagIsRequest) {
		t.Errorf("expected FlagIsRequest set")
	}
	if h.HasFlag(FlagIsResponse) {
		t.Errorf("did not expect FlagIsResponse set")
	}
}
