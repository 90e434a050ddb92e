package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ergot-rs/ergot/alloc"
	"github.com/ergot-rs/ergot/ergoterr"
	"github.com/ergot-rs/ergot/packet"
	"github.com/ergot-rs/ergot/pna"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Unattached:        "unattached",
		RequestingInitial: "requesting_initial",
		Bound:             "bound",
		Draining:          "draining",
		Lost:              "lost",
		State(99):         "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestTransitionsFireOnLostOnce(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	l := NewStreamLink(1, a, DefaultConfig())
	lostCount := 0
	l.SetHandlers(Handlers{OnLost: func() { lostCount++ }})

	l.MarkRequestingInitial()
	if l.State() != RequestingInitial {
		t.Fatalf("State() = %v, want RequestingInitial", l.State())
	}
	l.MarkBound()
	if l.State() != Bound {
		t.Fatalf("State() = %v, want Bound", l.State())
	}
	l.MarkLost()
	l.MarkLost() // second call must not double-fire OnLost
	if l.State() != Lost {
		t.Fatalf("State() = %v, want Lost", l.State())
	}
	if lostCount != 1 {
		t.Errorf("OnLost fired %d times, want 1", lostCount)
	}
}

func TestReadPumpMarksLostOnCRCFailureStreak(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cfg := DefaultConfig()
	cfg.CRCFailLimit = 3
	l := NewStreamLink(1, a, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.ReadPump(ctx) }()

	garbage := []byte{0xFF, 0xEE, 0xDD, 0xCC, 0x00}
	for i := 0; i < cfg.CRCFailLimit; i++ {
		if _, err := b.Write(garbage); err != nil {
			t.Fatalf("write garbage frame %d: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for l.State() != Lost {
		select {
		case <-deadline:
			t.Fatalf("link never reached Lost, state = %v, frameErrors = %d", l.State(), l.Stats().FrameErrors)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if stats := l.Stats(); stats.FrameErrors < uint64(cfg.CRCFailLimit) {
		t.Errorf("FrameErrors = %d, want >= %d", stats.FrameErrors, cfg.CRCFailLimit)
	}
}

func TestReadPumpMarksLostOnEOF(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	l := NewStreamLink(1, a, DefaultConfig())
	lost := make(chan struct{}, 1)
	l.SetHandlers(Handlers{OnLost: func() { lost <- struct{}{} }})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- l.ReadPump(ctx) }()

	b.Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost never fired after peer close")
	}
	if l.State() != Lost {
		t.Errorf("State() = %v, want Lost", l.State())
	}
}

// parentHandlers wires a real alloc.Allocator as the parent side of an
// AllocAddresses exchange, grounding the round-trip test in the same
// Allocator.AllocMany / GlobalBase path package node will use.
func parentHandlers(t *testing.T, parent *alloc.Allocator) Handlers {
	t.Helper()
	return Handlers{
		AllocAddresses: func(ctx context.Context, reqs []alloc.Request) ([]Grant, error) {
			ranges, err := parent.AllocMany(ctx, reqs)
			if err != nil {
				return nil, err
			}
			grants := make([]Grant, len(ranges))
			for i, r := range ranges {
				grants[i] = Grant{Address: parent.GlobalBase(r), Len: r.Len}
			}
			return grants, nil
		},
		SubscribeMulticast: func(ctx context.Context, addr pna.Address) error {
			return parent.SubscribeMulticast(addr)
		},
	}
}

func TestBootstrapThenEscalationRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	parent := alloc.New(pna.Address{Bits: 0, Scope: 0}, 16, nil)
	client := NewStreamLink(1, a, DefaultConfig())
	server := NewStreamLink(2, b, DefaultConfig())
	server.SetHandlers(parentHandlers(t, parent))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.ReadPump(ctx)
	go server.ReadPump(ctx)

	addr, length, err := client.RequestInitialAddress(ctx, 8)
	if err != nil {
		t.Fatalf("RequestInitialAddress: %v", err)
	}
	if length != 8 {
		t.Fatalf("granted len = %d, want 8", length)
	}
	if !addr.IsValid() {
		t.Fatalf("granted address %v is not well-formed", addr)
	}
	if client.LocalBase() != addr {
		t.Errorf("LocalBase() = %v, want %v recorded by RequestInitialAddress", client.LocalBase(), addr)
	}

	ranges, err := client.AllocAddresses(ctx, []alloc.Request{{Len: 4}})
	if err != nil {
		t.Fatalf("AllocAddresses (escalation): %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("len(ranges) = %d, want 1", len(ranges))
	}
	if ranges[0].Len != 4 {
		t.Errorf("ranges[0].Len = %d, want 4", ranges[0].Len)
	}
}

func TestSubscribeMulticastRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	parent := alloc.New(pna.Address{Bits: 0, Scope: 0}, 16, nil)
	client := NewStreamLink(1, a, DefaultConfig())
	server := NewStreamLink(2, b, DefaultConfig())
	server.SetHandlers(parentHandlers(t, parent))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.ReadPump(ctx)
	go server.ReadPump(ctx)

	ranges, err := parent.AllocMany(ctx, []alloc.Request{{Len: 4, Flags: alloc.AllowMulticast}})
	if err != nil {
		t.Fatalf("seed AllocMany: %v", err)
	}
	mcastAddr := parent.GlobalBase(ranges[0])

	if err := client.SubscribeMulticast(ctx, mcastAddr); err != nil {
		t.Fatalf("SubscribeMulticast: %v", err)
	}
	if !parent.IsSubscribed(mcastAddr) {
		t.Error("parent allocator does not record the subscription")
	}
}

func TestPublishNewPrefixIsOneWay(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	parentSide := NewStreamLink(1, a, DefaultConfig())
	childSide := NewStreamLink(2, b, DefaultConfig())

	received := make(chan pna.Address, 1)
	childSide.SetHandlers(Handlers{
		PublishNewPrefix: func(newBase pna.Address) { received <- newBase },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go childSide.ReadPump(ctx)

	newBase := pna.Address{Bits: 0x10, Scope: 12}
	if err := parentSide.PublishNewPrefix(newBase); err != nil {
		t.Fatalf("PublishNewPrefix: %v", err)
	}

	select {
	case got := <-received:
		if got != newBase {
			t.Errorf("PublishNewPrefix delivered %v, want %v", got, newBase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PublishNewPrefix handler never invoked")
	}
}

func TestDataPlanePacketsReachDeliver(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sender := NewStreamLink(1, a, DefaultConfig())
	receiver := NewStreamLink(2, b, DefaultConfig())

	delivered := make(chan *packet.Packet, 1)
	receiver.SetHandlers(Handlers{Deliver: func(pkt *packet.Packet) { delivered <- pkt }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go receiver.ReadPump(ctx)

	src := pna.Address{Bits: 0x7, Scope: 4}
	dst := pna.Address{Bits: 0x42, Scope: 16}
	pkt := &packet.Packet{
		Header: packet.Header{Src: src, Dst: dst, TTL: 32},
		Body:   []byte("hello"),
	}
	if err := sender.writePacket(pkt); err != nil {
		t.Fatalf("writePacket: %v", err)
	}

	select {
	case got := <-delivered:
		if got.Header.Dst != dst || string(got.Body) != "hello" {
			t.Errorf("delivered packet = %+v, want Dst=%v Body=hello", got, dst)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver handler never invoked")
	}
}

func TestAllocAddressesPropagatesUpstreamRefusal(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := NewStreamLink(1, a, DefaultConfig())
	server := NewStreamLink(2, b, DefaultConfig())
	server.SetHandlers(Handlers{
		AllocAddresses: func(ctx context.Context, reqs []alloc.Request) ([]Grant, error) {
			return nil, ergoterr.ErrExhausted
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.ReadPump(ctx)
	go server.ReadPump(ctx)

	if _, _, err := client.RequestInitialAddress(ctx, 8); err != ergoterr.ErrUpstreamRefused {
		t.Errorf("RequestInitialAddress err = %v, want ErrUpstreamRefused", err)
	}
}

func TestSendPacketWouldBlockWhenEgressQueueFull(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cfg := DefaultConfig()
	cfg.EgressQueueCap = 2
	l := NewStreamLink(1, a, cfg)
	// No WritePump running: the queue only drains once one is started, so
	// filling it deterministically exercises the WouldBlock path.
	pkt := &packet.Packet{Header: packet.Header{Src: ControlAddress, Dst: ControlAddress, TTL: 1}}
	for i := 0; i < cfg.EgressQueueCap; i++ {
		if err := l.SendPacket(pkt); err != nil {
			t.Fatalf("SendPacket() #%d error = %v, want nil", i, err)
		}
	}
	if err := l.SendPacket(pkt); err != ergoterr.ErrWouldBlock {
		t.Errorf("SendPacket() on a full queue error = %v, want ErrWouldBlock", err)
	}
}
