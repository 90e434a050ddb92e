// ergotd is a demo/operator entrypoint for a single ergot node: it can act
// as an apex (bootstrapping its own address pool) or as a child (dialing a
// parent and requesting an initial range), accept child connections over
// TCP, export Prometheus metrics, serve a diagnostic event feed, and
// periodically dump its allocation/routing state as CSV.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"golang.org/x/sys/unix"

	"github.com/ergot-rs/ergot/eventsocket"
	"github.com/ergot-rs/ergot/link"
	"github.com/ergot-rs/ergot/node"
	"github.com/ergot-rs/ergot/pna"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port.")

	listenAddr = flag.String("listen", "", "TCP address to accept child links on, e.g. ':9100'. Empty disables listening.")
	dialAddr   = flag.String("dial", "", "TCP address of a parent node to attach to as a child link. Empty means this node is an apex.")

	apexScope = flag.Uint("apex.scope", 0, "Scope of the apex base address (0, 0) to bootstrap with. Ignored unless -dial is empty.")
	apexLen   = flag.Uint("apex.len", 16, "Local-offset bit length of the apex's own seed range. Ignored unless -dial is empty.")
	seedLen   = flag.Uint("seed.len", 8, "Requested local-offset bit length for a child's initial range. Ignored when -dial is empty.")

	dumpInterval = flag.Duration("dump.interval", 0, "If nonzero, render a CSV snapshot of allocation/routing state to stdout at this interval.")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	n := node.New(node.DefaultConfig(), log.Default())

	if *eventsocket.Filename != "" {
		events := eventsocket.New(*eventsocket.Filename)
		rtx.Must(events.Listen(), "Could not listen on eventsocket %q", *eventsocket.Filename)
		go events.Serve(ctx)
		n.SetEvents(events)
	}

	go n.Run(ctx)

	if *dialAddr != "" {
		attachAsChild(n, *dialAddr)
	} else {
		n.Bootstrap(pna.Address{Bits: 0, Scope: uint8(*apexScope)}, uint8(*apexLen))
		log.Printf("bootstrapped apex with a %d-bit seed range", *apexLen)
	}

	if *listenAddr != "" {
		go acceptChildren(n, *listenAddr)
	}

	if *dumpInterval > 0 {
		go dumpLoop(n, *dumpInterval)
	}

	<-ctx.Done()
}

// attachAsChild dials parent and performs the bootstrap handshake
// (spec.md §4.6), blocking until either it succeeds or fails fatally.
func attachAsChild(n *node.Engine, parent string) {
	conn, err := net.Dial("tcp", parent)
	rtx.Must(err, "Could not dial parent %q", parent)
	tuneTCPConn(conn)
	l := link.NewStreamLink(n.NextLinkID(), conn, link.DefaultConfig())
	rtx.Must(n.AttachParentLink(ctx, l, uint8(*seedLen)), "Could not attach to parent %q", parent)
	log.Printf("attached to parent %q", parent)
}

// acceptChildren listens for incoming TCP connections and attaches each as
// a child link (spec.md §4.6's parent side of the handshake).
func acceptChildren(n *node.Engine, addr string) {
	ln, err := net.Listen("tcp", addr)
	rtx.Must(err, "Could not listen on %q", addr)
	tuneTCPListener(ln)
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept on %q failed: %v", addr, err)
			return
		}
		tuneTCPConn(conn)
		l := link.NewStreamLink(n.NextLinkID(), conn, link.DefaultConfig())
		n.AttachChildLink(ctx, l)
		log.Printf("accepted child link %d from %s", l.ID, conn.RemoteAddr())
	}
}

// tuneTCPConn sets TCP_NODELAY on a dialed/accepted child or parent link
// connection via a raw syscall, in the same unix.SetsockoptInt style the
// netlink diagnostics socket setup reaches for instead of a higher-level
// net package wrapper. ergot frames are latency-sensitive control/data
// packets, not bulk transfer, so Nagle's algorithm's batching is pure
// overhead here.
func tuneTCPConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		log.Printf("tuneTCPConn: SyscallConn: %v", err)
		return
	}
	if err := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}); err != nil {
		log.Printf("tuneTCPConn: setsockopt TCP_NODELAY: %v", err)
	}
}

// tuneTCPListener sets SO_REUSEADDR on the listening socket so ergotd can
// rebind -listen immediately after a restart, instead of waiting out
// TIME_WAIT on the previous process's sockets.
func tuneTCPListener(ln net.Listener) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return
	}
	raw, err := tcpLn.SyscallConn()
	if err != nil {
		log.Printf("tuneTCPListener: SyscallConn: %v", err)
		return
	}
	if err := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		log.Printf("tuneTCPListener: setsockopt SO_REUSEADDR: %v", err)
	}
}

// dumpLoop periodically renders the node's allocation/routing state as CSV
// to stdout, via the same gocsv.Marshal pattern a flat struct slice uses.
func dumpLoop(n *node.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows := n.Snapshot()
			if err := gocsv.Marshal(rows, os.Stdout); err != nil {
				log.Printf("could not render CSV snapshot: %v", err)
				continue
			}
			stats := n.Stats()
			log.Printf("stats: frames_decoded=%d frame_errors=%d allocs_granted=%d allocs_denied=%d routing_drops=%d mailbox_drops=%d",
				stats.FramesDecoded, stats.FrameErrors, stats.AllocationsGranted, stats.AllocationsDenied, stats.RoutingDrops, stats.MailboxDrops)
		}
	}
}
