// Package eventsocket serves a unix-domain, newline-delimited JSON feed of
// node lifecycle events for external tooling (SPEC_FULL.md item 11):
// link up/down transitions, allocation grants and denials, and re-prefix
// events.
//
// Grounded on a unix-domain eventsocket server/client pair (server.go,
// client.go): same unix-listener/broadcast-to-clients server shape and the
// same Handler-dispatch client shape, retargeted from TCP flow Open/Close
// events to ergot's node-engine events — see DESIGN.md.
package eventsocket

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ergot-rs/ergot/arena"
	"github.com/ergot-rs/ergot/pna"
)

//go:generate stringer -type=EventKind

// EventKind identifies the kind of node lifecycle event being reported.
type EventKind int

const (
	// LinkUp is sent when a link finishes attaching (bound state reached).
	LinkUp = EventKind(iota)
	// LinkDown is sent when a link transitions to Lost and is torn down.
	LinkDown
	// AllocGranted is sent when the allocator grants a range, locally or to
	// a child.
	AllocGranted
	// AllocDenied is sent when an allocation request is refused, locally or
	// from a child, with the pool exhausted and escalation unavailable or
	// refused.
	AllocDenied
	// Reprefixed is sent when a parent's PublishNewPrefix notification
	// causes this node to rebase.
	Reprefixed
)

// Event is the record sent down the socket in JSONL form to clients. Link,
// Address and Len are populated according to Kind; fields that do not apply
// to a given Kind are left zero.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Link      arena.LinkID `json:",omitempty"`
	Address   pna.Address  `json:",omitempty"`
	Len       uint8        `json:",omitempty"`
}

// Server is the interface with the methods that report node-engine events
// over the unix domain socket. Construct one with New or NullServer.
type Server interface {
	Listen() error
	Serve(context.Context) error
	LinkUp(link arena.LinkID)
	LinkDown(link arena.LinkID)
	AllocGranted(link arena.LinkID, addr pna.Address, len uint8)
	AllocDenied(link arena.LinkID)
	Reprefixed(addr pna.Address)
}

// clientQueueCap bounds each connected client's outbound queue. A slow
// reader falls behind and starts dropping events rather than stalling the
// broadcast to every other client.
const clientQueueCap = 16

type server struct {
	eventC       chan *Event
	filename     string
	clients      map[net.Conn]chan []byte
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

// addClient registers c with its own outbound queue and starts the
// goroutine that owns writing to it, so one client's write latency never
// blocks the broadcast loop or any other client's delivery.
func (s *server) addClient(c net.Conn) {
	ch := make(chan []byte, clientQueueCap)
	s.mutex.Lock()
	s.clients[c] = ch
	s.mutex.Unlock()
	s.servingWG.Add(1)
	go s.serveClient(c, ch)
}

func (s *server) removeClient(c net.Conn) {
	s.mutex.Lock()
	ch, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
	}
	s.mutex.Unlock()
	if !ok {
		return
	}
	close(ch)
}

// serveClient drains c's outbound queue until it is closed by removeClient
// or a write to c fails, in which case it removes itself from the client
// map before returning.
func (s *server) serveClient(c net.Conn, ch chan []byte) {
	defer s.servingWG.Done()
	defer c.Close()
	for line := range ch {
		if _, err := c.Write(line); err != nil {
			log.Println("write to event client", c, "failed:", err, "- removing it")
			s.removeClient(c)
			return
		}
	}
}

// broadcast enqueues line on every connected client's outbound channel.
// A full channel means that client's serveClient goroutine is behind; the
// event is dropped for that client only rather than blocking every other
// subscriber on it.
func (s *server) broadcast(line []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c, ch := range s.clients {
		select {
		case ch <- line:
		default:
			log.Println("event client", c, "queue full; dropping event")
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	defer s.servingWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.eventC:
			if !ok {
				return
			}
			if event == nil {
				log.Println("WARNING: nil event received")
				continue
			}
			b, err := json.Marshal(*event)
			if err != nil {
				log.Printf("WARNING: could not marshal event %+v: %v\n", event, err)
				continue
			}
			s.broadcast(append(b, '\n'))
		}
	}
}

// Listen returns quickly. After Listen has been called, connections to the
// server will not immediately fail. In order for them to succeed, Serve()
// should be called. This function should only be called once for a given
// Server.
func (s *server) Listen() error {
	var err error
	// Delete any existing socket file before trying to listen on it. Unclean
	// shutdowns can leave stale socket files that block listening.
	os.Remove(s.filename)
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve all clients that connect to this server until the context is
// canceled. It is expected that this will be called in a goroutine, after
// Listen has been called. This function should only be called once for a
// given server: it owns servingWG's accounting for notifyClients and every
// accepted client's serveClient goroutine, and returns once the listener
// stops accepting.
func (s *server) Serve(ctx context.Context) error {
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	s.servingWG.Add(1)
	go s.notifyClients(derivedCtx)

	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			log.Printf("Could not Accept on socket %q: %s\n", s.filename, err)
			continue
		}
		s.addClient(conn)
	}
	return err
}

// LinkUp should be called when a link finishes attaching (spec.md §4.6).
// Link liveness itself is already counted by package link's own metrics;
// this only feeds the event stream.
func (s *server) LinkUp(link arena.LinkID) {
	s.eventC <- &Event{Kind: LinkUp, Timestamp: time.Now(), Link: link}
}

// LinkDown should be called when a link is torn down after going Lost.
func (s *server) LinkDown(link arena.LinkID) {
	s.eventC <- &Event{Kind: LinkDown, Timestamp: time.Now(), Link: link}
}

// AllocGranted should be called whenever the allocator grants a range,
// whether satisfied locally or via escalation.
func (s *server) AllocGranted(link arena.LinkID, addr pna.Address, length uint8) {
	s.eventC <- &Event{Kind: AllocGranted, Timestamp: time.Now(), Link: link, Address: addr, Len: length}
}

// AllocDenied should be called whenever an allocation request is refused.
func (s *server) AllocDenied(link arena.LinkID) {
	s.eventC <- &Event{Kind: AllocDenied, Timestamp: time.Now(), Link: link}
}

// Reprefixed should be called whenever this node rebases to a new parent
// prefix (spec.md §4.3's Rebase, driven by a PublishNewPrefix notification).
func (s *server) Reprefixed(addr pna.Address) {
	s.eventC <- &Event{Kind: Reprefixed, Timestamp: time.Now(), Address: addr}
}

// New makes a new server that serves clients on the provided Unix domain
// socket.
func New(filename string) Server {
	c := make(chan *Event, 100)
	return &server{
		filename: filename,
		eventC:   c,
		clients:  make(map[net.Conn]chan []byte),
	}
}

type nullServer struct{}

// Empty implementations that do no harm.
func (nullServer) Listen() error                                                  { return nil }
func (nullServer) Serve(context.Context) error                                    { return nil }
func (nullServer) LinkUp(arena.LinkID)                                            {}
func (nullServer) LinkDown(arena.LinkID)                                          {}
func (nullServer) AllocGranted(link arena.LinkID, addr pna.Address, length uint8) {}
func (nullServer) AllocDenied(arena.LinkID)                                       {}
func (nullServer) Reprefixed(pna.Address)                                         {}

// NullServer returns a Server that does nothing. It lets code that may or
// may not want an eventsocket take a Server interface without worrying
// about nil checks.
func NullServer() Server {
	return nullServer{}
}
