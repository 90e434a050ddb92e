package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"strings"

	"github.com/m-lab/go/rtx"
)

var (
	// Filename is a command-line flag holding the name of the unix-domain
	// socket used by the client and server. Kept as a single standard flag
	// name so every caller agrees on it.
	Filename = flag.String("ergot.eventsocket", "", "The filename of the unix-domain socket on which node events are served.")
)

// Handler is the interface that interested users of the event feed should
// implement. Each method corresponds to one EventKind.
type Handler interface {
	LinkUp(ctx context.Context, ev Event)
	LinkDown(ctx context.Context, ev Event)
	AllocGranted(ctx context.Context, ev Event)
	AllocDenied(ctx context.Context, ev Event)
	Reprefixed(ctx context.Context, ev Event)
}

// MustRun reads from the named socket until the context is cancelled. Any
// errors are fatal.
func MustRun(ctx context.Context, socket string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("unix", socket)
	rtx.Must(err, "Could not connect to %q", socket)
	go func() {
		// Close the connection when the context is done. Closing the
		// underlying connection means the scanner will soon terminate.
		<-ctx.Done()
		c.Close()
	}()

	// By default bufio.Scanner is based on newlines, which fits our JSONL
	// protocol.
	s := bufio.NewScanner(c)
	for s.Scan() {
		var ev Event
		rtx.Must(json.Unmarshal(s.Bytes(), &ev), "Could not unmarshal")
		switch ev.Kind {
		case LinkUp:
			handler.LinkUp(ctx, ev)
		case LinkDown:
			handler.LinkDown(ctx, ev)
		case AllocGranted:
			handler.AllocGranted(ctx, ev)
		case AllocDenied:
			handler.AllocDenied(ctx, ev)
		case Reprefixed:
			handler.Reprefixed(ctx, ev)
		default:
			log.Println("Unknown event kind:", ev.Kind)
		}
	}

	// s.Err() is supposed to be nil under normal conditions. Scanner objects
	// hide the expected EOF error and return nil after they encounter it,
	// because EOF is the expected error. However, reading on a closed socket
	// doesn't give you an EOF error and the error it does give you is
	// unexported. The error it gives you should be treated the same as EOF,
	// because it corresponds to the connection terminating under normal
	// conditions. Because Scanner hides the EOF error, it should also hide
	// the unexported one. Because Scanner doesn't, we do so here. Other
	// errors should not be hidden.
	err = s.Err()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		err = nil
	}
	rtx.Must(err, "Scanning of %q died with non-EOF error", socket)
}
