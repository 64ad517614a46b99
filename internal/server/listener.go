// Package server implements the client-facing Listener and per-client
// Connection: the Receive/Dispatch pipeline adapted from the teacher's
// NBD connection handling to the dnbd3 wire protocol.
package server

import (
	"log"
	"net"
	"sync"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/registry"
	"golang.org/x/net/context"
)

// Listener accepts client TCP connections and spawns one Connection
// per socket, grounded on the teacher's Listener/Connection split.
type Listener struct {
	cfg      config.Config
	log      *log.Logger
	registry *registry.Registry
	alt      *altserver.Registry

	ln net.Listener
	wg sync.WaitGroup
}

// NewListener binds addr and returns a Listener ready to Serve.
func NewListener(cfg config.Config, reg *registry.Registry, alt *altserver.Registry, logger *log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	return &Listener{cfg: cfg, log: logger, registry: reg, alt: alt, ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is canceled or the listener is
// closed.
func (l *Listener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return
			default:
			}
			logging.Warnf(l.log, "listener: accept: %v", err)
			continue
		}
		c := newConnection(l, conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			c.Serve(ctx)
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
