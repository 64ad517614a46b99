package server

import (
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/integrity"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/registry"
	"github.com/dnbd3/dnbd3-go/internal/workerpool"
	"golang.org/x/net/context"
)

// reaperInterval is how often reapLoop, the only caller of
// EnsureSpace, gives the disk-space reaper a chance to run.
const reaperInterval = time.Minute

// Server wires together the alt-server registry, the image registry,
// the client listener, the disk reaper and the integrity checker into
// one running dnbd3 node, grounded on the teacher's StartServer.
type Server struct {
	cfg config.Config
	log *log.Logger

	Alt      *altserver.Registry
	Prober   *altserver.Prober
	Registry *registry.Registry
	Reaper   *registry.Reaper
	Checker  *integrity.Checker
	Pool     *workerpool.Pool
	Listener *Listener
}

// New builds a Server from cfg and the alt-servers parsed from its
// alt-servers file, but does not start listening yet.
func New(cfg config.Config, altServers []config.AltServerEntry, logger *log.Logger) (*Server, error) {
	alt := altserver.NewRegistry(logger)
	for _, e := range altServers {
		host, err := altserver.ParseHost(e.Host)
		if err != nil {
			logging.Warnf(logger, "server: skipping alt-server %q: %v", e.Host, err)
			continue
		}
		alt.Add(host, e.Comment, e.Private, e.ClientOnly)
	}

	prober := altserver.NewProber(alt, logger)
	checker := integrity.New(logger)
	reg := registry.New(cfg, alt, prober, checker, logger)
	pool := workerpool.New(cfg.MaxIdleThreads)

	ln, err := NewListener(cfg, reg, alt, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      logger,
		Alt:      alt,
		Prober:   prober,
		Registry: reg,
		Reaper:   registry.NewReaper(reg),
		Checker:  checker,
		Pool:     pool,
		Listener: ln,
	}, nil
}

// Run starts every subsystem and blocks until ctx is canceled, then
// waits for all of them to stop. No subsystem reports an error, so Run
// returns nil.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Listener.Serve(ctx)
		return nil
	})
	g.Go(func() error {
		s.Prober.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.Checker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.Registry.WatchLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.reapLoop(ctx)
		return nil
	})

	logging.Infof(s.log, "server: listening on %s", s.Listener.Addr())
	<-ctx.Done()
	s.Listener.Close()
	return g.Wait()
}

// reapLoop periodically gives the disk-space reaper a chance to evict
// cold images until MaxReplicationSize bytes are free; nothing else
// triggers a reap.
func (s *Server) reapLoop(ctx context.Context) {
	if s.cfg.MaxReplicationSize <= 0 {
		return
	}
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reaper.EnsureSpace(uint64(s.cfg.MaxReplicationSize)); err != nil {
				logging.Debugf(s.log, "server: periodic reap: %v", err)
			}
		}
	}
}
