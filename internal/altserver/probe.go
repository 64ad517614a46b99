package altserver

import (
	"errors"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/wire"
	"golang.org/x/net/context"
)

// errUnexpectedReply is returned when a probed server answers
// SELECT_IMAGE with something other than a SELECT_IMAGE reply.
var errUnexpectedReply = errors.New("altserver: unexpected reply to select-image probe")

// ProbeTarget is implemented by an uplink worker: the minimal surface
// the prober needs to measure candidates for one image and hand back a
// verdict, without the altserver package importing the uplink package.
type ProbeTarget interface {
	// CurrentHost returns the uplink's current server and whether the
	// connection is presently usable.
	CurrentHost() (Host, bool)
	// ImageSelector returns the SELECT_IMAGE parameters to use when
	// probing a candidate.
	ImageSelector() (name string, revision uint16)
	// CycleDetected reports whether this uplink has recently bounced
	// between servers enough that switching should be suppressed.
	CycleDetected() bool
	// Deliver hands the probe result back to the uplink worker.
	Deliver(Verdict)
}

// Verdict is the result of one probe round for one ProbeTarget.
type Verdict struct {
	Kind            VerdictKind
	Host            Host
	Conn            net.Conn // non-nil only for DoChange; caller takes ownership
	ProtocolVersion uint16
}

// dialFunc is overridable in tests.
type dialFunc func(ctx context.Context, host Host) (net.Conn, error)

// Prober runs the RTT measurement and switch-decision loop for a set
// of uplink workers sharing one Registry, grounded on altservers.c's
// altservers_main / probing loop.
type Prober struct {
	registry *Registry
	log      *log.Logger
	dial     dialFunc
	timeout  time.Duration

	mu      sync.Mutex
	pending map[ProbeTarget]struct{}
	wake    chan struct{}
}

// NewProber builds a Prober against the given registry.
func NewProber(registry *Registry, logger *log.Logger) *Prober {
	return &Prober{
		registry: registry,
		log:      logger,
		dial:     dialTCP,
		timeout:  750 * time.Millisecond,
		pending:  make(map[ProbeTarget]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func dialTCP(ctx context.Context, host Host) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", host.String())
}

// RequestProbe enqueues target for the next probe round. Safe to call
// from multiple uplink workers concurrently; duplicate requests for a
// target already pending are coalesced.
func (p *Prober) RequestProbe(target ProbeTarget) {
	p.mu.Lock()
	_, already := p.pending[target]
	p.pending[target] = struct{}{}
	p.mu.Unlock()
	if !already {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Run drives the probe loop until ctx is canceled. Each round probes
// only the targets queued by RequestProbe; the periodic tick triggers
// another drain of that queue, so a target that has not requested a
// probe is not measured.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		for _, t := range p.drain() {
			p.probeOne(ctx, t)
		}
	}
}

func (p *Prober) drain() []ProbeTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProbeTarget, 0, len(p.pending))
	for t := range p.pending {
		out = append(out, t)
	}
	p.pending = make(map[ProbeTarget]struct{})
	return out
}

// probeOne measures RTT against the current server (if any) plus a
// batch of candidates from the registry, then applies decide() and
// delivers the verdict.
func (p *Prober) probeOne(ctx context.Context, target ProbeTarget) {
	current, currentAlive := target.CurrentHost()
	emergency := !currentAlive
	candidates := p.registry.ListForUplink(4, emergency)

	type measured struct {
		host  Host
		rtt   uint32
		conn  net.Conn
		proto uint16
		ok    bool
	}
	results := make([]measured, 0, len(candidates)+1)

	probe := func(h Host) measured {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		start := time.Now()
		conn, proto, err := p.handshake(pctx, h, target)
		if err != nil {
			p.registry.ReportFailure(h)
			return measured{host: h}
		}
		elapsed := uint32(time.Since(start).Microseconds())
		p.registry.UpdateRTT(h, elapsed)
		return measured{host: h, rtt: elapsed, conn: conn, proto: proto, ok: true}
	}

	haveCurrent := false
	for _, h := range candidates {
		if currentAlive && SameAddressPort(h, current) {
			haveCurrent = true
		}
		results = append(results, probe(h))
	}
	if currentAlive && !haveCurrent {
		results = append(results, probe(current))
	}

	var best *measured
	var curRes *measured
	for i := range results {
		r := &results[i]
		if !r.ok {
			continue
		}
		if currentAlive && SameAddressPort(r.host, current) {
			curRes = r
		}
		if best == nil || r.rtt < best.rtt {
			best = r
		}
	}

	in := decisionInput{
		currentAlive: currentAlive,
		hasBest:      best != nil,
		cycleDetect:  target.CycleDetected(),
		roll:         rand.Intn(50),
	}
	if curRes != nil {
		in.currentRTT = curRes.rtt
	}
	if currentAlive {
		in.currentCount = p.registry.bestCountOf(current)
		// Blend in the liveRtt EWMA learned from actual production
		// replies, per spec.md §3/§4.5, so a current server that has
		// quietly drifted slower between probe rounds is still caught.
		if live, ok := p.registry.liveRTTOf(current); ok {
			if curRes != nil {
				in.currentRTT = (curRes.rtt + live) / 2
			} else {
				in.currentRTT = live
			}
		}
	}
	if best != nil {
		in.bestRTT = best.rtt
		in.bestIsSame = currentAlive && SameAddressPort(best.host, current)
		in.bestCount = p.registry.bestCountOf(best.host)
	}

	// The bestCount accumulation from spec.md §4.5 runs every probe
	// round regardless of the verdict: the winner's counter grows and
	// every other measured server's decays, so a consistently-faster
	// candidate can eventually clear the anti-flap gate even while
	// staying below the RTT switch thresholds.
	if best != nil {
		p.registry.bumpBestCount(best.host)
	}

	kind := decide(in)

	verdict := Verdict{Kind: kind}
	switch kind {
	case DoChange:
		verdict.Host = best.host
		verdict.Conn = best.conn
		verdict.ProtocolVersion = best.proto
	case NotReachable:
	default:
	}

	// Close every measured connection we are not handing off.
	for i := range results {
		if results[i].ok && results[i].conn != nil && results[i].conn != verdict.Conn {
			results[i].conn.Close()
		}
	}

	target.Deliver(verdict)
}

// handshake dials h and performs the SELECT_IMAGE round trip the
// uplink would otherwise need for a real connection, so that a
// DoChange verdict can hand over an already-negotiated socket.
func (p *Prober) handshake(ctx context.Context, h Host, target ProbeTarget) (net.Conn, uint16, error) {
	conn, err := p.dial(ctx, h)
	if err != nil {
		return nil, 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	name, revision := target.ImageSelector()
	payload := wire.SelectImagePayload{ProtocolVersion: wire.ProtocolVersion, Name: name, Revision: revision}.Encode()
	req := wire.Request{Magic: wire.Magic, Cmd: wire.CmdSelectImage, Size: uint32(len(payload))}
	if err := wire.WriteRequest(conn, req); err != nil {
		conn.Close()
		return nil, 0, err
	}
	if _, err := conn.Write(payload); err != nil {
		conn.Close()
		return nil, 0, err
	}
	reply, err := wire.ReadReply(conn)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	body := make([]byte, reply.Size)
	if _, err := io.ReadFull(conn, body); err != nil {
		conn.Close()
		return nil, 0, err
	}
	if reply.Cmd != wire.CmdSelectImage {
		conn.Close()
		return nil, 0, errUnexpectedReply
	}
	sel, err := wire.DecodeSelectImagePayload(body)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	if sel.ProtocolVersion < wire.MinSupportedVersion {
		conn.Close()
		return nil, 0, errors.New("altserver: probed server speaks an unsupported protocol version")
	}
	return conn, sel.ProtocolVersion, nil
}
