package uplink

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/cache"
	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/wire"
	"golang.org/x/net/context"
)

// ImageHandle is the surface a Worker needs from the image it is
// replicating, kept minimal so this package never imports the registry
// package that owns the concrete image type.
type ImageHandle interface {
	Name() string
	Revision() uint16
	VirtualSize() uint64
	CacheMap() *cache.Map // nil once the image is already complete
	WriteAt(p []byte, off int64) (int, error)
	MarkComplete()
	ClearUplink()
	RefCount() int32
}

// Worker is the single outbound connection that fetches data missing
// from one incomplete image's cache, grounded on uplink.c's
// uplink_mainloop / uplink_send_requests / uplink_handle_receive.
type Worker struct {
	image    ImageHandle
	cfg      config.Config
	registry *altserver.Registry
	prober   *altserver.Prober
	log      *log.Logger
	queue    *Queue

	mu          sync.Mutex
	conn        net.Conn
	currentHost altserver.Host
	connected   bool
	generation  int

	switchHistory []switchEvent

	verdictCh chan altserver.Verdict
	newReqCh  chan struct{}
	replyCh   chan replyMsg

	stop chan struct{}
	wg   sync.WaitGroup
}

type switchEvent struct {
	host altserver.Host
	at   time.Time
}

type replyMsg struct {
	generation int
	reply      wire.Reply
	body       []byte
	err        error
}

// NewWorker builds a worker for image, without starting it.
func NewWorker(image ImageHandle, cfg config.Config, registry *altserver.Registry, prober *altserver.Prober, logger *log.Logger) *Worker {
	return &Worker{
		image:     image,
		cfg:       cfg,
		registry:  registry,
		prober:    prober,
		log:       logger,
		queue:     NewQueue(),
		verdictCh: make(chan altserver.Verdict, 1),
		newReqCh:  make(chan struct{}, 1),
		replyCh:   make(chan replyMsg, 8),
		stop:      make(chan struct{}),
	}
}

// Request enqueues a client's byte-range fetch and wakes the sender.
func (w *Worker) Request(owner Owner, handle uint64, start, end uint64, hopCount uint8) error {
	if _, err := w.queue.Add(owner, handle, start, end, hopCount); err != nil {
		return err
	}
	select {
	case w.newReqCh <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the worker's main loop and requests an initial probe.
func (w *Worker) Start(ctx context.Context) {
	w.prober.RequestProbe(w)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop shuts the worker down and releases its connection.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	bgr := time.NewTicker(2 * time.Second)
	defer bgr.Stop()
	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			w.teardown()
			return
		case <-w.stop:
			w.teardown()
			return
		case v := <-w.verdictCh:
			w.applyVerdict(v)
		case <-w.newReqCh:
			w.flushNew()
		case m := <-w.replyCh:
			w.handleReply(m)
		case <-bgr.C:
			w.maybeReplicate()
		case <-keepalive.C:
			w.sendKeepalive()
		}
	}
}

func (w *Worker) teardown() {
	failed := w.queue.Fail()
	for _, c := range failed {
		c.owner.DeliverError(c.handle)
	}
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.connected = false
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	w.image.ClearUplink()
}

// --- altserver.ProbeTarget ---

func (w *Worker) CurrentHost() (altserver.Host, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentHost, w.connected
}

func (w *Worker) ImageSelector() (string, uint16) {
	return w.image.Name(), w.image.Revision()
}

// CycleDetected reports whether the last few switches bounced between
// the same two servers in quick succession, per spec.md §4.5's
// cycle-detection penalty.
func (w *Worker) CycleDetected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.switchHistory)
	if n < 4 {
		return false
	}
	recent := w.switchHistory[n-4:]
	if time.Since(recent[0].at) > 60*time.Second {
		return false
	}
	a, b := recent[0].host, recent[1].host
	return altserver.SameAddressPort(recent[2].host, a) && altserver.SameAddressPort(recent[3].host, b)
}

func (w *Worker) Deliver(v altserver.Verdict) {
	select {
	case w.verdictCh <- v:
	default:
		// A verdict is already queued; drop the stale connection offered
		// by this one rather than block the prober.
		if v.Conn != nil {
			v.Conn.Close()
		}
	}
}

// --- connection lifecycle ---

func (w *Worker) applyVerdict(v altserver.Verdict) {
	switch v.Kind {
	case altserver.DoChange:
		w.swapConnection(v.Host, v.Conn)
	case altserver.NotReachable:
		logging.Warnf(w.log, "image %s: no alt-server reachable", w.image.Name())
	case altserver.DontChange:
	}
}

func (w *Worker) swapConnection(host altserver.Host, conn net.Conn) {
	w.mu.Lock()
	old := w.conn
	w.conn = conn
	w.currentHost = host
	w.connected = true
	w.generation++
	gen := w.generation
	w.switchHistory = append(w.switchHistory, switchEvent{host: host, at: time.Now()})
	if len(w.switchHistory) > 8 {
		w.switchHistory = w.switchHistory[len(w.switchHistory)-8:]
	}
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	// Every in-flight request was lost with the old connection; requeue
	// it so flushNew resends against the new one.
	w.requeueAll()

	w.wg.Add(1)
	go w.receiveLoop(conn, gen)
	w.flushNew()
}

func (w *Worker) requeueAll() {
	// Pending/Processing entries left over from a dead connection need a
	// fresh GET_BLOCK; they go back to New in their own slots, so the
	// resend carries the same upstream handle, range and hop count.
	w.queue.mu.Lock()
	defer w.queue.mu.Unlock()
	for i := range w.queue.entries {
		e := &w.queue.entries[i]
		if e.state == StatePending || e.state == StateProcessing {
			e.state = StateNew
			e.sentAt = time.Time{}
		}
	}
}

func (w *Worker) flushNew() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	for _, pr := range w.queue.TakeNew() {
		req := wire.Request{
			Magic:  wire.Magic,
			Cmd:    wire.CmdGetBlock,
			Size:   uint32(pr.end - pr.start),
			Offset: wire.OffsetWithHop(pr.start, pr.hopCount),
			Handle: uint64(pr.idx),
		}
		if err := wire.WriteRequest(conn, req); err != nil {
			w.connFailed()
			return
		}
		w.queue.MarkSent(pr.idx)
	}
}

func (w *Worker) sendKeepalive() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	req := wire.Request{Magic: wire.Magic, Cmd: wire.CmdKeepalive}
	if err := wire.WriteRequest(conn, req); err != nil {
		w.connFailed()
	}
}

func (w *Worker) connFailed() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.connected = false
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	w.requeueAll()
	w.prober.RequestProbe(w)
}

func (w *Worker) receiveLoop(conn net.Conn, gen int) {
	defer w.wg.Done()
	for {
		reply, err := wire.ReadReply(conn)
		if err != nil {
			w.replyCh <- replyMsg{generation: gen, err: err}
			return
		}
		body := make([]byte, reply.Size)
		if _, err := io.ReadFull(conn, body); err != nil {
			w.replyCh <- replyMsg{generation: gen, err: err}
			return
		}
		w.replyCh <- replyMsg{generation: gen, reply: reply, body: body}
	}
}

func (w *Worker) handleReply(m replyMsg) {
	w.mu.Lock()
	stale := m.generation != w.generation
	w.mu.Unlock()
	if stale {
		return
	}
	if m.err != nil {
		w.connFailed()
		return
	}
	if m.reply.Cmd == wire.CmdError {
		idx := int(m.reply.Handle)
		start, end, ok := w.queue.RangeOf(idx)
		if ok {
			w.queue.FreeOne(idx)
			logging.Warnf(w.log, "image %s: upstream error for range [%d,%d)", w.image.Name(), start, end)
		}
		return
	}
	idx := int(m.reply.Handle)
	start, _, ok := w.queue.RangeOf(idx)
	if !ok {
		return
	}
	if sentAt, ok := w.queue.SentAt(idx); ok {
		observed := uint32(time.Since(sentAt).Microseconds())
		w.mu.Lock()
		host, connected := w.currentHost, w.connected
		w.mu.Unlock()
		if connected {
			w.registry.UpdateLiveRTT(host, observed)
		}
	}
	if _, err := w.image.WriteAt(m.body, int64(start)); err != nil {
		logging.Errorf(w.log, "image %s: write at %d: %v", w.image.Name(), start, err)
		return
	}
	end := start + uint64(len(m.body))
	if cm := w.image.CacheMap(); cm != nil {
		cm.Mark(start, end, true)
		if cm.Complete() {
			w.image.MarkComplete()
		}
	}
	for _, c := range w.queue.CompleteRange(start, end) {
		c.owner.DeliverBlock(c.handle, c.start, c.end-c.start)
	}
}

// maybeReplicate issues a background fetch for the lowest-indexed
// hash-block that is not yet fully present, when enabled and enough
// clients are attached. The scan always starts at hash-block 0, so no
// round-robin position is kept between calls.
func (w *Worker) maybeReplicate() {
	if !w.cfg.BackgroundReplication {
		return
	}
	if int(w.image.RefCount()) < w.cfg.BgrMinClients {
		return
	}
	cm := w.image.CacheMap()
	if cm == nil {
		return
	}
	blockCount := int((w.image.VirtualSize() + wire.HashBlockSize - 1) / wire.HashBlockSize)
	next := cm.NextMissingHashBlock(0, blockCount)
	if next < 0 {
		return
	}
	start := uint64(next) * wire.HashBlockSize
	end := start + wire.HashBlockSize
	if end > w.image.VirtualSize() {
		end = w.image.VirtualSize()
	}
	if err := w.Request(bgrOwner{}, 0, start, end, 0); err != nil {
		logging.Debugf(w.log, "image %s: background replication queue full", w.image.Name())
	}
}

// bgrOwner is the no-op Owner used for self-initiated background
// replication fetches, which have no client waiting on a reply.
type bgrOwner struct{}

func (bgrOwner) DeliverBlock(uint64, uint64, uint64) {}
func (bgrOwner) DeliverError(uint64)                 {}

