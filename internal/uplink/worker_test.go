package uplink

import (
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/cache"
	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/wire"
)

type fakeImageHandle struct {
	name        string
	virtualSize uint64
	cm          *cache.Map
	refCount    int32
	written     []byte
	completed   bool
	clearedUp   bool
}

func (f *fakeImageHandle) Name() string             { return f.name }
func (f *fakeImageHandle) Revision() uint16         { return 1 }
func (f *fakeImageHandle) VirtualSize() uint64      { return f.virtualSize }
func (f *fakeImageHandle) CacheMap() *cache.Map     { return f.cm }
func (f *fakeImageHandle) WriteAt(p []byte, off int64) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
func (f *fakeImageHandle) MarkComplete()  { f.completed = true }
func (f *fakeImageHandle) ClearUplink()   { f.clearedUp = true }
func (f *fakeImageHandle) RefCount() int32 { return f.refCount }

func testWorker() *Worker {
	img := &fakeImageHandle{name: "img", virtualSize: 1 << 20, cm: cache.NewMap(1 << 20)}
	alt := altserver.NewRegistry(log.New(io.Discard, "", 0))
	prober := altserver.NewProber(alt, log.New(io.Discard, "", 0))
	return NewWorker(img, config.Default(), alt, prober, log.New(io.Discard, "", 0))
}

// TestCycleDetectedRequiresAlternatingPatternWithinWindow exercises the
// spec.md §4.5 cycle-detection penalty: an empty history (fewer than
// four switches) is not a cycle, A,B,A,B within 60s is.
func TestCycleDetectedRequiresAlternatingPatternWithinWindow(t *testing.T) {
	w := testWorker()
	a := altserver.Host{Family: 2, Addr: [16]byte{10, 0, 0, 1}, Port: 5003}
	b := altserver.Host{Family: 2, Addr: [16]byte{10, 0, 0, 2}, Port: 5003}

	require.False(t, w.CycleDetected(), "fewer than 4 switches should never trip cycle detection")

	now := time.Now()
	w.switchHistory = []switchEvent{
		{host: a, at: now},
		{host: b, at: now},
		{host: a, at: now},
		{host: b, at: now},
	}
	require.True(t, w.CycleDetected())
}

func TestCycleDetectedIgnoresStaleHistory(t *testing.T) {
	w := testWorker()
	a := altserver.Host{Family: 2, Addr: [16]byte{10, 0, 0, 1}, Port: 5003}
	b := altserver.Host{Family: 2, Addr: [16]byte{10, 0, 0, 2}, Port: 5003}
	stale := time.Now().Add(-2 * time.Minute)
	w.switchHistory = []switchEvent{
		{host: a, at: stale},
		{host: b, at: stale},
		{host: a, at: stale},
		{host: b, at: time.Now()},
	}
	require.False(t, w.CycleDetected(), "a window older than 60s must not count as a cycle")
}

func TestHandleReplySuccessWritesAndDispatchesOwner(t *testing.T) {
	w := testWorker()
	owner := &fakeOwner{}
	idx, err := w.queue.Add(owner, 99, 0, 4096, 0)
	require.NoError(t, err)
	w.queue.TakeNew()

	body := make([]byte, 4096)
	for i := range body {
		body[i] = 0xAB
	}
	reply := wire.Reply{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Handle: uint64(idx), Size: uint32(len(body))}
	w.handleReply(replyMsg{generation: 0, reply: reply, body: body})

	fh := w.image.(*fakeImageHandle)
	require.Equal(t, body, fh.written)
	require.Equal(t, []uint64{99}, owner.delivered)
}

// TestSwapConnectionResendsInFlightRequestsUnchanged exercises boundary
// scenario 6 from spec.md §8: requests still in flight on the old
// uplink connection when a switch verdict lands must be re-sent on the
// new connection and still reach their original owner/handle exactly
// once.
func TestSwapConnectionResendsInFlightRequestsUnchanged(t *testing.T) {
	w := testWorker()
	owner := &fakeOwner{}

	_, err := w.queue.Add(owner, 10, 0, 4096, 0)
	require.NoError(t, err)
	_, err = w.queue.Add(owner, 20, 4096, 8192, 0)
	require.NoError(t, err)

	serverA, clientA := net.Pipe()
	hostA := altserver.Host{Family: 2, Addr: [16]byte{10, 0, 0, 1}, Port: 5003}

	// Drain the two GET_BLOCK requests the first flushNew sends on A,
	// without ever answering them: they stay Pending. net.Pipe writes
	// block until read, so the reader must run alongside swapConnection.
	doneA := make(chan struct{})
	var errsA []error
	var handlesA []uint64
	go func() {
		defer close(doneA)
		for i := 0; i < 2; i++ {
			req, err := wire.ReadRequest(serverA)
			errsA = append(errsA, err)
			if err != nil {
				return
			}
			handlesA = append(handlesA, req.Handle)
		}
	}()
	w.swapConnection(hostA, clientA)
	<-doneA
	for _, err := range errsA {
		require.NoError(t, err)
	}

	serverB, clientB := net.Pipe()
	hostB := altserver.Host{Family: 2, Addr: [16]byte{10, 0, 0, 2}, Port: 5003}
	done := make(chan struct{})
	var reqs []wire.Request
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			req, err := wire.ReadRequest(serverB)
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
	}()
	w.swapConnection(hostB, clientB)
	<-done

	require.Len(t, reqs, 2, "both in-flight requests must be resent on the new connection")
	require.ElementsMatch(t, handlesA, []uint64{reqs[0].Handle, reqs[1].Handle}, "want the resent requests to carry their original upstream handles")

	gen := w.generation
	for _, req := range reqs {
		body := make([]byte, req.Size)
		rep := wire.Reply{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Handle: req.Handle, Size: req.Size}
		w.handleReply(replyMsg{generation: gen, reply: rep, body: body})
	}

	require.ElementsMatch(t, []uint64{10, 20}, owner.delivered, "want each client handle delivered exactly once")
	require.Empty(t, owner.errored)
}
