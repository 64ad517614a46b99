package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/registry"
	"github.com/dnbd3/dnbd3-go/internal/wire"
	"golang.org/x/net/context"
)

// DefaultWorkers is the number of Dispatch goroutines run per client
// connection.
var DefaultWorkers = 4

// maxHops bounds how many times a GET_BLOCK request may be relayed
// between cooperating proxies before it is refused, breaking
// replication cycles.
const maxHops = 16

// outFrame is one reply header plus its payload, queued for the single
// Transmit goroutine so every write to the socket is serialized without
// needing a mutex shared across goroutines.
type outFrame struct {
	reply   wire.Reply
	payload []byte
}

// Connection is one client's session: negotiation, then the
// Receive/Dispatch/Transmit pipeline adapted from the teacher's NBD
// Connection to the dnbd3 wire protocol.
type Connection struct {
	listener *Listener
	conn     net.Conn
	name     string

	image *registry.Image

	rxCh chan wire.Request
	txCh chan outFrame

	wg sync.WaitGroup

	killOnce sync.Once
	killCh   chan struct{}
}

func newConnection(l *Listener, conn net.Conn) *Connection {
	return &Connection{
		listener: l,
		conn:     conn,
		name:     conn.RemoteAddr().String(),
		rxCh:     make(chan wire.Request, 64),
		txCh:     make(chan outFrame, 64),
		killCh:   make(chan struct{}),
	}
}

func (c *Connection) kill() {
	c.killOnce.Do(func() { close(c.killCh) })
}

// Serve negotiates the session, then runs the pipeline until the
// client disconnects or the parent context is canceled.
func (c *Connection) Serve(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer func() {
		c.conn.Close()
		if c.image != nil {
			c.listener.registry.Release(c.image)
		}
		logging.Infof(c.listener.log, "connection: closed %s", c.name)
	}()

	if err := c.negotiate(ctx); err != nil {
		logging.Infof(c.listener.log, "connection: negotiation with %s failed: %v", c.name, err)
		return
	}

	c.wg.Add(2)
	go c.receive(ctx)
	go c.transmit(ctx)
	for i := 0; i < DefaultWorkers; i++ {
		c.wg.Add(1)
		go c.dispatch(ctx)
	}

	select {
	case <-c.killCh:
	case <-ctx.Done():
	}
	cancel()
	c.wg.Wait()
}

// negotiate performs the SELECT_IMAGE exchange that must open every
// connection, per spec.md §6.
func (c *Connection) negotiate(ctx context.Context) error {
	c.conn.SetDeadline(time.Now().Add(c.listener.cfg.ClientTimeout))
	defer c.conn.SetDeadline(time.Time{})

	req, err := wire.ReadRequest(c.conn)
	if err != nil {
		return err
	}
	if req.Cmd != wire.CmdSelectImage {
		return errBadNegotiation
	}
	body := make([]byte, req.Size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return err
	}
	sel, err := wire.DecodeSelectImagePayload(body)
	if err != nil {
		return err
	}

	img, err := c.resolveImage(ctx, sel.Name, sel.Revision)
	if err != nil {
		c.sendSelectError(req.Handle)
		return err
	}
	c.image = img
	c.name = c.name + "/" + img.Name()

	reply := wire.SelectImagePayload{
		ProtocolVersion: wire.ProtocolVersion,
		Name:            img.Name(),
		Revision:        img.Revision(),
		VirtualSize:     img.VirtualSize(),
	}.Encode()
	return c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdSelectImage, Size: uint32(len(reply)), Handle: req.Handle}, reply)
}

func (c *Connection) sendSelectError(handle uint64) {
	c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdError, Handle: handle}, nil)
}

// resolveImage looks the image up locally, falling back to an
// alt-server size lookup (proxy mode only) when it is not yet cached.
func (c *Connection) resolveImage(ctx context.Context, name string, revision uint16) (*registry.Image, error) {
	if img, ok := c.listener.registry.Get(name, revision); ok {
		return img, nil
	}
	size := uint64(0)
	if c.listener.cfg.IsProxy && c.listener.cfg.LookupMissingForProxy {
		if s, rev, err := c.lookupRemoteSize(ctx, name, revision); err == nil {
			size, revision = s, rev
		}
	}
	return c.listener.registry.GetOrLoad(ctx, name, revision, size)
}

// lookupRemoteSize asks a candidate alt-server for an image's virtual
// size via a one-off SELECT_IMAGE round trip, used to create a fresh
// proxy-mode cache entry before any uplink worker exists yet.
func (c *Connection) lookupRemoteSize(ctx context.Context, name string, revision uint16) (uint64, uint16, error) {
	for _, host := range c.listener.alt.ListForUplink(4, true) {
		size, rev, err := probeRemoteImage(ctx, host, name, revision)
		if err == nil {
			return size, rev, nil
		}
	}
	return 0, 0, errNoAltServerReachable
}

func (c *Connection) writeReply(rep wire.Reply, payload []byte) error {
	select {
	case c.txCh <- outFrame{reply: rep, payload: payload}:
		return nil
	case <-c.killCh:
		return errConnectionClosed
	}
}

func (c *Connection) receive(ctx context.Context) {
	defer func() {
		c.kill()
		c.wg.Done()
	}()
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.listener.cfg.ClientTimeout))
		req, err := wire.ReadRequest(c.conn)
		if err != nil {
			if err != io.EOF {
				logging.Debugf(c.listener.log, "connection: %s read: %v", c.name, err)
			}
			return
		}
		select {
		case c.rxCh <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) dispatch(ctx context.Context) {
	defer func() {
		c.kill()
		c.wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.rxCh:
			if !ok {
				return
			}
			if !c.handle(req) {
				return
			}
		}
	}
}

func (c *Connection) handle(req wire.Request) bool {
	switch req.Cmd {
	case wire.CmdGetBlock:
		c.handleGetBlock(req)
	case wire.CmdGetServers:
		c.handleGetServers(req)
	case wire.CmdGetCRC32:
		c.handleGetCRC32(req)
	case wire.CmdKeepalive:
		c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdKeepalive, Handle: req.Handle}, nil)
	case wire.CmdSelectImage:
		// Mid-session image switch is not supported: reply ERROR and keep
		// serving the image selected at negotiation.
		logging.Debugf(c.listener.log, "connection: %s requested mid-session select-image, ignoring", c.name)
		c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdError, Handle: req.Handle}, nil)
	default:
		logging.Warnf(c.listener.log, "connection: %s sent unknown command %d", c.name, req.Cmd)
		return false
	}
	return true
}

func (c *Connection) handleGetBlock(req wire.Request) {
	start := req.RealOffset()
	length := uint64(req.Size)
	hop := req.HopCount()
	end := start + length

	if c.image == nil || end > c.image.VirtualSize() {
		c.DeliverError(req.Handle)
		return
	}

	cm := c.image.CacheMap()
	if cm == nil || cm.IsRangePresent(start, end) {
		c.DeliverBlock(req.Handle, start, length)
		return
	}

	up := c.image.Uplink()
	if up == nil || hop >= maxHops {
		c.DeliverError(req.Handle)
		return
	}
	if err := up.Request(c, req.Handle, start, end, hop+1); err != nil {
		c.DeliverError(req.Handle)
	}
}

// DeliverBlock implements uplink.Owner: read the now-cached range and
// send it to the client.
func (c *Connection) DeliverBlock(handle uint64, off, length uint64) {
	buf := make([]byte, length)
	if _, err := c.image.ReadAt(buf, int64(off)); err != nil {
		logging.Warnf(c.listener.log, "connection: %s read at %d: %v", c.name, off, err)
		c.DeliverError(handle)
		return
	}
	c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Size: uint32(length), Handle: handle}, buf)
}

// DeliverError implements uplink.Owner.
func (c *Connection) DeliverError(handle uint64) {
	c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdError, Handle: handle}, nil)
}

func (c *Connection) handleGetServers(req wire.Request) {
	host, err := altserver.ParseHost(c.conn.RemoteAddr().String())
	if err != nil {
		c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdGetServers, Handle: req.Handle}, nil)
		return
	}
	n := int(req.Size)
	if n <= 0 {
		n = 8
	}
	entries := c.listener.alt.ListForClient(host, n)
	payload := wire.EncodeServerEntries(entries)
	c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdGetServers, Size: uint32(len(payload)), Handle: req.Handle}, payload)
}

func (c *Connection) handleGetCRC32(req wire.Request) {
	if c.image == nil {
		c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdError, Handle: req.Handle}, nil)
		return
	}
	m := c.image.Manifest()
	if m == nil {
		c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdError, Handle: req.Handle}, nil)
		return
	}
	payload := m.Encode()
	c.writeReply(wire.Reply{Magic: wire.Magic, Cmd: wire.CmdGetCRC32, Size: uint32(len(payload)), Handle: req.Handle}, payload)
}

func (c *Connection) transmit(ctx context.Context) {
	defer func() {
		c.kill()
		c.wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.txCh:
			if !ok {
				return
			}
			if err := wire.WriteReply(c.conn, f.reply); err != nil {
				logging.Debugf(c.listener.log, "connection: %s write: %v", c.name, err)
				return
			}
			if len(f.payload) > 0 {
				if _, err := c.conn.Write(f.payload); err != nil {
					logging.Debugf(c.listener.log, "connection: %s write payload: %v", c.name, err)
					return
				}
			}
		}
	}
}
