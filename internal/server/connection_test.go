package server

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/registry"
	"github.com/dnbd3/dnbd3-go/internal/wire"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// startTestListener brings up a real Listener over a loopback TCP
// socket with one already-complete local image, the way a client
// would find it: no cache-map, no uplink, just bytes on disk.
func startTestListener(t *testing.T) (addr string, imageName string, data []byte, stop func()) {
	t.Helper()
	base := t.TempDir()
	imageName = "disk0"
	data = make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, imageName+".r1"), data, 0644))

	cfg := config.Default()
	cfg.BasePath = base
	cfg.ClientTimeout = 5 * time.Second

	alt := altserver.NewRegistry(testLogger())
	prober := altserver.NewProber(alt, testLogger())
	reg := registry.New(cfg, alt, prober, nil, testLogger())

	ln, err := NewListener(cfg, reg, alt, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go ln.Serve(ctx)

	return ln.Addr().String(), imageName, data, func() { cancel(); ln.Close() }
}

func dialTest(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	return conn
}

func selectImage(t *testing.T, conn io.ReadWriter, name string, revision uint16) wire.SelectImagePayload {
	t.Helper()
	payload := wire.SelectImagePayload{ProtocolVersion: wire.ProtocolVersion, Name: name, Revision: revision}.Encode()
	require.NoError(t, wire.WriteRequest(conn, wire.Request{Cmd: wire.CmdSelectImage, Size: uint32(len(payload))}))
	_, err := conn.Write(payload)
	require.NoError(t, err)

	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.CmdSelectImage, rep.Cmd)

	body := make([]byte, rep.Size)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	sel, err := wire.DecodeSelectImagePayload(body)
	require.NoError(t, err)
	return sel
}

func TestSelectImageReturnsVirtualSize(t *testing.T) {
	addr, name, data, stop := startTestListener(t)
	defer stop()

	conn := dialTest(t, addr)
	defer conn.Close()

	sel := selectImage(t, conn, name, 0)
	require.EqualValues(t, len(data), sel.VirtualSize)
	require.EqualValues(t, 1, sel.Revision, "want resolved revision 1")
}

func TestGetBlockServesCachedBytes(t *testing.T) {
	addr, name, data, stop := startTestListener(t)
	defer stop()

	conn := dialTest(t, addr)
	defer conn.Close()
	selectImage(t, conn, name, 0)

	const off, length = 100, 256
	require.NoError(t, wire.WriteRequest(conn, wire.Request{Cmd: wire.CmdGetBlock, Size: length, Offset: off, Handle: 42}))

	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.CmdGetBlock, rep.Cmd)
	require.EqualValues(t, 42, rep.Handle)
	require.EqualValues(t, length, rep.Size)

	body := make([]byte, rep.Size)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	require.Equal(t, data[off:off+length], body)
}

func TestGetBlockPastEndOfImageErrors(t *testing.T) {
	addr, name, data, stop := startTestListener(t)
	defer stop()

	conn := dialTest(t, addr)
	defer conn.Close()
	selectImage(t, conn, name, 0)

	require.NoError(t, wire.WriteRequest(conn, wire.Request{Cmd: wire.CmdGetBlock, Size: 4096, Offset: uint64(len(data)), Handle: 7}))

	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.CmdError, rep.Cmd, "want an error reply past end of image")
	require.EqualValues(t, 7, rep.Handle)
}

func TestKeepaliveIsEchoed(t *testing.T) {
	addr, name, _, stop := startTestListener(t)
	defer stop()

	conn := dialTest(t, addr)
	defer conn.Close()
	selectImage(t, conn, name, 0)

	require.NoError(t, wire.WriteRequest(conn, wire.Request{Cmd: wire.CmdKeepalive, Handle: 9}))

	rep, err := wire.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, wire.CmdKeepalive, rep.Cmd)
	require.EqualValues(t, 9, rep.Handle)
}
