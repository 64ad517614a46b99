package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/wire"
	"golang.org/x/net/context"
)

var (
	errBadNegotiation       = errors.New("server: connection did not open with select-image")
	errConnectionClosed     = errors.New("server: connection closed")
	errNoAltServerReachable = errors.New("server: no alt-server answered the size lookup")
)

// probeSizeTimeout bounds the one-off dial used to learn an image's
// virtual size from an alt-server before any uplink worker exists.
const probeSizeTimeout = 3 * time.Second

// probeRemoteImage opens a short-lived connection to host, performs the
// SELECT_IMAGE exchange, and reports the virtual size and revision it
// advertises.
func probeRemoteImage(ctx context.Context, host altserver.Host, name string, revision uint16) (uint64, uint16, error) {
	dialer := net.Dialer{Timeout: probeSizeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host.String())
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(probeSizeTimeout))

	payload := wire.SelectImagePayload{
		ProtocolVersion: wire.ProtocolVersion,
		Name:            name,
		Revision:        revision,
	}.Encode()
	if err := wire.WriteRequest(conn, wire.Request{Cmd: wire.CmdSelectImage, Size: uint32(len(payload))}); err != nil {
		return 0, 0, err
	}
	if _, err := conn.Write(payload); err != nil {
		return 0, 0, err
	}

	reply, err := wire.ReadReply(conn)
	if err != nil {
		return 0, 0, err
	}
	if reply.Cmd != wire.CmdSelectImage {
		return 0, 0, errUnexpectedSelectReply
	}
	body := make([]byte, reply.Size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, 0, err
	}
	sel, err := wire.DecodeSelectImagePayload(body)
	if err != nil {
		return 0, 0, err
	}
	return sel.VirtualSize, sel.Revision, nil
}

var errUnexpectedSelectReply = errors.New("server: alt-server replied with an unexpected command during size lookup")
