// Package wire implements the dnbd3 network protocol: the fixed-layout
// request/reply headers, the SELECT_IMAGE payload, and the GET_SERVERS
// server-entry records.
//
// This is a transcription of the dnbd3 wire format as inherited for
// compatibility; it is not a design choice made by this module.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// Commands understood by the core.
const (
	CmdGetBlock    = uint16(1)
	CmdSelectImage = uint16(2)
	CmdGetServers  = uint16(3)
	CmdError       = uint16(4)
	CmdKeepalive   = uint16(5)
	CmdGetCRC32    = uint16(8)
)

// Magic is the fixed magic value that opens every request/reply header,
// as observed on a little-endian wire.
const Magic = uint16(0x7372)

// BlockSize is the unit of cache-map tracking: 4 KiB.
const BlockSize = 4096

// HashBlockSize is the unit of CRC-32 coverage: 16 MiB, i.e. 4096 blocks.
const HashBlockSize = 4096 * BlockSize

// ProtocolVersion is the version advertised by this implementation in the
// SELECT_IMAGE reply.
const ProtocolVersion = uint16(3)

// MinSupportedVersion is the lowest protocol version this implementation
// will still talk to when acting as an uplink client.
const MinSupportedVersion = uint16(2)

// Request is the 24-byte client->server request header.
//
//	magic(2) cmd(2) size(4) offset(8, high byte reused as hop count) handle(8)
type Request struct {
	Magic  uint16
	Cmd    uint16
	Size   uint32
	Offset uint64 // high byte doubles as a hop counter on GET_BLOCK
	Handle uint64
}

// Reply is the 16-byte server->client reply header.
//
//	magic(2) cmd(2) size(4) handle(8)
type Reply struct {
	Magic  uint16
	Cmd    uint16
	Size   uint32
	Handle uint64
}

// RequestSize is the on-wire size of a Request.
const RequestSize = 2 + 2 + 4 + 8 + 8

// ReplySize is the on-wire size of a Reply.
const ReplySize = 2 + 2 + 4 + 8

// hopMask isolates the low 56 bits of Offset; the high byte is the hop
// counter used to detect replication loops between cooperating proxies.
const hopMask = uint64(0x00FFFFFFFFFFFFFF)

// RealOffset returns the real byte offset carried by a request, with the hop
// counter byte masked out.
func (r Request) RealOffset() uint64 {
	return r.Offset & hopMask
}

// HopCount returns the hop counter packed into the top byte of Offset.
func (r Request) HopCount() uint8 {
	return uint8(r.Offset >> 56)
}

// OffsetWithHop returns a copy of the offset with the given hop count
// packed into its top byte.
func OffsetWithHop(offset uint64, hops uint8) uint64 {
	return (offset & hopMask) | (uint64(hops) << 56)
}

// ReadRequest decodes a Request from r in little-endian wire order.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [RequestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}
	req := Request{
		Magic:  binary.LittleEndian.Uint16(buf[0:2]),
		Cmd:    binary.LittleEndian.Uint16(buf[2:4]),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Handle: binary.LittleEndian.Uint64(buf[16:24]),
	}
	if req.Magic != Magic {
		return req, errBadMagic
	}
	return req, nil
}

// WriteRequest encodes req to w in little-endian wire order.
func WriteRequest(w io.Writer, req Request) error {
	var buf [RequestSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], req.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], req.Size)
	binary.LittleEndian.PutUint64(buf[8:16], req.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], req.Handle)
	_, err := w.Write(buf[:])
	return err
}

// ReadReply decodes a Reply from r in little-endian wire order.
func ReadReply(r io.Reader) (Reply, error) {
	var buf [ReplySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Reply{}, err
	}
	rep := Reply{
		Magic:  binary.LittleEndian.Uint16(buf[0:2]),
		Cmd:    binary.LittleEndian.Uint16(buf[2:4]),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Handle: binary.LittleEndian.Uint64(buf[8:16]),
	}
	if rep.Magic != Magic {
		return rep, errBadMagic
	}
	return rep, nil
}

// WriteReply encodes rep to w in little-endian wire order.
func WriteReply(w io.Writer, rep Reply) error {
	var buf [ReplySize]byte
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], rep.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], rep.Size)
	binary.LittleEndian.PutUint64(buf[8:16], rep.Handle)
	_, err := w.Write(buf[:])
	return err
}

var errBadMagic = errors.New("wire: bad magic in header")

// SelectImagePayload is the body sent after a successful SELECT_IMAGE,
// per spec.md §6 "Select-image exchange":
//
//	protocol version(2) name(len-prefixed string) revision(2) virtual size(8)
type SelectImagePayload struct {
	ProtocolVersion uint16
	Name            string
	Revision        uint16
	VirtualSize     uint64
}

// Encode serializes the select-image reply payload.
func (p SelectImagePayload) Encode() []byte {
	name := []byte(p.Name)
	buf := make([]byte, 2+2+len(name)+2+8)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], p.ProtocolVersion)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(name)))
	off += 2
	copy(buf[off:], name)
	off += len(name)
	binary.LittleEndian.PutUint16(buf[off:], p.Revision)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], p.VirtualSize)
	return buf
}

// DecodeSelectImagePayload parses a select-image reply payload.
func DecodeSelectImagePayload(b []byte) (SelectImagePayload, error) {
	if len(b) < 4 {
		return SelectImagePayload{}, errors.New("wire: select-image payload too short")
	}
	var p SelectImagePayload
	p.ProtocolVersion = binary.LittleEndian.Uint16(b[0:2])
	nameLen := int(binary.LittleEndian.Uint16(b[2:4]))
	off := 4
	if len(b) < off+nameLen+2+8 {
		return SelectImagePayload{}, errors.New("wire: select-image payload truncated")
	}
	p.Name = string(b[off : off+nameLen])
	off += nameLen
	p.Revision = binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	p.VirtualSize = binary.LittleEndian.Uint64(b[off : off+8])
	return p, nil
}

// AddressFamily tags for server_entry records on the wire.
const (
	AddressFamilyIPv4 = uint8(2)
	AddressFamilyIPv6 = uint8(10)
)

// ServerEntry is one 17-byte record in a GET_SERVERS reply:
//
//	address(16) port(2, network order) family(1)
type ServerEntry struct {
	Addr   [16]byte
	Port   uint16
	Family uint8
}

// ServerEntrySize is the on-wire size of one ServerEntry.
const ServerEntrySize = 16 + 2 + 1

// NewServerEntry builds a ServerEntry from a net.IP and port, following
// the IPv4-in-low-4-bytes / IPv6-in-full-16-bytes convention.
func NewServerEntry(ip net.IP, port uint16) (ServerEntry, bool) {
	var e ServerEntry
	if v4 := ip.To4(); v4 != nil {
		e.Family = AddressFamilyIPv4
		copy(e.Addr[:4], v4)
	} else if v6 := ip.To16(); v6 != nil {
		e.Family = AddressFamilyIPv6
		copy(e.Addr[:], v6)
	} else {
		return ServerEntry{}, false
	}
	e.Port = port
	return e, true
}

// IP reconstructs the net.IP carried by the entry.
func (e ServerEntry) IP() net.IP {
	if e.Family == AddressFamilyIPv4 {
		return net.IP(append([]byte{}, e.Addr[:4]...))
	}
	return net.IP(append([]byte{}, e.Addr[:]...))
}

// EncodeServerEntries serializes a sequence of server entries for a GET_SERVERS reply.
func EncodeServerEntries(entries []ServerEntry) []byte {
	buf := make([]byte, len(entries)*ServerEntrySize)
	for i, e := range entries {
		off := i * ServerEntrySize
		copy(buf[off:off+16], e.Addr[:])
		binary.BigEndian.PutUint16(buf[off+16:off+18], e.Port)
		buf[off+18] = e.Family
	}
	return buf
}

// DecodeServerEntries parses as many whole server_entry records as fit in
// b, silently discarding a trailing partial record per spec.md §6
// ("Excess bytes in the reply payload are discarded").
func DecodeServerEntries(b []byte) []ServerEntry {
	n := len(b) / ServerEntrySize
	out := make([]ServerEntry, n)
	for i := 0; i < n; i++ {
		off := i * ServerEntrySize
		var e ServerEntry
		copy(e.Addr[:], b[off:off+16])
		e.Port = binary.BigEndian.Uint16(b[off+16 : off+18])
		e.Family = b[off+18]
		out[i] = e
	}
	return out
}
