package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{Cmd: CmdGetBlock, Size: 4096, Offset: OffsetWithHop(123456, 3), Handle: 0xdeadbeef}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))
	require.Equal(t, RequestSize, buf.Len())

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req.Cmd, got.Cmd)
	require.Equal(t, req.Size, got.Size)
	require.Equal(t, req.Offset, got.Offset)
	require.Equal(t, req.Handle, got.Handle)
	require.EqualValues(t, 123456, got.RealOffset())
	require.EqualValues(t, 3, got.HopCount())
}

func TestReadRequestRejectsBadMagic(t *testing.T) {
	buf := make([]byte, RequestSize)
	_, err := ReadRequest(bytes.NewReader(buf))
	require.ErrorIs(t, err, errBadMagic)
}

func TestReplyRoundTrip(t *testing.T) {
	rep := Reply{Magic: Magic, Cmd: CmdError, Size: 0, Handle: 99}

	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, rep))
	require.Equal(t, ReplySize, buf.Len())

	got, err := ReadReply(&buf)
	require.NoError(t, err)
	require.Equal(t, rep, got)
}

func TestOffsetWithHopMasksOutPriorHop(t *testing.T) {
	const realOffset = 0x00AABBCCDDEE99
	off := OffsetWithHop(realOffset, 1)
	off = OffsetWithHop(off, 9)
	require.EqualValues(t, 9, Request{Offset: off}.HopCount())
	require.EqualValues(t, realOffset, Request{Offset: off}.RealOffset())
}

func TestSelectImagePayloadRoundTrip(t *testing.T) {
	p := SelectImagePayload{ProtocolVersion: ProtocolVersion, Name: "disk0", Revision: 4, VirtualSize: 1 << 30}
	got, err := DecodeSelectImagePayload(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeSelectImagePayloadRejectsTruncated(t *testing.T) {
	_, err := DecodeSelectImagePayload([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestServerEntryRoundTripIPv4(t *testing.T) {
	e, ok := NewServerEntry(net.ParseIP("192.168.1.7"), 5003)
	require.True(t, ok)
	require.Equal(t, AddressFamilyIPv4, e.Family)

	encoded := EncodeServerEntries([]ServerEntry{e})
	decoded := DecodeServerEntries(encoded)
	require.Len(t, decoded, 1)
	require.Equal(t, e, decoded[0])
	require.Equal(t, "192.168.1.7", decoded[0].IP().String())
}

func TestServerEntryRoundTripIPv6(t *testing.T) {
	e, ok := NewServerEntry(net.ParseIP("2001:db8::1"), 5003)
	require.True(t, ok)
	require.Equal(t, AddressFamilyIPv6, e.Family)

	decoded := DecodeServerEntries(EncodeServerEntries([]ServerEntry{e}))
	require.Len(t, decoded, 1)
	require.Equal(t, e.Addr, decoded[0].Addr)
}

func TestDecodeServerEntriesDiscardsTrailingPartialRecord(t *testing.T) {
	e, _ := NewServerEntry(net.ParseIP("10.0.0.1"), 5003)
	buf := append(EncodeServerEntries([]ServerEntry{e}), 1, 2, 3)
	decoded := DecodeServerEntries(buf)
	require.Len(t, decoded, 1)
}
