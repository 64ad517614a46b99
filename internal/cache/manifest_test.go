package cache

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFile is a simple io.ReaderAt backed by an in-memory byte slice,
// standing in for the backing image file.
type fakeFile struct {
	data []byte
}

func (f *fakeFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func TestManifestRoundTrip(t *testing.T) {
	m := NewManifest(3)
	m.Blocks[0] = 0x11111111
	m.Blocks[1] = 0x22222222
	m.Blocks[2] = 0x33333333
	encoded := m.Encode()

	decoded, err := DecodeManifest(encoded)
	require.NoError(t, err)
	assert.Equal(t, m.Blocks, decoded.Blocks)
	assert.Equal(t, m.MasterCRC, decoded.MasterCRC)
}

func TestManifestMasterCRCMismatchDiscarded(t *testing.T) {
	m := NewManifest(2)
	encoded := m.Encode()
	encoded[4] ^= 0xFF // corrupt one of the block CRCs without fixing the master
	_, err := DecodeManifest(encoded)
	assert.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestHashBlockCRCPadsVirtualTail(t *testing.T) {
	// realSize = 9000 is not block-aligned; HashBlockCRC should zero-pad
	// up to the 4KiB-rounded virtual size (12288) within the hash-block.
	data := bytes.Repeat([]byte{0x42}, 9000)
	f := &fakeFile{data: data}

	got, err := HashBlockCRC(f, 0, 9000)
	require.NoError(t, err)

	want := crc32.NewIEEE()
	want.Write(data)
	want.Write(make([]byte, 12288-9000))
	assert.Equal(t, want.Sum32(), got)
}

func TestCRCMismatchTriggersRepair(t *testing.T) {
	// Manifest says hash-block 0 should be 0xDEADBEEF, but the on-disk
	// content hashes to something else. VerifyHashBlock must report a
	// mismatch so the caller can clear the cache-map bits and re-fetch.
	data := bytes.Repeat([]byte{0x00}, HashBlockSize)
	f := &fakeFile{data: data}
	m := NewManifest(1)
	m.Blocks[0] = 0xDEADBEEF

	ok, err := m.VerifyHashBlock(f, 0, HashBlockSize)
	require.NoError(t, err)
	assert.False(t, ok)

	// After "repairing" (rewriting correct data), a fresh manifest entry
	// matching the actual content verifies cleanly.
	actual, err := HashBlockCRC(f, 0, HashBlockSize)
	require.NoError(t, err)
	m.Blocks[0] = actual
	ok, err = m.VerifyHashBlock(f, 0, HashBlockSize)
	require.NoError(t, err)
	assert.True(t, ok)
}
