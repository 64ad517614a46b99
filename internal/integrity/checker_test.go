package integrity

import (
	"bytes"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3-go/internal/cache"
	"github.com/dnbd3/dnbd3-go/internal/wire"
)

type fakeImage struct {
	name     string
	data     []byte
	manifest *cache.Manifest
	cm       *cache.Map
}

func (f *fakeImage) Name() string { return f.name }
func (f *fakeImage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}
func (f *fakeImage) Manifest() *cache.Manifest { return f.manifest }
func (f *fakeImage) CacheMap() *cache.Map      { return f.cm }
func (f *fakeImage) RealSize() uint64          { return uint64(len(f.data)) }

func TestVerifyClearsCacheMapOnMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, wire.HashBlockSize)
	m := cache.NewManifest(1)
	m.Blocks[0] = 0xBAADF00D // deliberately wrong

	cm := cache.NewMap(wire.HashBlockSize)
	cm.Mark(0, wire.HashBlockSize, true)

	img := &fakeImage{name: "t", data: data, manifest: m, cm: cm}
	c := New(log.New(io.Discard, "", 0))
	c.verify(job{image: img, block: 0})

	require.False(t, cm.IsRangePresent(0, wire.HashBlockSize), "want cache-map bits cleared after a CRC mismatch")
}

func TestVerifyLeavesCacheMapOnMatch(t *testing.T) {
	data := bytes.Repeat([]byte{0x02}, wire.HashBlockSize)

	m := cache.NewManifest(1)
	crc, err := cache.HashBlockCRC(readerAt{&fakeImage{data: data}}, 0, wire.HashBlockSize)
	require.NoError(t, err)
	m.Blocks[0] = crc

	cm := cache.NewMap(wire.HashBlockSize)
	cm.Mark(0, wire.HashBlockSize, true)

	img := &fakeImage{name: "t", data: data, manifest: m, cm: cm}
	c := New(log.New(io.Discard, "", 0))
	c.verify(job{image: img, block: 0})

	require.True(t, cm.IsRangePresent(0, wire.HashBlockSize), "want cache-map bits left intact when CRC matches")
}

func TestEnqueueDedupesSameImageBlock(t *testing.T) {
	c := New(log.New(io.Discard, "", 0))
	img := &fakeImage{name: "t"}
	c.Enqueue(img, 3)
	c.Enqueue(img, 3)
	c.mu.Lock()
	n := len(c.jobs)
	c.mu.Unlock()
	require.Equal(t, 1, n, "want 1 queued job after duplicate Enqueue")
}
