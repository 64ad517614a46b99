// Package registry implements the Image Registry: reference-counted
// lookup and lifecycle management for cached images, grounded on the
// original dnbd3 image.c.
package registry

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/cache"
	"github.com/dnbd3/dnbd3-go/internal/diskio"
	"github.com/dnbd3/dnbd3-go/internal/uplink"
	"github.com/google/uuid"
)

// Image is one cached (possibly still-incomplete) image and its
// metadata, owned by a Registry but never strongly referenced by it:
// the registry only ever holds weak bookkeeping, per spec.md's
// "reference counting without registry holding a strong reference"
// invariant. Callers hold a reference from Get/GetOrLoad until Release.
type Image struct {
	ID       uuid.UUID
	name     string
	revision uint16

	path        string
	realSize    uint64
	virtualSize uint64
	masterCRC   uint32

	refCount int32 // atomic
	working  int32 // atomic bool
	lastAccess int64 // atomic, unix nanoseconds

	mu        sync.Mutex
	file      *os.File
	asyncFile *diskio.File // non-nil when the registry is configured for async reads
	cacheMap  *cache.Map   // nil once complete or not proxying
	manifest  *cache.Manifest
	up        *uplink.Worker
}

// NewImage constructs an Image; it is not yet "working" until the
// caller opens its backing file and marks it so.
func NewImage(name string, revision uint16, path string, virtualSize uint64) *Image {
	return &Image{
		ID:          uuid.New(),
		name:        name,
		revision:    revision,
		path:        path,
		virtualSize: virtualSize,
		lastAccess:  time.Now().UnixNano(),
	}
}

func (img *Image) Name() string     { return img.name }
func (img *Image) Revision() uint16 { return img.revision }
func (img *Image) Path() string     { return img.path }
func (img *Image) VirtualSize() uint64 {
	return img.virtualSize
}

func (img *Image) RealSize() uint64 {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.realSize
}

func (img *Image) setRealSize(n uint64) {
	img.mu.Lock()
	img.realSize = n
	img.mu.Unlock()
}

// MasterCRC returns the manifest's master CRC, or 0 if none is loaded.
func (img *Image) MasterCRC() uint32 { return img.masterCRC }

// Acquire increments the reference count. Every Acquire must be
// matched by a Release.
func (img *Image) Acquire() { atomic.AddInt32(&img.refCount, 1) }

// Release decrements the reference count.
func (img *Image) Release() {
	if atomic.AddInt32(&img.refCount, -1) < 0 {
		panic("registry: Image released more times than acquired")
	}
}

// RefCount returns the current reference count.
func (img *Image) RefCount() int32 { return atomic.LoadInt32(&img.refCount) }

// IsWorking reports whether the image has a valid backing file and
// metadata ready to serve reads.
func (img *Image) IsWorking() bool { return atomic.LoadInt32(&img.working) != 0 }

func (img *Image) setWorking(v bool) {
	if v {
		atomic.StoreInt32(&img.working, 1)
	} else {
		atomic.StoreInt32(&img.working, 0)
	}
}

// Touch records the current time as the last access, used by the
// disk-space reaper's LRU-by-atime eviction.
func (img *Image) Touch() { atomic.StoreInt64(&img.lastAccess, time.Now().UnixNano()) }

// LastAccess returns the last access time.
func (img *Image) LastAccess() time.Time {
	return time.Unix(0, atomic.LoadInt64(&img.lastAccess))
}

// open opens (creating if isNew) the backing file and restores
// whatever caching state applies:
//   - isNew: the image has no prior local data, so it always starts
//     with a fresh, all-missing cache-map, ready for an uplink worker
//     to fill in (or a sparse truncate to the full virtual size).
//   - otherwise: a ".map" sidecar's presence means the file was left
//     partially cached by a previous run and tracking resumes from it;
//     its absence means the file was already fully downloaded, so no
//     cache-map is needed at all.
func (img *Image) open(sparse, isNew, asyncIO bool) error {
	f, err := os.OpenFile(img.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("registry: opening %s: %w", img.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	var af *diskio.File
	if asyncIO {
		af, err = diskio.Open(img.path)
		if err != nil {
			f.Close()
			return fmt.Errorf("registry: opening async reader for %s: %w", img.path, err)
		}
	}

	img.mu.Lock()
	img.file = f
	img.asyncFile = af
	img.realSize = uint64(st.Size())
	switch {
	case isNew:
		img.cacheMap = cache.NewMap(img.virtualSize)
	default:
		img.cacheMap = nil
		if b, err := os.ReadFile(img.path + ".map"); err == nil {
			if cm, err := cache.NewMapFromBytes(b, img.virtualSize); err == nil {
				img.cacheMap = cm
			}
		}
	}
	img.mu.Unlock()

	if isNew && sparse {
		if err := f.Truncate(int64(img.virtualSize)); err != nil {
			return fmt.Errorf("registry: truncating %s: %w", img.path, err)
		}
	}

	if b, err := os.ReadFile(img.path + ".crc"); err == nil {
		if m, err := cache.DecodeManifest(b); err == nil {
			img.mu.Lock()
			img.manifest = m
			img.masterCRC = m.MasterCRC
			img.mu.Unlock()
		}
	}
	img.setWorking(true)
	return nil
}

// CacheMap returns the cache-map tracking which blocks are present, or
// nil if the image is fully cached (and thus stopped tracking).
func (img *Image) CacheMap() *cache.Map {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.cacheMap
}

// Manifest returns the loaded CRC-32 manifest, or nil.
func (img *Image) Manifest() *cache.Manifest {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.manifest
}

// Complete reports whether the image's cache is fully populated.
func (img *Image) Complete() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.cacheMap == nil || img.cacheMap.Complete()
}

// WriteAt writes fetched bytes into the backing file.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	img.mu.Lock()
	f := img.file
	img.mu.Unlock()
	if f == nil {
		return 0, fmt.Errorf("registry: image %s has no open backing file", img.name)
	}
	n, err := f.WriteAt(p, off)
	if uint64(off)+uint64(n) > img.RealSize() {
		img.setRealSize(uint64(off) + uint64(n))
	}
	return n, err
}

// ReadAt reads directly from the backing file, used to serve a client
// request already known to be present in the cache, or a background
// integrity rehash. When the registry is configured for async I/O this
// goes through the AIO-backed reader instead of a plain blocking
// ReadAt, keeping large hash-block reads off the calling goroutine's
// stack for as little time as possible.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	img.mu.Lock()
	f := img.file
	af := img.asyncFile
	img.mu.Unlock()
	if af != nil {
		return af.ReadAt(p, off)
	}
	if f == nil {
		return 0, fmt.Errorf("registry: image %s has no open backing file", img.name)
	}
	return f.ReadAt(p, off)
}

// MarkComplete drops the cache-map once every block is present,
// matching image_isComplete's one-way transition, and deletes the
// ".map" sidecar since it is no longer needed. The manifest and the
// ".crc" sidecar are kept.
func (img *Image) MarkComplete() {
	img.mu.Lock()
	img.cacheMap = nil
	img.mu.Unlock()
	os.Remove(img.path + ".map")
}

// SetUplink attaches or detaches the uplink worker replicating this
// image.
func (img *Image) SetUplink(w *uplink.Worker) {
	img.mu.Lock()
	img.up = w
	img.mu.Unlock()
}

// ClearUplink is called by the uplink worker itself when it shuts down.
func (img *Image) ClearUplink() {
	img.mu.Lock()
	img.up = nil
	img.mu.Unlock()
}

// Uplink returns the attached uplink worker, or nil if the image is
// already complete or has no active replication.
func (img *Image) Uplink() *uplink.Worker {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.up
}

// persistSidecars writes the current cache-map and manifest to their
// sidecar files, used on clean shutdown so progress survives a restart.
func (img *Image) persistSidecars() error {
	img.mu.Lock()
	cm := img.cacheMap
	m := img.manifest
	img.mu.Unlock()
	if cm != nil {
		if err := os.WriteFile(img.path+".map", cm.Bytes(), 0644); err != nil {
			return err
		}
	}
	if m != nil {
		if err := os.WriteFile(img.path+".crc", m.Encode(), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the backing file handle(s).
func (img *Image) Close() error {
	img.mu.Lock()
	f := img.file
	af := img.asyncFile
	img.file = nil
	img.asyncFile = nil
	img.mu.Unlock()
	if af != nil {
		af.Close()
	}
	if f == nil {
		return nil
	}
	return f.Close()
}
