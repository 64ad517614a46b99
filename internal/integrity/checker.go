// Package integrity implements the background Integrity Checker: a
// bounded, deduplicated queue of (image, hash-block) pairs that get
// rehashed against the CRC-32 manifest, clearing cache-map bits on
// mismatch so the block is re-fetched. Grounded on the original dnbd3
// integrity.c.
package integrity

import (
	"fmt"
	"log"
	"sync"

	"github.com/dnbd3/dnbd3-go/internal/cache"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/wire"
	"golang.org/x/net/context"
)

// ImageHandle is the minimal surface the checker needs from an image.
type ImageHandle interface {
	Name() string
	ReadAt(p []byte, off int64) (int, error)
	Manifest() *cache.Manifest
	CacheMap() *cache.Map // nil if the image is already fully cached
	RealSize() uint64
}

// QueueCapacity bounds the number of distinct (image, block) pairs
// awaiting a rehash, per integrity.c's fixed-size queue.
const QueueCapacity = 1024

type job struct {
	image ImageHandle
	block int
}

func (j job) key() string { return fmt.Sprintf("%s#%d", j.image.Name(), j.block) }

// Checker runs the background rehashing loop.
type Checker struct {
	log *log.Logger

	mu      sync.Mutex
	queued  map[string]struct{}
	jobs    []job
	wake    chan struct{}
}

// New builds an idle Checker.
func New(logger *log.Logger) *Checker {
	return &Checker{
		log:    logger,
		queued: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue schedules a hash-block for rehashing, silently dropping the
// request if it is already queued or the queue is at capacity.
func (c *Checker) Enqueue(img ImageHandle, block int) {
	j := job{image: img, block: block}
	k := j.key()

	c.mu.Lock()
	if _, dup := c.queued[k]; dup || len(c.jobs) >= QueueCapacity {
		c.mu.Unlock()
		return
	}
	c.queued[k] = struct{}{}
	c.jobs = append(c.jobs, j)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	for {
		j, ok := c.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		c.verify(j)
	}
}

func (c *Checker) dequeue() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return job{}, false
	}
	j := c.jobs[0]
	c.jobs = c.jobs[1:]
	delete(c.queued, j.key())
	return j, true
}

func (c *Checker) verify(j job) {
	m := j.image.Manifest()
	if m == nil || j.block >= len(m.Blocks) {
		return
	}
	ok, err := m.VerifyHashBlock(readerAt{j.image}, j.block, j.image.RealSize())
	if err != nil {
		logging.Warnf(c.log, "integrity: %s block %d: %v", j.image.Name(), j.block, err)
		return
	}
	if ok {
		return
	}
	logging.Warnf(c.log, "integrity: %s block %d failed CRC check, clearing cache", j.image.Name(), j.block)
	if cm := j.image.CacheMap(); cm != nil {
		start := uint64(j.block) * wire.HashBlockSize
		end := start + wire.HashBlockSize
		cm.Mark(start, end, false)
	}
}

// readerAt adapts ImageHandle to io.ReaderAt for cache.HashBlockCRC.
type readerAt struct{ img ImageHandle }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) { return r.img.ReadAt(p, off) }
