// Package diskio provides an async-read path for hash-block sized I/O
// (integrity rehashes, background-replication reads) backed by Linux
// AIO, so a 16 MiB verification read never ties up a Dispatch worker's
// goroutine stack the way a plain blocking ReadAt would on a busy node.
package diskio

import (
	"os"

	"github.com/traetox/goaio"
)

// File is a thin wrapper around goaio.AIO that turns its submit/wait
// pair into a single blocking ReadAt, matching io.ReaderAt so callers
// (cache.HashBlockCRC, the integrity checker) don't need to know
// whether a given image is using the async path.
type File struct {
	aio *goaio.AIO
}

// Open starts the async I/O context for path. Callers must Close it
// when the owning image is evicted.
func Open(path string) (*File, error) {
	aio, err := goaio.NewAIO(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &File{aio: aio}, nil
}

// ReadAt submits an async read and blocks until it completes,
// returning the same contract as io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	id, err := f.aio.ReadAt(p, off)
	if err != nil {
		return 0, err
	}
	return f.aio.WaitFor(id)
}

// WriteAt submits an async write and blocks until it completes.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	id, err := f.aio.WriteAt(p, off)
	if err != nil {
		return 0, err
	}
	return f.aio.WaitFor(id)
}

// Close tears down the AIO context.
func (f *File) Close() error {
	return f.aio.Close()
}
