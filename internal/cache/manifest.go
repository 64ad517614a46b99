package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrManifestCorrupt is returned when the master CRC of a loaded manifest
// does not match, per spec.md §4.2 "Manifest load validates master CRC".
var ErrManifestCorrupt = errors.New("cache: crc manifest master checksum mismatch")

// Manifest is the in-memory form of a .crc sidecar: one little-endian
// CRC-32 word per hash-block, preceded on disk by the master CRC (the
// CRC-32 over the remaining words).
type Manifest struct {
	MasterCRC uint32
	Blocks    []uint32
}

// DecodeManifest parses the raw bytes of a .crc sidecar. Returns
// ErrManifestCorrupt if the master CRC does not match — the caller
// should discard the manifest (treat the image as having none) rather
// than propagate the error, per spec.md §4.2.
func DecodeManifest(b []byte) (*Manifest, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("cache: crc manifest too short (%d bytes)", len(b))
	}
	if (len(b)-4)%4 != 0 {
		return nil, fmt.Errorf("cache: crc manifest length %d not a multiple of 4 after header", len(b)-4)
	}
	master := binary.LittleEndian.Uint32(b[0:4])
	n := (len(b) - 4) / 4
	blocks := make([]uint32, n)
	for i := 0; i < n; i++ {
		blocks[i] = binary.LittleEndian.Uint32(b[4+i*4:])
	}
	m := &Manifest{MasterCRC: master, Blocks: blocks}
	if crc32.ChecksumIEEE(b[4:]) != master {
		return m, ErrManifestCorrupt
	}
	return m, nil
}

// Encode serializes the manifest to its on-disk form, recomputing the
// master CRC over the block list.
func (m *Manifest) Encode() []byte {
	buf := make([]byte, 4+4*len(m.Blocks))
	for i, v := range m.Blocks {
		binary.LittleEndian.PutUint32(buf[4+i*4:], v)
	}
	m.MasterCRC = crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], m.MasterCRC)
	return buf
}

// NewManifest builds a manifest with n zeroed block entries.
func NewManifest(n int) *Manifest {
	return &Manifest{Blocks: make([]uint32, n)}
}

// HashBlockCRC computes the CRC-32 of one hash-block's worth of bytes
// read from r at the given block index, zero-padding reads past
// realSize up to the virtual (4 KiB-rounded) tail, per spec.md §4.2 and
// the original's image_calcBlockCrc32.
func HashBlockCRC(r io.ReaderAt, block int, realSize uint64) (uint32, error) {
	start := uint64(block) * HashBlockSize
	if start >= realSize && realSize != 0 {
		// Entirely past the real data; the only content is zero padding
		// up to the virtual block boundary within this hash-block.
	}
	bytesFromFile := uint64(0)
	if start < realSize {
		bytesFromFile = realSize - start
		if bytesFromFile > HashBlockSize {
			bytesFromFile = HashBlockSize
		}
	}
	virtualRealSize := roundUpBlock(realSize)
	virtualBytes := uint64(0)
	if start < virtualRealSize {
		virtualBytes = virtualRealSize - start
		if virtualBytes > HashBlockSize {
			virtualBytes = HashBlockSize
		}
	}

	const chunk = 256 * 1024
	buf := make([]byte, chunk)
	crc := crc32.NewIEEE()

	var read uint64
	for read < bytesFromFile {
		n := chunk
		if remain := bytesFromFile - read; remain < uint64(n) {
			n = int(remain)
		}
		nr, err := r.ReadAt(buf[:n], int64(start+read))
		if nr > 0 {
			crc.Write(buf[:nr])
			read += uint64(nr)
		}
		if err != nil {
			if err == io.EOF && uint64(nr) == uint64(n) {
				continue
			}
			return 0, fmt.Errorf("cache: reading hash-block %d: %w", block, err)
		}
	}
	if virtualBytes > bytesFromFile {
		pad := virtualBytes - bytesFromFile
		zero := make([]byte, chunk)
		for pad > 0 {
			n := uint64(chunk)
			if pad < n {
				n = pad
			}
			crc.Write(zero[:n])
			pad -= n
		}
	}
	return crc.Sum32(), nil
}

// VerifyHashBlock reads hash-block `block` from r and compares its CRC-32
// against the manifest entry, per spec.md §4.2 `check(hashBlockIndex)`.
func (m *Manifest) VerifyHashBlock(r io.ReaderAt, block int, realSize uint64) (bool, error) {
	if block < 0 || block >= len(m.Blocks) {
		return false, fmt.Errorf("cache: hash-block %d out of range (have %d)", block, len(m.Blocks))
	}
	got, err := HashBlockCRC(r, block, realSize)
	if err != nil {
		return false, err
	}
	return got == m.Blocks[block], nil
}
