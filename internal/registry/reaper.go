package registry

import (
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/logging"
)

// maxReaperTries bounds how many victims one EnsureSpace call will
// evict before giving up, per spec.md's disk-space reaper.
const maxReaperTries = 20

// minEvictionAge is how stale an unused image's last access must be
// before it becomes a reap candidate; relaxed to zero when sparse
// files are in use, since a sparse backing file costs little to keep
// around regardless of age.
const minEvictionAge = 24 * time.Hour

// ErrInsufficientSpace is returned by EnsureSpace when reaping every
// eligible image still did not free enough room.
var ErrInsufficientSpace = fmt.Errorf("registry: insufficient disk space after reaping")

// Reaper evicts unused, stale images to make room for new ones,
// grounded on image_ensureDiskSpace / image_ensureDiskSpaceLocked.
type Reaper struct {
	reg *Registry
}

// NewReaper builds a reaper over reg.
func NewReaper(reg *Registry) *Reaper {
	return &Reaper{reg: reg}
}

// EnsureSpace reaps least-recently-used, refcount-zero images from
// reg's base path until at least needed bytes are free, up to
// maxReaperTries evictions.
func (rp *Reaper) EnsureSpace(needed uint64) error {
	for tries := 0; tries < maxReaperTries; tries++ {
		free, err := diskFreeBytes(rp.reg.cfg.BasePath)
		if err != nil {
			return err
		}
		if free >= needed {
			return nil
		}
		victim := rp.pickVictim()
		if victim == nil {
			return ErrInsufficientSpace
		}
		if err := rp.evict(victim); err != nil {
			logging.Warnf(rp.reg.log, "reaper: evicting %s:%d: %v", victim.Name(), victim.Revision(), err)
			continue
		}
		logging.Infof(rp.reg.log, "reaper: evicted %s:%d (last access %s)", victim.Name(), victim.Revision(), victim.LastAccess())
	}
	free, err := diskFreeBytes(rp.reg.cfg.BasePath)
	if err == nil && free >= needed {
		return nil
	}
	return ErrInsufficientSpace
}

// pickVictim returns the oldest-accessed, currently-unreferenced image
// eligible for eviction, or nil if none qualifies.
func (rp *Reaper) pickVictim() *Image {
	minAge := minEvictionAge
	if rp.reg.cfg.SparseFiles {
		minAge = 0
	}

	candidates := rp.reg.Snapshot()
	var eligible []*Image
	for _, img := range candidates {
		if img.RefCount() != 0 {
			continue
		}
		if time.Since(img.LastAccess()) < minAge {
			continue
		}
		eligible = append(eligible, img)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LastAccess().Before(eligible[j].LastAccess())
	})
	return eligible[0]
}

func (rp *Reaper) evict(img *Image) error {
	if !rp.reg.Evict(img) {
		return fmt.Errorf("image was concurrently replaced")
	}
	if err := img.Close(); err != nil {
		logging.Warnf(rp.reg.log, "reaper: closing %s: %v", img.Path(), err)
	}
	for _, suffix := range []string{"", ".map", ".crc", ".meta"} {
		if err := os.Remove(img.Path() + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// diskFreeBytes reports the free space available on the filesystem
// hosting path, via a direct statfs syscall since no third-party
// library in the pack wraps disk usage reporting.
func diskFreeBytes(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("registry: statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
