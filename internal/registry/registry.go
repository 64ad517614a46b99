package registry

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dnbd3/dnbd3-go/internal/altserver"
	"github.com/dnbd3/dnbd3-go/internal/cache"
	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/integrity"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/uplink"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/net/context"
	"golang.org/x/sync/singleflight"
)

// quickCheckBlocks bounds how many hash-blocks get rehashed right after
// an image loads, per spec.md §4.2's on-load quick check.
const quickCheckBlocks = 4

// MaxImages is the default bound on the number of images tracked
// simultaneously, per spec.md §4.6 ("bounded capacity ~1024").
const MaxImages = 1024

// Registry is the weakly-referenced image table: Get/GetOrLoad hand out
// a strong *Image the caller must Release, but the registry itself
// only ever keeps a bookkeeping pointer, matching image_get's
// reference-counting discipline in the original server.
type Registry struct {
	cfg      config.Config
	log      *log.Logger
	alt      *altserver.Registry
	prober   *altserver.Prober
	checker  *integrity.Checker

	mu     sync.RWMutex
	images map[string]*Image

	sf singleflight.Group

	watcher *fsnotify.Watcher
}

// New builds a registry rooted at cfg.BasePath. checker may be nil, in
// which case loaded images never get hash-block-complete notifications
// or an on-load quick check.
func New(cfg config.Config, alt *altserver.Registry, prober *altserver.Prober, checker *integrity.Checker, logger *log.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		log:     logger,
		alt:     alt,
		prober:  prober,
		checker: checker,
		images:  make(map[string]*Image),
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		r.watcher = w
		if err := w.Add(cfg.BasePath); err != nil {
			logging.Warnf(logger, "registry: watching %s: %v", cfg.BasePath, err)
		}
	} else {
		logging.Warnf(logger, "registry: fsnotify unavailable: %v", err)
	}
	return r
}

func key(name string, revision uint16) string {
	return fmt.Sprintf("%s:%d", name, revision)
}

// Get returns the already-loaded image for name/revision, acquiring a
// reference, or (nil, false) if it is not currently loaded. revision
// zero is not resolved here; use GetOrLoad for "newest" lookups.
func (r *Registry) Get(name string, revision uint16) (*Image, bool) {
	r.mu.RLock()
	img, ok := r.images[key(name, revision)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	img.Acquire()
	img.Touch()
	return img, true
}

// GetOrLoad resolves name/revision (revision zero means "newest on
// disk") to a reference-counted Image, loading it from the local
// backing file or, in proxy mode, creating a fresh sparse one ready for
// an uplink worker to fill. knownVirtualSize must be supplied by the
// caller (typically negotiated against an alt-server) whenever the
// image does not already exist locally.
func (r *Registry) GetOrLoad(ctx context.Context, name string, revision uint16, knownVirtualSize uint64) (*Image, error) {
	if revision == 0 {
		resolved, err := r.latestRevision(name)
		if err != nil {
			return nil, err
		}
		revision = resolved
	}
	if img, ok := r.Get(name, revision); ok {
		return img, nil
	}

	k := key(name, revision)
	v, err, _ := r.sf.Do(k, func() (interface{}, error) {
		return r.load(ctx, name, revision, knownVirtualSize)
	})
	if err != nil {
		return nil, err
	}
	img := v.(*Image)
	img.Acquire()
	img.Touch()
	return img, nil
}

func (r *Registry) load(ctx context.Context, name string, revision uint16, knownVirtualSize uint64) (*Image, error) {
	r.mu.RLock()
	n := len(r.images)
	r.mu.RUnlock()
	if n >= r.maxImages() {
		return nil, fmt.Errorf("registry: at capacity (%d images)", r.maxImages())
	}

	path := r.imagePath(name, revision)
	_, statErr := os.Stat(path)
	isNew := statErr != nil

	virtualSize := knownVirtualSize
	if !isNew && virtualSize == 0 {
		if st, err := os.Stat(path); err == nil {
			virtualSize = uint64(st.Size())
		}
	}
	if virtualSize == 0 {
		return nil, fmt.Errorf("registry: cannot determine size for %s:%d", name, revision)
	}

	img := NewImage(name, revision, path, virtualSize)
	if err := img.open(r.cfg.SparseFiles, isNew, r.cfg.AsyncIO); err != nil {
		return nil, err
	}

	if r.checker != nil {
		if cm := img.CacheMap(); cm != nil {
			cm.SetHashBlockCompleteHook(func(block int) { r.checker.Enqueue(img, block) })
		}
		r.quickCheck(img)
	}

	if !img.Complete() && r.cfg.IsProxy {
		w := uplink.NewWorker(img, r.cfg, r.alt, r.prober, r.log)
		img.SetUplink(w)
		w.Start(ctx)
	}

	r.mu.Lock()
	r.images[key(name, revision)] = img
	r.mu.Unlock()
	logging.Infof(r.log, "registry: loaded %s:%d (%d bytes, complete=%v)", name, revision, virtualSize, img.Complete())
	return img, nil
}

// quickCheck schedules up to quickCheckBlocks random complete
// hash-blocks of img for rehashing right after load, including block 0
// whenever it is complete, per spec.md §4.2.
func (r *Registry) quickCheck(img *Image) {
	if img.Manifest() == nil {
		return
	}
	total := cache.HashBlockCount(img.RealSize())
	if total == 0 {
		return
	}
	cm := img.CacheMap()
	complete := func(b int) bool { return cm == nil || cm.IsHashBlockComplete(b) }

	checked := make(map[int]bool, quickCheckBlocks)
	if complete(0) {
		checked[0] = true
		r.checker.Enqueue(img, 0)
	}
	for attempts := 0; len(checked) < quickCheckBlocks && attempts < total*2; attempts++ {
		b := rand.Intn(total)
		if checked[b] || !complete(b) {
			continue
		}
		checked[b] = true
		r.checker.Enqueue(img, b)
	}
}

func (r *Registry) maxImages() int {
	if r.cfg.MaxImages > 0 {
		return r.cfg.MaxImages
	}
	return MaxImages
}

// Release returns a reference obtained from Get/GetOrLoad.
func (r *Registry) Release(img *Image) {
	img.Release()
}

// Reload evicts the named image from the table so the next lookup
// re-reads it from disk; any caller still holding a reference keeps
// using the evicted instance until it releases it, per the registry's
// no-strong-reference invariant.
func (r *Registry) Reload(name string, revision uint16) {
	r.mu.Lock()
	delete(r.images, key(name, revision))
	r.mu.Unlock()
}

// Evict removes img from the table unconditionally, used by the
// disk-space reaper once it has deleted the backing file. Returns false
// if img was concurrently replaced by a newer load.
func (r *Registry) Evict(img *Image) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(img.Name(), img.Revision())
	if r.images[k] != img {
		return false
	}
	delete(r.images, k)
	return true
}

// Snapshot returns every currently tracked image without acquiring a
// reference, for the reaper and status reporting.
func (r *Registry) Snapshot() []*Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Image, 0, len(r.images))
	for _, img := range r.images {
		out = append(out, img)
	}
	return out
}

// imagePath follows spec.md §6's on-disk layout: the backing file is
// "<name>.r<rid>" directly under BasePath, with ".map" and ".crc"
// sidecars built by appending onto that same path.
func (r *Registry) imagePath(name string, revision uint16) string {
	return filepath.Join(r.cfg.BasePath, fmt.Sprintf("%s.r%d", name, revision))
}

// latestRevision scans BasePath for the highest "name.r<N>" entry.
func (r *Registry) latestRevision(name string) (uint16, error) {
	entries, err := os.ReadDir(r.cfg.BasePath)
	if err != nil {
		return 0, fmt.Errorf("registry: scanning %s: %w", r.cfg.BasePath, err)
	}
	prefix := name + ".r"
	var revisions []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
			revisions = append(revisions, n)
		}
	}
	if len(revisions) == 0 {
		return 0, fmt.Errorf("registry: no revisions for %s", name)
	}
	sort.Ints(revisions)
	return uint16(revisions[len(revisions)-1]), nil
}

// WatchLoop drains fsnotify events and reloads affected images until
// ctx is canceled. A no-op if the watcher failed to start.
func (r *Registry) WatchLoop(ctx context.Context) {
	if r.watcher == nil {
		return
	}
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleWatchEvent(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf(r.log, "registry: watch error: %v", err)
		}
	}
}

func (r *Registry) handleWatchEvent(ev fsnotify.Event) {
	name, revision, ok := r.parseImagePath(ev.Name)
	if !ok {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		logging.Debugf(r.log, "registry: %s triggered reload of %s:%d", ev.Op, name, revision)
		r.Reload(name, revision)
	}
}

func (r *Registry) parseImagePath(p string) (name string, revision uint16, ok bool) {
	rel, err := filepath.Rel(r.cfg.BasePath, p)
	if err != nil || strings.ContainsRune(rel, filepath.Separator) {
		return "", 0, false
	}
	idx := strings.LastIndex(rel, ".r")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(rel[idx+2:])
	if err != nil {
		return "", 0, false
	}
	return rel[:idx], uint16(n), true
}
