package registry

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3-go/internal/config"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func writeCompleteImage(t *testing.T, base, name string, revision int, size int) string {
	t.Helper()
	path := filepath.Join(base, fmt.Sprintf("%s.r%d", name, revision))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func TestGetOrLoadCompleteImageHasNoCacheMap(t *testing.T) {
	base := t.TempDir()
	writeCompleteImage(t, base, "testimg", 1, 4096*4)

	cfg := config.Default()
	cfg.BasePath = base
	cfg.IsProxy = false
	r := New(cfg, nil, nil, nil, testLogger())

	img, err := r.GetOrLoad(context.Background(), "testimg", 1, 0)
	require.NoError(t, err)
	defer r.Release(img)

	require.EqualValues(t, 1, img.RefCount())
	require.True(t, img.Complete(), "want a fully-sized local image to be complete")
	require.Nil(t, img.CacheMap(), "want no cache-map for an image with no .map sidecar")
}

func TestGetOrLoadReturnsSameInstanceOnSecondCall(t *testing.T) {
	base := t.TempDir()
	writeCompleteImage(t, base, "testimg", 1, 4096)

	cfg := config.Default()
	cfg.BasePath = base
	r := New(cfg, nil, nil, nil, testLogger())

	a, err := r.GetOrLoad(context.Background(), "testimg", 1, 0)
	require.NoError(t, err)
	b, err := r.GetOrLoad(context.Background(), "testimg", 1, 0)
	require.NoError(t, err)
	require.Same(t, a, b, "want the same *Image instance from both calls")
	require.EqualValues(t, 2, a.RefCount())
	r.Release(a)
	r.Release(b)
}

func TestGetOrLoadResolvesNewestRevision(t *testing.T) {
	base := t.TempDir()
	writeCompleteImage(t, base, "testimg", 1, 4096)
	writeCompleteImage(t, base, "testimg", 3, 4096)
	writeCompleteImage(t, base, "testimg", 2, 4096)

	cfg := config.Default()
	cfg.BasePath = base
	r := New(cfg, nil, nil, nil, testLogger())

	img, err := r.GetOrLoad(context.Background(), "testimg", 0, 0)
	require.NoError(t, err)
	defer r.Release(img)
	require.EqualValues(t, 3, img.Revision())
}

func TestReloadEvictsMapEntryWithoutAffectingHeldReference(t *testing.T) {
	base := t.TempDir()
	writeCompleteImage(t, base, "testimg", 1, 4096)

	cfg := config.Default()
	cfg.BasePath = base
	r := New(cfg, nil, nil, nil, testLogger())

	held, err := r.GetOrLoad(context.Background(), "testimg", 1, 0)
	require.NoError(t, err)
	r.Reload("testimg", 1)

	_, ok := r.Get("testimg", 1)
	require.False(t, ok, "want evicted entry absent from the table")
	// Held reference must still work.
	require.Equal(t, "testimg", held.Name(), "held reference corrupted after Reload")
	r.Release(held)
}
