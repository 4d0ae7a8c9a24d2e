package inventory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/service/catalog"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestScanner_ListsSortedFilesThenRTSP(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "clip.MP4"))
	writeFile(t, filepath.Join(root, "a.ts"))
	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, filepath.Join(root, ".cache", "hidden.mp4"))

	s := New(root, []config.RTSPSource{{Name: "gate", URL: "rtsp://cam/1"}})
	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.Equal(t, catalog.SourceFile, sources[0].Kind)
	assert.Equal(t, "a", sources[0].Name)
	assert.Equal(t, filepath.Join(root, "b", "clip.MP4"), sources[1].Path)
	assert.Equal(t, catalog.RTSPSource("rtsp://cam/1", "gate"), sources[2])
}

func TestScanner_MissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing"), nil)
	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)

	file := filepath.Join(t.TempDir(), "f.mp4")
	writeFile(t, file)
	_, err = ScanVideoFiles(context.Background(), file)
	assert.Error(t, err)
}

type countingRebuilder struct {
	mu     sync.Mutex
	calls  int
	latest []catalog.SourceDescriptor
}

func (r *countingRebuilder) Rebuild(sources []catalog.SourceDescriptor) (catalog.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.latest = sources
	return catalog.Snapshot{Generation: uint64(r.calls)}, nil
}

func (r *countingRebuilder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestWatcher_RebuildsOnlyOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp4"))
	target := &countingRebuilder{}
	w := NewWatcher(New(root, nil), target, time.Hour)
	var generations []uint64
	w.OnChange(func(s catalog.Snapshot) { generations = append(generations, s.Generation) })

	changed, err := w.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = w.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	writeFile(t, filepath.Join(root, "b.mp4"))
	changed, err = w.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, target.latest, 2)

	require.NoError(t, w.Force(context.Background()))
	assert.Equal(t, 3, target.count())
	assert.Equal(t, []uint64{1, 2, 3}, generations)
}

func TestWatcher_PeriodicLoop(t *testing.T) {
	root := t.TempDir()
	target := &countingRebuilder{}
	w := NewWatcher(New(root, nil), target, 5*time.Millisecond)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return target.count() == 1 }, time.Second, time.Millisecond)
	writeFile(t, filepath.Join(root, "new.mkv"))
	require.Eventually(t, func() bool { return target.count() == 2 }, time.Second, time.Millisecond)
}

// gatedLister returns a growing source list per call. The first call waits
// for release.
type gatedLister struct {
	release chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	calls   int
	active  int
	overlap bool
}

func (l *gatedLister) ListSources(context.Context) ([]catalog.SourceDescriptor, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.active++
	if l.active > 1 {
		l.overlap = true
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()

	if call == 1 {
		close(l.entered)
		<-l.release
	}
	sources := make([]catalog.SourceDescriptor, 0, call)
	for i := 1; i <= call; i++ {
		sources = append(sources, catalog.FileSource(filepath.Join("/media", string(rune('a'+i-1))+".mp4"), ""))
	}
	return sources, nil
}

func TestWatcher_ConcurrentRefreshKeepsNewestListing(t *testing.T) {
	lister := &gatedLister{release: make(chan struct{}), entered: make(chan struct{})}
	target := &countingRebuilder{}
	w := NewWatcher(lister, target, time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := w.Refresh(context.Background())
		assert.NoError(t, err)
	}()
	<-lister.entered
	go func() {
		defer wg.Done()
		_, err := w.Refresh(context.Background())
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)
	close(lister.release)
	wg.Wait()

	lister.mu.Lock()
	assert.False(t, lister.overlap, "listings ran concurrently")
	lister.mu.Unlock()
	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, 2, target.calls)
	assert.Len(t, target.latest, 2)
}
