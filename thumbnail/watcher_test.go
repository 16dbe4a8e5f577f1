package thumbnail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherEvictsChangedSource(t *testing.T) {
	tr := &fakeTranscoder{}
	store := newTestStore(t)
	cache, root := newTestCache(t, tr, store, false)
	watcher, err := NewWatcher(cache)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)

	src := writeSource(t, root, "videos/a.mp4")
	other := writeSource(t, root, "videos/b.mp4")
	artifact, err := cache.GetOrCreate(ctx, src)
	require.NoError(t, err)
	otherArtifact, err := cache.GetOrCreate(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 2, watcher.Tracked())

	require.NoError(t, os.WriteFile(src, []byte("re-encoded"), 0o644))
	require.Eventually(t, func() bool {
		_, err := os.Stat(artifact)
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)
	assert.FileExists(t, otherArtifact)
	assert.Equal(t, 1, watcher.Tracked())

	// the next request regenerates
	_, err = cache.GetOrCreate(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, int32(3), tr.calls.Load())

	require.NoError(t, os.Remove(other))
	require.Eventually(t, func() bool {
		_, err := os.Stat(otherArtifact)
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherTrackExisting(t *testing.T) {
	tr := &fakeTranscoder{}
	store := newTestStore(t)
	cache, root := newTestCache(t, tr, store, false)

	src := writeSource(t, root, "a.mp4")
	_, err := cache.GetOrCreate(context.Background(), src)
	require.NoError(t, err)
	gone := filepath.Join(root, "missing", "x.mp4")
	_, err = cache.GetOrCreate(context.Background(), gone)
	require.Error(t, err)

	watcher, err := NewWatcher(cache)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	n, err := watcher.TrackExisting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, watcher.Tracked())

	// tracking twice is a no-op
	require.NoError(t, watcher.Track(Key(src), src))
	assert.Equal(t, 1, watcher.Tracked())
}
