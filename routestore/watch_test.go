package routestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatch(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, DefaultFile)
	writeRoutes(t, name, []*Route{{ID: "a", Path: "/a", Target: "http://a", Enabled: true}})

	s := New(Options{Dir: dir, Debounce: 10 * time.Millisecond})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Load()
	startWatch(t, s)

	writeRoutes(t, name, []*Route{
		{ID: "a", Path: "/a", Target: "http://a", Enabled: true},
		{ID: "b", Path: "/b", Target: "http://b", Enabled: true},
	})

	assert.Eventually(t, func() bool {
		return len(rec.last()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchPicksUpEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	writeRoutes(t, filepath.Join(dir, DefaultFile), []*Route{{ID: "a", Path: "/a", Target: "http://a"}})

	s := New(Options{Dir: dir, Environment: "staging", Debounce: 10 * time.Millisecond})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Load()
	startWatch(t, s)

	writeRoutes(t, filepath.Join(dir, EnvironmentFile("staging")), []*Route{{ID: "s", Path: "/s", Target: "http://s"}})

	assert.Eventually(t, func() bool {
		l := rec.last()
		return len(l) == 1 && l[0].ID == "s"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, filepath.Join(dir, EnvironmentFile("staging")), s.File())
}

func TestWatchIgnoresOwnWrites(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Dir: dir, Debounce: 10 * time.Millisecond})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Load()
	startWatch(t, s)

	_, err := s.Add(&Route{Path: "/a", Target: "http://a"})
	require.NoError(t, err)
	n := rec.count()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Dir: dir, Debounce: 10 * time.Millisecond})
	rec := &recorder{}
	s.Subscribe(rec)
	s.Load()
	startWatch(t, s)
	n := rec.count()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("[]"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}
