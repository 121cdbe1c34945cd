package routestore

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	LogWatchStarted = "watching route files"
	LogWatchStopped = "stopped watching route files"
	LogWatchFailed  = "route file watcher failed, restarting"
)

var errWatcherClosed = errors.New("file watcher closed")

func (s *Store) dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, c := range s.candidates {
		d := filepath.Dir(c)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}

	return dirs
}

func (s *Store) isCandidate(name string) bool {
	name = filepath.Clean(name)
	for _, c := range s.candidates {
		if name == filepath.Clean(c) {
			return true
		}
	}

	return false
}

func (s *Store) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.load() {
		log.WithField("file", s.active).Info(LogRoutesReloaded)
		s.publish()
	}
}

// Watch follows the route files and reloads the table when one of them
// changes. It blocks until the context is done. Failures of the
// underlying watcher are retried with exponential backoff.
func (s *Store) Watch(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.watch(ctx, b.Reset)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}

		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry", next).Warn(LogWatchFailed)
		}),
	)

	log.Info(LogWatchStopped)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (s *Store) watch(ctx context.Context, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	defer w.Close()
	for _, d := range s.dirs() {
		if err := w.Add(d); err != nil {
			return err
		}
	}

	started()
	log.WithField("files", s.candidates).Info(LogWatchStarted)

	debounce := time.NewTimer(s.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}

			if !s.isCandidate(ev.Name) || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}

			debounce.Reset(s.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}

			return err
		case <-debounce.C:
			s.reload()
		}
	}
}
