/*
Package routestore persists the route table of the gateway and keeps it
in sync with its file.

The table is stored as a JSON array in routes-config.<environment>.json,
or, when that file does not exist, in routes-config.json. An explicitly
configured file may also use YAML with the same field names.

Every change made through the Store is written back to the file before
the call returns, and the new table is published to the subscribers. The
Watch method follows changes made to the file by other processes.
*/
package routestore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultFile is used when no environment specific route file exists.
	DefaultFile = "routes-config.json"

	// DefaultDebounce is the time the watcher waits for file events to
	// settle before reloading.
	DefaultDebounce = 250 * time.Millisecond
)

const (
	LogRoutesLoaded     = "routes loaded"
	LogRoutesLoadFailed = "failed to load routes, continuing with an empty route table"
	LogRoutesSaved      = "routes saved"
	LogRoutesSaveFailed = "failed to save routes"
	LogRoutesReloaded   = "route file changed, routes reloaded"
)

// Subscriber receives the complete route table after every change. The
// routes passed in are copies owned by the subscriber.
type Subscriber interface {
	Update(routes []*Route)
}

// Options configure a Store.
type Options struct {

	// Dir is the directory of the route files. Defaults to the
	// working directory.
	Dir string

	// Environment selects routes-config.<Environment>.json.
	Environment string

	// File, when set, is the only route file used, relative to Dir
	// unless absolute.
	File string

	// Debounce for file events, defaults to DefaultDebounce.
	Debounce time.Duration
}

// Store holds the route table and its file.
type Store struct {
	candidates []string
	debounce   time.Duration

	mu          sync.Mutex
	active      string
	routes      []*Route
	last        []byte
	subscribers []Subscriber
}

// EnvironmentFile returns the route file name of an environment.
func EnvironmentFile(env string) string {
	return fmt.Sprintf("routes-config.%s.json", env)
}

// New creates a Store. It does not read the file, call Load for that.
func New(o Options) *Store {
	dir := o.Dir
	if dir == "" {
		dir = "."
	}

	var candidates []string
	if o.File != "" {
		f := o.File
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}

		candidates = []string{filepath.Clean(f)}
	} else {
		if o.Environment != "" {
			candidates = append(candidates, filepath.Join(dir, EnvironmentFile(o.Environment)))
		}

		candidates = append(candidates, filepath.Join(dir, DefaultFile))
	}

	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}

	return &Store{
		candidates: candidates,
		debounce:   o.Debounce,
		active:     candidates[len(candidates)-1],
	}
}

// Subscribe registers a subscriber and sends it the current table.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
	sub.Update(cloneAll(s.routes))
}

// File returns the file that the table is saved to.
func (s *Store) File() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) resolve() string {
	for _, c := range s.candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}

	return s.candidates[len(s.candidates)-1]
}

func (s *Store) publish() {
	for _, sub := range s.subscribers {
		sub.Update(cloneAll(s.routes))
	}
}

// normalize assigns ids to routes that have none and drops repeated ids.
func normalize(routes []*Route) []*Route {
	seen := make(map[string]bool)
	var n []*Route
	for _, r := range routes {
		if r == nil {
			continue
		}

		if r.ID == "" {
			r.ID = NewID()
		}

		if seen[r.ID] {
			log.WithField("id", r.ID).Warn("duplicate route id, ignoring route")
			continue
		}

		seen[r.ID] = true
		n = append(n, r)
	}

	return n
}

// load reads the active file. It reports whether the table changed.
func (s *Store) load() bool {
	s.active = s.resolve()
	data, err := os.ReadFile(s.active)
	if errors.Is(err, fs.ErrNotExist) {
		data = nil
		err = nil
	}

	if err == nil && s.last != nil && bytes.Equal(data, s.last) {
		return false
	}

	var routes []*Route
	if err == nil {
		routes, err = decode(s.active, data)
	}

	if err != nil {
		log.WithError(err).WithField("file", s.active).Error(LogRoutesLoadFailed)
		routes = nil
		data = nil
	}

	s.routes = normalize(routes)
	s.last = data
	log.WithFields(log.Fields{"file": s.active, "count": len(s.routes)}).Info(LogRoutesLoaded)
	return true
}

// Load reads the route table from the file and publishes it. Missing or
// unreadable files result in an empty table.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	s.publish()
}

func (s *Store) save() error {
	data, err := encode(s.active, s.routes)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(s.active, data); err != nil {
		return err
	}

	s.last = data
	return nil
}

func writeFileAtomic(name string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return err
	}

	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, name)
}

// commit persists and publishes the table. The in-memory change is kept
// when saving fails.
func (s *Store) commit() {
	if err := s.save(); err != nil {
		log.WithError(err).WithField("file", s.active).Error(LogRoutesSaveFailed)
	} else {
		log.WithFields(log.Fields{"file": s.active, "count": len(s.routes)}).Debug(LogRoutesSaved)
	}

	s.publish()
}

func (s *Store) index(id string) int {
	for i, r := range s.routes {
		if r.ID == id {
			return i
		}
	}

	return -1
}

// Routes returns a copy of the route table in stored order.
func (s *Store) Routes() []*Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.routes)
}

// Get returns a copy of a route.
func (s *Store) Get(id string) (*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return nil, ErrNotFound
	}

	return s.routes[i].Clone(), nil
}

// Add validates the route, assigns it a new id and appends it to the
// table.
func (s *Store) Add(r *Route) (*Route, error) {
	r = r.Clone()
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = NewID()
	for s.index(r.ID) >= 0 {
		r.ID = NewID()
	}

	s.routes = append(s.routes, r)
	s.commit()
	return r.Clone(), nil
}

// Update merges the patch into the route.
func (s *Store) Update(id string, p Patch) (*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return nil, ErrNotFound
	}

	r := s.routes[i].Clone()
	r.apply(p)
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s.routes[i] = r
	s.commit()
	return r.Clone(), nil
}

// Toggle flips the enabled flag of the route.
func (s *Store) Toggle(id string) (*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return nil, ErrNotFound
	}

	r := s.routes[i].Clone()
	r.Enabled = !r.Enabled
	s.routes[i] = r
	s.commit()
	return r.Clone(), nil
}

// Delete removes the route from the table.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}

	routes := make([]*Route, 0, len(s.routes)-1)
	routes = append(routes, s.routes[:i]...)
	routes = append(routes, s.routes[i+1:]...)
	s.routes = routes
	s.commit()
	return nil
}
