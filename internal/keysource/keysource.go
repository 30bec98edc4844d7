// Package keysource reads API key identifiers from a file and keeps the
// pool in sync with it.
package keysource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"apipool-go/internal/apikey"
	"apipool-go/internal/events"
	"apipool-go/internal/pool"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const defaultDebounce = 500 * time.Millisecond

// Factory builds a pool key from one entry of the file. The key is pooled
// under its PrimaryKey, which need not equal the entry.
type Factory func(entry string) (apikey.Key, error)

// Result summarises one load.
type Result struct {
	Added   []string `json:"added"`
	Known   int      `json:"known"`
	Invalid int      `json:"invalid"`
}

// Option customises a Source.
type Option func(*Source)

// WithPublisher publishes a TopicKeysReloaded event after every load.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Source) { s.publisher = pub }
}

// WithDebounce sets the quiet period between a file change and the reload.
func WithDebounce(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// Source admits the keys listed in a file into a pool.
type Source struct {
	path      string
	factory   Factory
	pool      *pool.Pool
	publisher events.Publisher
	debounce  time.Duration

	loadMu    sync.Mutex
	reloadCh  chan struct{}
	watchOnce sync.Once
	watcher   *fsnotify.Watcher
}

// New returns a source for path. Nothing is read until Load or Watch.
func New(path string, factory Factory, p *pool.Pool, opts ...Option) *Source {
	s := &Source{
		path:     path,
		factory:  factory,
		pool:     p,
		debounce: defaultDebounce,
		reloadCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseKeys returns one identifier per non-empty line. Lines starting with
// '#' are comments; duplicates keep their first position.
func ParseKeys(r io.Reader) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return ids, nil
}

// ReadFile parses the key file at path.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()
	return ParseKeys(f)
}

// Load reads the file and admits every identifier the pool has not seen.
// Retired identifiers stay retired; identifiers dropped from the file are
// left in the pool.
func (s *Source) Load(ctx context.Context) (Result, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	lines, err := ReadFile(s.path)
	if err != nil {
		return Result{}, err
	}

	known := make(map[string]struct{})
	for _, id := range s.pool.Active() {
		known[id] = struct{}{}
	}
	for _, rec := range s.pool.Archived() {
		known[rec.ID] = struct{}{}
	}

	var (
		res  Result
		keys []apikey.Key
	)
	for i, line := range lines {
		// ids come from the factory; the raw line may be a secret
		key, err := s.factory(line)
		if err != nil {
			res.Invalid++
			log.WithError(err).WithFields(log.Fields{"file": s.path, "entry": i + 1}).Warn("keysource: skipping key")
			continue
		}
		id := key.PrimaryKey()
		if _, ok := known[id]; ok {
			res.Known++
			continue
		}
		known[id] = struct{}{}
		keys = append(keys, key)
		res.Added = append(res.Added, id)
	}

	if err := s.pool.AdmitAll(ctx, keys); err != nil {
		return res, fmt.Errorf("admit keys from %s: %w", s.path, err)
	}

	log.WithFields(log.Fields{
		"file":    s.path,
		"added":   len(res.Added),
		"known":   res.Known,
		"invalid": res.Invalid,
	}).Info("keysource: keys loaded")
	if s.publisher != nil {
		s.publisher.Publish(ctx, events.TopicKeysReloaded, events.KeysReloaded{
			File:    s.path,
			Added:   res.Added,
			Known:   res.Known,
			Invalid: res.Invalid,
		}, nil)
	}
	return res, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are picked up.
func (s *Source) Watch(ctx context.Context) error {
	var startErr error
	s.watchOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = fmt.Errorf("start key file watcher: %w", err)
			return
		}
		dir := dirOf(s.path)
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			startErr = fmt.Errorf("watch %s: %w", dir, err)
			return
		}
		s.watcher = watcher
		go s.reloadLoop(ctx)
		go s.watchLoop(ctx, watcher)
		log.Infof("keysource: watching %s for changes", s.path)
	})
	return startErr
}

func (s *Source) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if s.shouldReload(evt) {
				s.requestReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("keysource watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.reloadCh:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
		case <-timerCh:
			if _, err := s.Load(ctx); err != nil {
				log.WithError(err).Warn("keysource: auto reload failed")
			}
			timerCh = nil
			timer = nil
		}
	}
}

func (s *Source) requestReload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Source) shouldReload(evt fsnotify.Event) bool {
	if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
		return false
	}
	return sameFile(evt.Name, s.path)
}

func dirOf(path string) string {
	return filepath.Dir(filepath.Clean(path))
}

func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
