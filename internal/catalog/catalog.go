// Package catalog manages named lists, each a listmap.Store in its own
// directory under the data directory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/matteso1/chestnut/internal/listmap"
	"github.com/matteso1/chestnut/internal/metrics"
)

const metaFile = "list.yaml"

var (
	// ErrListNotFound is returned by Get for an unknown list.
	ErrListNotFound = errors.New("list not found")
	// ErrListExists is returned by Create for a list that is already open.
	ErrListExists = errors.New("list already exists")
	// ErrInvalidName is returned for names outside [a-z0-9_-].
	ErrInvalidName = errors.New("invalid list name")
	// ErrThresholdMismatch is returned when a list is requested with tier
	// thresholds other than the ones it was created with.
	ErrThresholdMismatch = errors.New("tier thresholds differ from the stored list")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("catalog is closed")
)

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidName reports whether name can be used for a list.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Options are the per-list settings fixed at creation.
type Options struct {
	SmallThreshold  uint64 `yaml:"small_threshold"`
	MedianThreshold uint64 `yaml:"median_threshold"`
}

type meta struct {
	Options   `yaml:",inline"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Catalog is the set of open lists.
type Catalog struct {
	dir      string
	defaults listmap.Config
	lists    map[string]*listmap.Store
	mu       sync.RWMutex
	closed   bool

	// scavenging, set by StartScavengers and applied to lists created later
	scavengeCtx      context.Context
	scavengeInterval time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Open opens every list found under dir. defaults configure lists created
// later; existing lists keep the thresholds stored with them.
func Open(dir string, defaults listmap.Config, logger *zap.Logger, m *metrics.Metrics) (*Catalog, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("list defaults: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Catalog{
		dir:      dir,
		defaults: defaults,
		lists:    make(map[string]*listmap.Store),
		logger:   logger,
		metrics:  m,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		found []string
	)
	g.SetLimit(4)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !ValidName(name) {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, name, metaFile)); err != nil {
			logger.Warn("skipping directory without list metadata", zap.String("dir", name))
			continue
		}
		found = append(found, name)
		g.Go(func() error {
			store, err := c.openList(name, nil)
			if err != nil {
				return fmt.Errorf("open list %s: %w", name, err)
			}
			mu.Lock()
			c.lists[name] = store
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return nil, err
	}

	c.metrics.SetLists(len(c.lists))
	logger.Info("catalog opened", zap.String("dir", dir), zap.Strings("lists", found))
	return c, nil
}

// Create creates and opens a list. A nil opts uses the catalog defaults.
func (c *Catalog) Create(name string, opts *Options) (*listmap.Store, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if store, exists := c.lists[name]; exists {
		if opts != nil && *opts != optionsOf(store) {
			return nil, fmt.Errorf("%w: list %s", ErrThresholdMismatch, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrListExists, name)
	}

	store, err := c.openList(name, opts)
	if err != nil {
		return nil, err
	}
	c.lists[name] = store
	if c.scavengeCtx != nil {
		store.StartScavenger(c.scavengeCtx, c.scavengeInterval)
	}
	c.metrics.SetLists(len(c.lists))
	c.logger.Info("list created",
		zap.String("list", name),
		zap.Uint64("small_threshold", store.Policy().Small),
		zap.Uint64("median_threshold", store.Policy().Median))
	return store, nil
}

// Get returns a list by name, optionally creating it with the defaults.
func (c *Catalog) Get(name string, autoCreate bool) (*listmap.Store, error) {
	c.mu.RLock()
	store, exists := c.lists[name]
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if exists {
		return store, nil
	}
	if !autoCreate {
		if !ValidName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrListNotFound, name)
	}

	store, err := c.Create(name, nil)
	if errors.Is(err, ErrListExists) {
		// Lost a race with another creator.
		return c.Get(name, false)
	}
	return store, err
}

// Names returns the list names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.lists))
	for name := range c.lists {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StartScavengers runs each list's scavenger every interval until ctx is
// done. Lists created afterwards start theirs on creation.
func (c *Catalog) StartScavengers(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scavengeCtx = ctx
	c.scavengeInterval = interval
	for _, store := range c.lists {
		store.StartScavenger(ctx, interval)
	}
}

// Close closes every list.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for name, store := range c.lists {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close list %s: %w", name, err))
		}
	}
	c.metrics.SetLists(0)
	return errors.Join(errs...)
}

func optionsOf(store *listmap.Store) Options {
	p := store.Policy()
	return Options{SmallThreshold: p.Small, MedianThreshold: p.Median}
}

// openList opens the list stored in dir/name, writing its metadata first
// if it is new. want, if set, must match stored thresholds.
func (c *Catalog) openList(name string, want *Options) (*listmap.Store, error) {
	listDir := filepath.Join(c.dir, name)

	config := c.defaults
	stored, err := readMeta(listDir)
	switch {
	case err == nil:
		if want != nil && *want != stored.Options {
			return nil, fmt.Errorf("%w: list %s has thresholds %d/%d", ErrThresholdMismatch,
				name, stored.SmallThreshold, stored.MedianThreshold)
		}
		config.SmallThreshold = stored.SmallThreshold
		config.MedianThreshold = stored.MedianThreshold

	case errors.Is(err, os.ErrNotExist):
		if want != nil {
			config.SmallThreshold = want.SmallThreshold
			config.MedianThreshold = want.MedianThreshold
		}
		if err := config.Validate(); err != nil {
			return nil, err
		}
		m := meta{
			Options: Options{
				SmallThreshold:  config.SmallThreshold,
				MedianThreshold: config.MedianThreshold,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := writeMeta(listDir, m); err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	return listmap.Open(listDir, config, c.logger.With(zap.String("list", name)), c.metrics)
}

func readMeta(listDir string) (meta, error) {
	var m meta
	data, err := os.ReadFile(filepath.Join(listDir, metaFile))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse %s: %w", metaFile, err)
	}
	return m, nil
}

func writeMeta(listDir string, m meta) error {
	if err := os.MkdirAll(listDir, 0755); err != nil {
		return fmt.Errorf("failed to create list directory: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal list metadata: %w", err)
	}
	path := filepath.Join(listDir, metaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write list metadata: %w", err)
	}
	return os.Rename(tmp, path)
}
