package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"hostd/internal/logging"
)

// Discovery loads tool manifests (*.json descriptor files) from configured
// directories into a Registry, and optionally watches those directories so
// manifest edits are picked up without a restart. Executors are bound
// separately; a freshly discovered tool without an executor is listable
// but not invokable.
type Discovery struct {
	mu       sync.Mutex
	registry *Registry
	dirs     []string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	log      *zap.Logger
}

// NewDiscovery creates a discovery source over the given directories.
func NewDiscovery(registry *Registry, dirs []string) *Discovery {
	return &Discovery{
		registry: registry,
		dirs:     dirs,
		debounce: 500 * time.Millisecond, // coalesce rapid editor saves
		pending:  make(map[string]time.Time),
		log:      logging.L(logging.CategoryTools),
	}
}

// Load reads every manifest in the configured directories and upserts it
// into the registry. Unreadable or malformed manifests are skipped with a
// warning; a missing directory is not an error.
func (d *Discovery) Load() (int, error) {
	loaded := 0
	for _, dir := range d.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				d.log.Warn("tool directory does not exist", zap.String("dir", dir))
				continue
			}
			return loaded, fmt.Errorf("failed to read tool directory %s: %w", dir, err)
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, ent.Name())
			desc, err := readManifest(path)
			if err != nil {
				d.log.Warn("skipping manifest",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			if err := d.registry.Upsert(desc, nil); err != nil {
				d.log.Warn("skipping manifest",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			loaded++
		}
	}
	d.log.Info("tool discovery complete", zap.Int("loaded", loaded))
	return loaded, nil
}

// readManifest parses a single tool descriptor file.
func readManifest(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

// Watch starts an fsnotify watcher over the manifest directories. Changes
// are debounced, then the full manifest set is reloaded. Non-blocking;
// call Stop to shut the watcher down.
func (d *Discovery) Watch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, dir := range d.dirs {
		if err := watcher.Add(dir); err != nil {
			// Directory may not exist yet; discovery still works for the
			// dirs that do.
			d.log.Warn("cannot watch tool directory",
				zap.String("dir", dir),
				zap.Error(err))
		}
	}

	d.watcher = watcher
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.running = true

	go d.run(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	done := d.doneCh
	d.mu.Unlock()

	<-done
}

func (d *Discovery) run(ctx context.Context) {
	defer close(d.doneCh)
	defer d.watcher.Close()

	tick := time.NewTicker(d.debounce)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.mu.Lock()
			d.pending[ev.Name] = time.Now()
			d.mu.Unlock()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("watcher error", zap.Error(err))
		case <-tick.C:
			if d.takePending() {
				if _, err := d.Load(); err != nil {
					d.log.Warn("manifest reload failed", zap.Error(err))
				}
			}
		}
	}
}

// takePending reports whether any events have settled past the debounce
// window and clears them.
func (d *Discovery) takePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	ready := false
	for path, at := range d.pending {
		if now.Sub(at) >= d.debounce {
			delete(d.pending, path)
			ready = true
		}
	}
	return ready
}
