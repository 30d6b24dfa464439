package leader

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/worph/meta-stremio/pkg/auth"
)

// WatcherOptions tunes the leader watcher. Zero values take the defaults
// used across the meta-core ecosystem.
type WatcherOptions struct {
	PollInterval  time.Duration // pointer rescan / health probe interval (default 5s)
	ProbeTimeout  time.Duration // per-probe and per-resolve timeout (default 5s)
	MaxFailures   int           // consecutive probe failures before the leader is lost (default 3)
	Authenticator *auth.Authenticator
	Resolver      Resolver // descriptor resolver for plain-URL pointers
}

// Watcher tracks the current leader published through the pointer file.
// It is a two-state machine (no leader / leader known) fed by three
// signals: a fixed-interval poll, filesystem change events on the locks
// directory, and health probes against the known leader. All three are
// funneled through a single run goroutine that owns the state machine,
// so rescans are serialized: a rescan's pointer read and health verdict
// can never interleave with another's, and callbacks fire exactly once
// per transition. Getters read a snapshot behind one RWMutex, which is
// the only hand-off point with other goroutines.
type Watcher struct {
	pointerPath  string
	locksDir     string
	pollInterval time.Duration
	probeTimeout time.Duration
	maxFailures  int
	httpClient   *http.Client
	resolve      Resolver

	mu      sync.RWMutex
	current *Descriptor
	onFound []func(Descriptor)
	onLost  []func()
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// failures is owned exclusively by the run goroutine.
	failures int
}

// NewWatcher creates a watcher for the pointer file under corePath/locks.
func NewWatcher(corePath string, opts WatcherOptions) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	client := &http.Client{Timeout: opts.ProbeTimeout}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewHTTPResolver(client, opts.Authenticator)
	}
	locksDir := filepath.Join(corePath, "locks")
	return &Watcher{
		pointerPath:  filepath.Join(locksDir, PointerFileName),
		locksDir:     locksDir,
		pollInterval: opts.PollInterval,
		probeTimeout: opts.ProbeTimeout,
		maxFailures:  opts.MaxFailures,
		httpClient:   client,
		resolve:      resolver,
	}
}

// OnLeaderFound registers a callback fired once per distinct leader
// identity. If a leader is already known the callback is invoked
// immediately with the current descriptor.
func (w *Watcher) OnLeaderFound(cb func(Descriptor)) {
	w.mu.Lock()
	w.onFound = append(w.onFound, cb)
	cur := w.current
	w.mu.Unlock()

	if cur != nil {
		cb(*cur)
	}
}

// OnLeaderLost registers a callback fired once per leader loss.
func (w *Watcher) OnLeaderLost(cb func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLost = append(w.onLost, cb)
}

// Leader returns a copy of the current descriptor, or nil in the
// no-leader state.
func (w *Watcher) Leader() *Descriptor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return nil
	}
	d := *w.current
	return &d
}

// HasLeader reports whether a leader is currently known.
func (w *Watcher) HasLeader() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current != nil
}

// Start launches the watch loop. Filesystem events are best effort: if
// the platform watcher cannot be set up the loop runs on polling alone.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	if err := os.MkdirAll(w.locksDir, 0o755); err != nil {
		klog.InfoS("Could not create locks directory", "dir", w.locksDir, "error", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		klog.InfoS("Filesystem events unavailable, using polling only", "error", err)
		fsw = nil
	} else if err := fsw.Add(w.locksDir); err != nil {
		klog.InfoS("Cannot watch locks directory, using polling only", "dir", w.locksDir, "error", err)
		fsw.Close()
		fsw = nil
	}

	klog.InfoS("Leader watcher started", "pointer", w.pointerPath, "events", fsw != nil)
	go w.run(fsw)
}

// Stop signals the loop and waits for it with a bounded join.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		klog.Warning("Leader watcher did not stop in time")
	}
}

func (w *Watcher) run(fsw *fsnotify.Watcher) {
	defer close(w.doneCh)
	if fsw != nil {
		defer fsw.Close()
	}

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.rescan()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.rescan()
			if w.HasLeader() {
				w.probe()
			}
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Base(ev.Name) != PointerFileName {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.rescan()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			klog.V(2).InfoS("Filesystem watcher error", "error", err)
		}
	}
}

// rescan re-reads the pointer file and applies the result to the state
// machine. Called only from the run goroutine (or tests), so repeated
// observations of the same state are naturally idempotent.
func (w *Watcher) rescan() {
	data, err := os.ReadFile(w.pointerPath)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.V(2).InfoS("Cannot read leader pointer", "error", err)
		}
		w.setNoLeader("pointer file absent")
		return
	}

	ptr, ok := ParsePointer(data)
	if !ok {
		// A truncated or corrupt pointer behaves exactly like a missing one.
		klog.Warningf("Leader pointer file is corrupt, treating as no leader")
		w.setNoLeader("pointer file corrupt")
		return
	}

	desc := ptr.Desc
	if desc == nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.probeTimeout)
		desc, err = w.resolve(ctx, ptr.ResolveURL)
		cancel()
		if err != nil {
			klog.V(2).InfoS("Descriptor resolution failed", "url", ptr.ResolveURL, "error", err)
			w.setNoLeader("descriptor fetch failed")
			return
		}
	}

	w.mu.Lock()
	isNew := w.current == nil || !w.current.SameIdentity(desc)
	w.current = desc
	callbacks := append([]func(Descriptor){}, w.onFound...)
	w.mu.Unlock()

	if !isNew {
		// Same leader observed again: no callback, and the probe counter
		// keeps whatever the health checks have accumulated.
		return
	}

	w.failures = 0
	klog.InfoS("Leader found", "host", desc.Hostname, "dataUrl", desc.DataURL)
	for _, cb := range callbacks {
		cb(*desc)
	}
}

// probe issues one health check against the known leader's control
// endpoint and feeds the verdict into the consecutive-failure counter.
func (w *Watcher) probe() {
	cur := w.Leader()
	if cur == nil {
		return
	}

	if w.checkHealth(cur.ControlURL) {
		if w.failures > 0 {
			klog.V(2).InfoS("Leader recovered", "host", cur.Hostname)
		}
		w.failures = 0
		return
	}

	w.failures++
	klog.Warningf("Leader health check failed (%d/%d)", w.failures, w.maxFailures)
	if w.failures < w.maxFailures {
		return
	}

	klog.Warning("Leader appears dead, marking as lost")
	w.setNoLeader("health probes exhausted")
	// The pointer may already name a successor; pick it up right away
	// instead of waiting a full poll interval.
	w.rescan()
}

func (w *Watcher) checkHealth(controlURL string) bool {
	resp, err := w.httpClient.Get(controlURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (w *Watcher) setNoLeader(reason string) {
	w.mu.Lock()
	if w.current == nil {
		w.mu.Unlock()
		return
	}
	host := w.current.Hostname
	w.current = nil
	callbacks := append([]func(){}, w.onLost...)
	w.mu.Unlock()

	w.failures = 0

	klog.InfoS("Leader lost", "host", host, "reason", reason)
	for _, cb := range callbacks {
		cb()
	}
}
