package leader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/worph/meta-stremio/pkg/auth"
)

// Client is the delegating variant of leader discovery: the election
// decision lives in the external coordinator, the pointer file holds only
// its control URL, and the full descriptor is fetched from the /urls API.
// Fetches are cached for a short TTL to bound request rate from hot
// callers; a filesystem event on the pointer file invalidates the cache
// ahead of the next scheduled read.
type Client struct {
	pointerPath string
	locksDir    string
	controlURL  string // optional fixed control URL, skips the pointer file
	cacheTTL    time.Duration
	httpClient  *http.Client
	resolve     Resolver

	mu       sync.Mutex
	cached   *Descriptor
	cachedAt time.Time
	onChange []func()

	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// ClientOptions tunes the leader client.
type ClientOptions struct {
	ControlURL    string        // fixed coordinator URL; the pointer file is ignored when set
	CacheTTL      time.Duration // descriptor cache TTL (default 5s)
	FetchTimeout  time.Duration // default 5s
	Authenticator *auth.Authenticator
	Resolver      Resolver
}

// NewClient creates a leader client for the pointer file under
// corePath/locks.
func NewClient(corePath string, opts ClientOptions) *Client {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.FetchTimeout}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewHTTPResolver(httpClient, opts.Authenticator)
	}
	locksDir := filepath.Join(corePath, "locks")
	return &Client{
		pointerPath: filepath.Join(locksDir, PointerFileName),
		locksDir:    locksDir,
		controlURL:  opts.ControlURL,
		cacheTTL:    opts.CacheTTL,
		httpClient:  httpClient,
		resolve:     resolver,
	}
}

// Leader returns the current descriptor, or nil when there is no leader.
// A missing pointer file or a failed descriptor fetch is a steady
// no-leader state, never an error.
func (c *Client) Leader(ctx context.Context) *Descriptor {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		d := *c.cached
		c.mu.Unlock()
		return &d
	}
	c.mu.Unlock()

	controlURL := c.controlURL
	if controlURL == "" {
		controlURL = c.readPointerURL()
	}
	if controlURL == "" {
		return nil
	}

	desc, err := c.resolve(ctx, controlURL)
	if err != nil {
		klog.V(2).InfoS("Descriptor fetch failed", "url", controlURL, "error", err)
		return nil
	}

	c.mu.Lock()
	c.cached = desc
	c.cachedAt = time.Now()
	c.mu.Unlock()

	d := *desc
	return &d
}

// WaitForLeader polls until a leader is available or the timeout expires.
// This is the one place where the absence of a leader surfaces as an
// error: callers that cannot start without a data store use it to bound
// their startup wait.
func (c *Client) WaitForLeader(ctx context.Context, timeout time.Duration) (*Descriptor, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d := c.Leader(ctx); d != nil {
			klog.InfoS("Leader found", "host", d.Hostname, "dataUrl", d.DataURL)
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no leader found within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// OnChange registers a callback fired whenever the pointer file changes.
func (c *Client) OnChange(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, cb)
}

// Watch starts the filesystem watcher that invalidates the descriptor
// cache on pointer changes. Best effort: without event support callers
// simply fall back on the cache TTL.
func (c *Client) Watch() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		klog.InfoS("Filesystem events unavailable, relying on cache TTL", "error", err)
		close(c.doneCh)
		return
	}
	if err := fsw.Add(c.locksDir); err != nil {
		klog.InfoS("Cannot watch locks directory, relying on cache TTL", "dir", c.locksDir, "error", err)
		fsw.Close()
		close(c.doneCh)
		return
	}
	c.fsw = fsw

	go func() {
		defer close(c.doneCh)
		defer fsw.Close()
		for {
			select {
			case <-c.stopCh:
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == PointerFileName {
					c.invalidate()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				klog.V(2).InfoS("Filesystem watcher error", "error", err)
			}
		}
	}()
	klog.InfoS("Watching for leader changes", "dir", c.locksDir)
}

// Close stops the watcher and drops callbacks.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.onChange = nil
	c.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
	}
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.cachedAt = time.Time{}
	callbacks := append([]func(){}, c.onChange...)
	c.mu.Unlock()

	klog.V(2).Info("Leader pointer changed, descriptor cache invalidated")
	for _, cb := range callbacks {
		cb()
	}
}

// readPointerURL reads the plain-text control URL from the pointer file.
func (c *Client) readPointerURL() string {
	data, err := os.ReadFile(c.pointerPath)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.V(2).InfoS("Cannot read leader pointer", "error", err)
		}
		return ""
	}
	ptr, ok := ParsePointer(data)
	if !ok || ptr.ResolveURL == "" {
		return ""
	}
	return ptr.ResolveURL
}
