// Package storage owns the gateway's single connection to the metadata
// store. The store follows the externally elected Redis leader through
// pkg/leader and swaps the live connection atomically on leader changes;
// protocol layers consume the connection at this boundary and never deal
// with discovery themselves.
package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"

	"github.com/worph/meta-stremio/pkg/leader"
)

// Store is the reconnecting consumer of the leader's Redis instance.
// The client handle and connected flag are the only shared mutable state
// and are always mutated under one mutex; user callbacks run outside the
// critical section.
type Store struct {
	overrideURL string // direct Redis URL - discovery never engaged when set
	prefix      string
	watcher     *leader.Watcher

	mu        sync.Mutex
	client    *redis.Client
	connected bool
	current   *leader.Descriptor

	onReady      []func()
	onDisconnect []func()
}

// New creates a store. watcher may be nil when overrideURL is set.
func New(watcher *leader.Watcher, overrideURL, prefix string) *Store {
	return &Store{
		overrideURL: overrideURL,
		prefix:      prefix,
		watcher:     watcher,
	}
}

// Connect attaches the store to its backend. With a direct override URL
// it connects immediately; otherwise it starts leader discovery and
// reacts only to found/lost events. Connection failures are logged, not
// returned: recovery rides on the watcher's recurring rescans.
func (s *Store) Connect() {
	if s.overrideURL != "" {
		klog.InfoS("Using direct Redis URL, leader discovery disabled", "url", s.overrideURL)
		s.open(&leader.Descriptor{DataURL: s.overrideURL})
		return
	}

	s.watcher.OnLeaderFound(s.handleLeaderFound)
	s.watcher.OnLeaderLost(s.handleLeaderLost)
	s.watcher.Start()
}

// Close tears down discovery and the connection.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}

	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

// IsConnected returns the connection state, verified with a cheap
// round-trip. A failed round-trip flips the cached flag false as a side
// effect; reconnection is left to the watcher.
func (s *Store) IsConnected() bool {
	s.mu.Lock()
	client, connected := s.client, s.connected
	s.mu.Unlock()

	if !connected || client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		klog.V(2).InfoS("Connection liveness check failed", "error", err)
		s.markDisconnected(client)
		return false
	}
	return true
}

// markDisconnected flips the connected flag only while pinged is still
// the live handle. A connection swapped in while the probe was in flight
// is left alone: its failed ping says nothing about the new leader.
func (s *Store) markDisconnected(pinged *redis.Client) {
	s.mu.Lock()
	if s.client == pinged {
		s.connected = false
	}
	s.mu.Unlock()
}

// Client returns the live connection handle, or nil while disconnected.
// Protocol layers hold this only transiently; the handle is swapped on
// leader change.
func (s *Store) Client() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return s.client
}

// Leader returns the descriptor of the leader currently connected to.
func (s *Store) Leader() *leader.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	d := *s.current
	return &d
}

// Prefix returns the key prefix the metadata writer uses.
func (s *Store) Prefix() string {
	return s.prefix
}

// OnReady registers a callback fired after each successful connect. If
// the store is already connected the callback fires immediately.
func (s *Store) OnReady(cb func()) {
	s.mu.Lock()
	s.onReady = append(s.onReady, cb)
	connected := s.connected
	s.mu.Unlock()

	if connected {
		cb()
	}
}

// OnDisconnect registers a callback fired after each disconnect.
func (s *Store) OnDisconnect(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, cb)
}

func (s *Store) handleLeaderFound(d leader.Descriptor) {
	klog.InfoS("Connecting to leader", "host", d.Hostname, "dataUrl", d.DataURL)
	s.open(&d)
}

func (s *Store) handleLeaderLost() {
	klog.Info("Leader lost, disconnecting")

	s.mu.Lock()
	s.closeLocked()
	callbacks := append([]func(){}, s.onDisconnect...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// open swaps the connection to a new leader under the mutex: close the
// old handle best effort, dial, verify with a bounded ping, then notify
// ready callbacks outside the lock. A repeated event for the identity we
// are already connected to is a no-op.
func (s *Store) open(d *leader.Descriptor) {
	s.mu.Lock()
	if s.connected && s.current != nil && s.current.SameIdentity(d) {
		s.mu.Unlock()
		klog.V(2).InfoS("Already connected to this leader", "dataUrl", d.DataURL)
		return
	}

	s.closeLocked()

	client, err := dial(d.DataURL)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
	}
	if err != nil {
		if client != nil {
			client.Close()
		}
		s.mu.Unlock()
		klog.ErrorS(err, "Failed to connect to Redis", "dataUrl", d.DataURL)
		return
	}

	s.client = client
	s.connected = true
	s.current = d
	callbacks := append([]func(){}, s.onReady...)
	s.mu.Unlock()

	klog.InfoS("Connected to Redis", "dataUrl", d.DataURL)
	for _, cb := range callbacks {
		cb()
	}
}

func (s *Store) closeLocked() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			klog.V(2).InfoS("Error closing Redis client", "error", err)
		}
		s.client = nil
	}
	s.connected = false
	s.current = nil
}

// dial accepts both redis:// URLs and bare host:port endpoints; the
// coordinator has published both forms over time.
func dial(dataURL string) (*redis.Client, error) {
	if strings.Contains(dataURL, "://") {
		opts, err := redis.ParseURL(dataURL)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: dataURL}), nil
}

// VideoCount returns the number of indexed files: the __index__ set when
// the writer maintains one, a key scan otherwise. Returns 0 while
// disconnected.
func (s *Store) VideoCount(ctx context.Context) int64 {
	client := s.Client()
	if client == nil {
		return 0
	}

	count, err := client.SCard(ctx, s.prefix+"file:__index__").Result()
	if err == nil && count > 0 {
		return count
	}

	var total int64
	iter := client.Scan(ctx, 0, s.prefix+"file:*", 100).Iterator()
	for iter.Next(ctx) {
		if strings.Contains(iter.Val(), "__index__") {
			continue
		}
		total++
	}
	if err := iter.Err(); err != nil {
		klog.V(2).InfoS("Error counting videos", "error", err)
	}
	return total
}

// Status describes the store for the dashboard. It is always well
// formed: discovery being down yields connected=false and a null leader,
// never a failed request.
type Status struct {
	Type       string             `json:"type"`
	Connected  bool               `json:"connected"`
	Leader     *leader.Descriptor `json:"leader"`
	Prefix     string             `json:"prefix"`
	VideoCount int64              `json:"videoCount"`
	MemoryUsed string             `json:"memoryUsed,omitempty"`
}

// GetStatus reports the current store state.
func (s *Store) GetStatus(ctx context.Context) Status {
	st := Status{
		Type:   "leader",
		Prefix: s.prefix,
		Leader: s.Leader(),
	}
	if s.overrideURL != "" {
		st.Type = "direct"
	}

	if !s.IsConnected() {
		return st
	}
	st.Connected = true
	st.VideoCount = s.VideoCount(ctx)

	if client := s.Client(); client != nil {
		if info, err := client.Info(ctx, "memory").Result(); err == nil {
			st.MemoryUsed = parseMemoryInfo(info).UsedMemoryHuman
		}
	}
	return st
}
