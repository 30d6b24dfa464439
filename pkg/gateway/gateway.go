// Package gateway wires the discovery, leader and storage layers into
// one explicitly constructed object with a start/stop lifecycle. There
// are no package-level singletons: everything a collaborator needs is
// passed by reference from here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/worph/meta-stremio/pkg/auth"
	"github.com/worph/meta-stremio/pkg/config"
	"github.com/worph/meta-stremio/pkg/discovery"
	"github.com/worph/meta-stremio/pkg/leader"
	"github.com/worph/meta-stremio/pkg/storage"
)

// Gateway composes the coordination core of the meta-stremio process:
// self-registration, peer discovery, leader following, the reconnecting
// metadata store and the status HTTP surface.
type Gateway struct {
	cfg           *config.Config
	registrar     *discovery.Registrar
	scanner       *discovery.Scanner
	store         *storage.Store
	events        *storage.EventConsumer
	authenticator *auth.Authenticator

	httpServer  *http.Server
	startupTime time.Time

	invalidations int64 // atomic
}

// New constructs a gateway from configuration. Nothing starts until Run.
func New(cfg *config.Config) *Gateway {
	authenticator := auth.New(cfg.SharedSecret)

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	var watcher *leader.Watcher
	if cfg.RedisURL == "" {
		watcher = leader.NewWatcher(cfg.CorePath, leader.WatcherOptions{
			PollInterval:  cfg.PollInterval,
			ProbeTimeout:  cfg.ProbeTimeout,
			MaxFailures:   cfg.MaxFailures,
			Authenticator: authenticator,
		})
	}

	g := &Gateway{
		cfg:           cfg,
		registrar:     discovery.NewRegistrar(cfg.CorePath, cfg.ServiceName, hostname, cfg.BaseURL, cfg.HeartbeatInterval),
		scanner:       discovery.NewScanner(cfg.CorePath, cfg.StaleThreshold, cfg.CoreService),
		store:         storage.New(watcher, cfg.RedisURL, cfg.RedisPrefix),
		events:        storage.NewEventConsumer(fmt.Sprintf("stremio-%s", hostname)),
		authenticator: authenticator,
		startupTime:   time.Now(),
	}

	g.events.OnChange(func(key, eventType string) {
		atomic.AddInt64(&g.invalidations, 1)
		klog.V(2).InfoS("Metadata changed", "key", key, "type", eventType)
	})
	g.store.OnReady(func() {
		if client := g.store.Client(); client != nil {
			g.events.Start(client)
		}
	})
	g.store.OnDisconnect(func() {
		g.events.Stop()
	})

	g.setupHTTPServer()
	return g
}

// Store exposes the metadata store boundary to the protocol layers.
func (g *Gateway) Store() *storage.Store {
	return g.store
}

// Scanner exposes peer discovery to the protocol layers.
func (g *Gateway) Scanner() *discovery.Scanner {
	return g.scanner
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in order with bounded timeouts.
func (g *Gateway) Run(ctx context.Context) error {
	klog.InfoS("Starting gateway",
		"service", g.cfg.ServiceName,
		"corePath", g.cfg.CorePath,
		"directRedis", g.cfg.RedisURL != "")

	g.registrar.Start()
	g.store.Connect()

	go func() {
		klog.InfoS("Starting HTTP server", "port", g.cfg.HTTPPort)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "HTTP server error")
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("Context cancelled, shutting down")
			return g.shutdown()
		case <-ticker.C:
			if g.cfg.Debug {
				peers := g.scanner.DiscoverAll()
				klog.InfoS("Discovery sync",
					"peers", len(peers),
					"connected", g.store.IsConnected())
			}
		}
	}
}

// shutdown stops components in dependency order: the event consumer
// first, then the store (which stops the watcher), then the HTTP server,
// and the registrar last so the stopped status lands on the registry.
func (g *Gateway) shutdown() error {
	klog.Info("Shutting down gateway")

	g.events.Stop()
	g.store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "Failed to shutdown HTTP server")
	}

	g.registrar.Stop()
	return nil
}

func (g *Gateway) setupHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/status", g.authenticator.Middleware(g.handleStatus))
	mux.HandleFunc("/services", g.authenticator.Middleware(g.handleServices))

	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.HTTPPort),
		Handler: mux,
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// statusResponse is the dashboard payload. It is always well formed:
// discovery being unavailable shows up as empty lists and a null leader,
// never as a failed request.
type statusResponse struct {
	Service       string                     `json:"service"`
	Hostname      string                     `json:"hostname"`
	UptimeSeconds int64                      `json:"uptimeSeconds"`
	Registered    bool                       `json:"registered"`
	Storage       storage.Status             `json:"storage"`
	Services      []*discovery.ServiceRecord `json:"services"`
	Invalidations int64                      `json:"invalidations"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	services := g.scanner.DiscoverAll()
	if services == nil {
		services = []*discovery.ServiceRecord{}
	}

	resp := statusResponse{
		Service:       g.cfg.ServiceName,
		Hostname:      hostname,
		UptimeSeconds: int64(time.Since(g.startupTime).Seconds()),
		Registered:    g.registrar.Registered(),
		Storage:       g.store.GetStatus(r.Context()),
		Services:      services,
		Invalidations: atomic.LoadInt64(&g.invalidations),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleServices(w http.ResponseWriter, r *http.Request) {
	services := g.scanner.DiscoverAll()
	if services == nil {
		services = []*discovery.ServiceRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(services)
}
