package discovery

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Scanner reads the shared services directory and filters what it finds
// down to live records. It never writes and never returns errors: a
// missing or unreadable registry is an empty registry.
type Scanner struct {
	servicesDir    string
	staleThreshold time.Duration

	// roleService is the one service name whose instances carry a
	// leader/follower role and need a representative picked per scan.
	roleService string

	httpClient *http.Client

	// now is swappable for tests.
	now func() time.Time
}

// NewScanner creates a scanner over the services directory under corePath.
// roleService names the role-bearing service (normally "meta-core").
func NewScanner(corePath string, staleThreshold time.Duration, roleService string) *Scanner {
	return &Scanner{
		servicesDir:    filepath.Join(corePath, "services"),
		staleThreshold: staleThreshold,
		roleService:    roleService,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		now:            time.Now,
	}
}

// Discover looks up a single live record by service name. Files named
// {name}-{hostname}.json are matched by prefix; a bare {name}.json is
// accepted for services registered before hostname-based naming.
func (s *Scanner) Discover(name string) *ServiceRecord {
	entries, err := os.ReadDir(s.servicesDir)
	if err != nil {
		return nil
	}

	// Legacy exact filename first.
	if rec := s.readRecord(name + ".json"); rec != nil && rec.Live(s.now(), s.staleThreshold) {
		return rec
	}

	prefix := name + "-"
	for _, entry := range entries {
		fn := entry.Name()
		if !strings.HasPrefix(fn, prefix) || !strings.HasSuffix(fn, ".json") {
			continue
		}
		if rec := s.readRecord(fn); rec != nil && rec.Live(s.now(), s.staleThreshold) {
			return rec
		}
	}
	return nil
}

// DiscoverAll returns exactly one live record per distinct service name.
// Instances of the role-bearing service are collected first and reduced
// to a single representative: an explicit leader role wins, otherwise the
// first live instance in enumeration order does. Enumeration order is a
// documented non-guarantee, not a consistency property.
func (s *Scanner) DiscoverAll() []*ServiceRecord {
	entries, err := os.ReadDir(s.servicesDir)
	if err != nil {
		return nil
	}

	var services []*ServiceRecord
	var roleCandidates []*ServiceRecord
	seen := make(map[string]bool)
	now := s.now()

	for _, entry := range entries {
		fn := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fn, ".json") {
			continue
		}
		rec := s.readRecord(fn)
		if rec == nil {
			continue
		}
		if !rec.Live(now, s.staleThreshold) {
			continue
		}

		if rec.Name == s.roleService {
			roleCandidates = append(roleCandidates, rec)
			continue
		}
		if !seen[rec.Name] {
			seen[rec.Name] = true
			services = append(services, rec)
		}
	}

	if rep := pickRepresentative(roleCandidates); rep != nil {
		services = append(services, rep)
	}
	return services
}

// pickRepresentative reduces live candidates sharing the role-bearing
// name to one reachable entry point: leader role wins, first-enumerated
// otherwise.
func pickRepresentative(candidates []*ServiceRecord) *ServiceRecord {
	if len(candidates) == 0 {
		return nil
	}
	for _, c := range candidates {
		if c.Role == RoleLeader {
			return c
		}
	}
	return candidates[0]
}

// IsHealthy resolves a service and probes its well-known health path.
// Any transport failure or non-2xx response is unhealthy; this never
// returns an error.
func (s *Scanner) IsHealthy(name string) bool {
	rec := s.Discover(name)
	if rec == nil || rec.BaseURL == "" {
		return false
	}

	resp, err := s.httpClient.Get(rec.BaseURL + "/health")
	if err != nil {
		klog.V(2).InfoS("Health probe failed", "service", name, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Scanner) readRecord(filename string) *ServiceRecord {
	data, err := os.ReadFile(filepath.Join(s.servicesDir, filename))
	if err != nil {
		return nil
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		klog.Warningf("Skipping unreadable service record %s: %v", filename, err)
		return nil
	}
	return rec
}
