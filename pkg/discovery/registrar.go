package discovery

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Registrar owns this process's service record: it registers at startup,
// keeps the record fresh with a heartbeat loop, and marks it stopped on
// shutdown. Every failure in here is advisory. Self-announcement is best
// effort, so registration problems degrade to discovery-only mode instead
// of failing the process.
type Registrar struct {
	servicesDir string
	name        string
	hostname    string
	baseURL     string
	interval    time.Duration
	filePath    string

	mu         sync.Mutex
	started    bool
	registered bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewRegistrar creates a registrar for the services directory under
// corePath. An empty baseURL is auto-detected from the local IP.
func NewRegistrar(corePath, name, hostname, baseURL string, interval time.Duration) *Registrar {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL()
	}
	dir := filepath.Join(corePath, "services")
	return &Registrar{
		servicesDir: dir,
		name:        name,
		hostname:    hostname,
		baseURL:     baseURL,
		interval:    interval,
		filePath:    filepath.Join(dir, fmt.Sprintf("%s-%s.json", name, hostname)),
	}
}

// FilePath returns the path of this process's record file.
func (r *Registrar) FilePath() string {
	return r.filePath
}

// Registered reports whether the registrar is announcing, as opposed to
// running in discovery-only mode.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// Start registers the service and launches the heartbeat loop. It never
// returns an error: an unwritable registry leaves the process in
// discovery-only mode with reads still working.
func (r *Registrar) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}

	if err := os.MkdirAll(r.servicesDir, 0o755); err != nil {
		klog.InfoS("Services directory not writable, running in discovery-only mode",
			"dir", r.servicesDir, "error", err)
		r.started = true
		return
	}

	if err := r.register(); err != nil {
		klog.InfoS("Registration failed, running in discovery-only mode",
			"service", r.name, "error", err)
		r.started = true
		return
	}
	if err := r.updateStatus(StatusRunning); err != nil {
		klog.ErrorS(err, "Failed to mark service running", "service", r.name)
	}

	r.registered = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.heartbeatLoop(r.stopCh, r.doneCh)

	r.started = true
	klog.InfoS("Registered service", "service", r.name, "hostname", r.hostname, "baseUrl", r.baseURL)
}

// Stop halts the heartbeat loop and best-effort marks the record stopped.
func (r *Registrar) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stopCh, doneCh := r.stopCh, r.doneCh
	registered := r.registered
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			klog.Warning("Heartbeat loop did not stop in time")
		}
	}

	if registered {
		if err := r.updateStatus(StatusStopped); err != nil {
			klog.InfoS("Failed to unregister service", "service", r.name, "error", err)
		} else {
			klog.InfoS("Unregistered service", "service", r.name)
		}
	}
}

// UpdateStatus performs a read-modify-write of status plus timestamp as
// one atomic file replace. Failures are logged, never returned.
func (r *Registrar) UpdateStatus(status Status) {
	if err := r.updateStatus(status); err != nil {
		klog.InfoS("Failed to update service status", "service", r.name, "status", status, "error", err)
	}
}

func (r *Registrar) register() error {
	rec := &ServiceRecord{
		Name:          r.name,
		Hostname:      r.hostname,
		BaseURL:       r.baseURL,
		Status:        StatusStarting,
		LastHeartbeat: Timestamp(time.Now()),
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(r.filePath, data)
}

// heartbeat rewrites only the heartbeat timestamp, preserving whatever
// else the record holds. A record deleted out from under us triggers a
// fresh registration.
func (r *Registrar) heartbeat() error {
	data, err := os.ReadFile(r.filePath)
	if os.IsNotExist(err) {
		klog.InfoS("Service record missing, re-registering", "service", r.name)
		if err := r.register(); err != nil {
			return err
		}
		return r.updateStatus(StatusRunning)
	}
	if err != nil {
		return err
	}

	rec, err := DecodeRecord(data)
	if err != nil {
		// Own record corrupted (partial write, manual edit): rewrite it.
		if regErr := r.register(); regErr != nil {
			return regErr
		}
		return r.updateStatus(StatusRunning)
	}

	rec.LastHeartbeat = Timestamp(time.Now())
	out, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(r.filePath, out)
}

func (r *Registrar) updateStatus(status Status) error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.LastHeartbeat = Timestamp(time.Now())
	out, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(r.filePath, out)
}

func (r *Registrar) heartbeatLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.heartbeat(); err != nil {
				klog.InfoS("Heartbeat failed", "service", r.name, "error", err)
			}
		}
	}
}

// writeFileAtomic replaces path in one rename so concurrent readers never
// observe a truncated record from this writer.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".reg-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// defaultBaseURL guesses a reachable base URL from the outbound interface.
func defaultBaseURL() string {
	host := "localhost"
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			host = addr.IP.String()
		}
		conn.Close()
	}
	return fmt.Sprintf("http://%s:7000", host)
}
