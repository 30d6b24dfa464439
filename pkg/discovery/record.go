// Package discovery implements filesystem-based service discovery for the
// meta-core ecosystem. Every process announces itself with a heartbeated
// JSON record under {core}/services/ and discovers its peers by scanning
// the same directory. There is no central registry: the shared volume is
// the registry, and readers tolerate whatever partial or stale state they
// find there.
package discovery

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state a service advertises in its record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStale    Status = "stale"
	StatusStopped  Status = "stopped"
)

// Service roles, only used by role-bearing services such as meta-core.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// ServiceRecord is the registration record stored as one JSON file per
// (name, hostname) identity. Only the announcing process writes its own
// record; everyone else is a read-only observer.
type ServiceRecord struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	BaseURL  string `json:"baseUrl"`
	Status   Status `json:"status"`
	// LastHeartbeat is an ISO-8601 UTC timestamp with a Z suffix.
	LastHeartbeat string `json:"lastHeartbeat"`
	// Role is omitted entirely for services that have none.
	Role string `json:"role,omitempty"`
}

// Timestamp formats t the way every meta-core service writes heartbeats.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// HeartbeatAge returns how long ago the record last heartbeated.
func (r *ServiceRecord) HeartbeatAge(now time.Time) (time.Duration, error) {
	if r.LastHeartbeat == "" {
		return 0, fmt.Errorf("record %s-%s has no heartbeat", r.Name, r.Hostname)
	}
	hb, err := time.Parse(time.RFC3339, r.LastHeartbeat)
	if err != nil {
		return 0, fmt.Errorf("invalid heartbeat timestamp %q: %w", r.LastHeartbeat, err)
	}
	return now.Sub(hb), nil
}

// Live reports whether the record counts as alive: status running and a
// heartbeat younger than staleAfter. A missing or unparseable heartbeat
// is never live.
func (r *ServiceRecord) Live(now time.Time, staleAfter time.Duration) bool {
	if r.Status != StatusRunning {
		return false
	}
	age, err := r.HeartbeatAge(now)
	if err != nil {
		return false
	}
	return age < staleAfter
}

// EncodeRecord serializes a record to its on-disk representation. Records
// are indented for inspection with plain cat on the shared volume.
func EncodeRecord(r *ServiceRecord) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// DecodeRecord parses a record file. Callers treat any error as "record
// absent"; a half-written file must never surface as a fault.
func DecodeRecord(data []byte) (*ServiceRecord, error) {
	var r ServiceRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("malformed service record: %w", err)
	}
	if r.Name == "" {
		return nil, fmt.Errorf("service record missing name")
	}
	return &r, nil
}
