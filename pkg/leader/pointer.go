// Package leader observes the data-store leader elected by an external
// coordinator. The coordinator publishes a pointer file on the shared
// volume; this package parses it, resolves it to a full endpoint
// descriptor, and tracks leader changes through a poll plus
// filesystem-event watcher. Nothing here ever elects a leader or writes
// the pointer file.
package leader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/worph/meta-stremio/pkg/auth"
)

// PointerFileName is the well-known pointer file written by the
// coordinator under {core}/locks/.
const PointerFileName = "kv-leader.info"

// Descriptor is the canonical resolved identity of the current leader.
// Both pointer wire shapes normalize into this; business logic never
// branches on which shape was on disk.
type Descriptor struct {
	Hostname   string `json:"hostname"`
	BaseURL    string `json:"baseUrl,omitempty"`
	DataURL    string `json:"dataUrl"`    // Redis endpoint, e.g. redis://10.0.1.50:6379
	ControlURL string `json:"controlUrl"` // Coordinator HTTP API
	FileURL    string `json:"fileUrl,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// Valid reports whether the descriptor names both endpoints a consumer
// needs. A half-written pointer is no leader, never a partial leader.
func (d *Descriptor) Valid() bool {
	return d != nil && d.DataURL != "" && d.ControlURL != ""
}

// SameIdentity reports whether two descriptors point at the same leader.
// Identity is the data endpoint: that is the connection consumers hold.
func (d *Descriptor) SameIdentity(other *Descriptor) bool {
	return d != nil && other != nil && d.DataURL == other.DataURL
}

// Pointer is the parsed but not yet resolved pointer file: either a full
// descriptor written directly by the coordinator, or a bare control URL
// that must be resolved via its /urls API.
type Pointer struct {
	Desc       *Descriptor
	ResolveURL string
}

// lockInfo is the structured pointer wire shape.
type lockInfo struct {
	Host      string `json:"host"`
	API       string `json:"api"`
	HTTP      string `json:"http"`
	Timestamp int64  `json:"timestamp"`
	PID       int    `json:"pid"`
}

// urlsResponse is the coordinator's /urls descriptor payload.
type urlsResponse struct {
	Hostname string `json:"hostname"`
	BaseURL  string `json:"baseUrl"`
	APIURL   string `json:"apiUrl"`
	DataURL  string `json:"dataUrl"`
	FileURL  string `json:"fileUrl"`
	IsLeader bool   `json:"isLeader"`
}

// ParsePointer decodes pointer file content. It returns (nil, false) for
// anything truncated, corrupt, or incomplete; callers treat that exactly
// like a missing file.
func ParsePointer(data []byte) (*Pointer, bool) {
	content := bytes.TrimSpace(data)
	if len(content) == 0 {
		return nil, false
	}

	if content[0] == '{' {
		var li lockInfo
		if err := json.Unmarshal(content, &li); err != nil {
			return nil, false
		}
		if li.API == "" || li.HTTP == "" {
			return nil, false
		}
		host := li.Host
		if host == "" {
			host = "unknown"
		}
		return &Pointer{Desc: &Descriptor{
			Hostname:   host,
			DataURL:    li.API,
			ControlURL: li.HTTP,
			Timestamp:  li.Timestamp,
			PID:        li.PID,
		}}, true
	}

	// Plain single-URL shape: one line, no embedded whitespace.
	line := string(content)
	if strings.ContainsAny(line, " \t\r\n") {
		return nil, false
	}
	if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
		return nil, false
	}
	return &Pointer{ResolveURL: line}, true
}

// Resolver fetches a full descriptor from a coordinator control URL.
type Resolver func(ctx context.Context, controlURL string) (*Descriptor, error)

// NewHTTPResolver returns a Resolver querying {controlURL}/urls, signing
// requests when a shared secret is configured.
func NewHTTPResolver(client *http.Client, authenticator *auth.Authenticator) Resolver {
	return func(ctx context.Context, controlURL string) (*Descriptor, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimRight(controlURL, "/")+"/urls", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if authenticator != nil {
			if err := authenticator.SignRequest(req); err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		var ur urlsResponse
		if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
			return nil, fmt.Errorf("malformed /urls response: %w", err)
		}

		d := &Descriptor{
			Hostname:   ur.Hostname,
			BaseURL:    ur.BaseURL,
			DataURL:    ur.DataURL,
			ControlURL: ur.APIURL,
			FileURL:    ur.FileURL,
		}
		if d.ControlURL == "" {
			d.ControlURL = controlURL
		}
		if !d.Valid() {
			return nil, fmt.Errorf("descriptor from %s is incomplete", controlURL)
		}
		return d, nil
	}
}
