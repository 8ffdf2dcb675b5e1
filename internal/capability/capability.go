// Package capability describes what a node can do. The snapshot is served on
// /api/capabilities and stored as the capabilities of self in peer health.
package capability

import (
	"os"
	"runtime"
	"slices"

	"github.com/meshdrop/meshdrop/internal/checksum"
)

// Snapshot is an immutable description of a node's capabilities.
type Snapshot struct {
	NodeID          string   `json:"node_id"`
	NodeURL         string   `json:"node_url"`
	Version         string   `json:"version"`
	GoVersion       string   `json:"go_version"`
	OS              string   `json:"os"`
	CanInitiateHTTP bool     `json:"can_initiate_http"`
	Archiving       bool     `json:"archiving"`
	Hashing         []string `json:"hashing"`
}

// Options are the inputs to Detect.
type Options struct {
	NodeID           string
	NodeURL          string
	Version          string
	ArchiveDir       string
	Algorithms       []string // preference order; unsupported entries are dropped
	DisableOutbound  bool
	DisableArchiving bool
}

// Detect probes the environment and returns a fresh snapshot.
func Detect(opts Options) Snapshot {
	s := Snapshot{
		NodeID:          opts.NodeID,
		NodeURL:         opts.NodeURL,
		Version:         opts.Version,
		GoVersion:       runtime.Version(),
		OS:              runtime.GOOS + "/" + runtime.GOARCH,
		CanInitiateHTTP: !opts.DisableOutbound,
		Archiving:       !opts.DisableArchiving && writable(opts.ArchiveDir),
	}
	supported := checksum.Supported()
	for _, alg := range opts.Algorithms {
		if slices.Contains(supported, alg) && !slices.Contains(s.Hashing, alg) {
			s.Hashing = append(s.Hashing, alg)
		}
	}
	if len(s.Hashing) == 0 {
		s.Hashing = supported
	}
	return s
}

// Map returns the snapshot as the generic object stored in peer health.
func (s Snapshot) Map() map[string]any {
	hashing := make([]any, len(s.Hashing))
	for i, h := range s.Hashing {
		hashing[i] = h
	}
	return map[string]any{
		"node_id":           s.NodeID,
		"node_url":          s.NodeURL,
		"version":           s.Version,
		"go_version":        s.GoVersion,
		"os":                s.OS,
		"can_initiate_http": s.CanInitiateHTTP,
		"archiving":         s.Archiving,
		"hashing":           hashing,
	}
}

// CanInitiateHTTP reads the flag from a capabilities object received from a
// peer. Anything other than a JSON true counts as false.
func CanInitiateHTTP(caps map[string]any) bool {
	v, ok := caps["can_initiate_http"].(bool)
	return ok && v
}

func writable(dir string) bool {
	if dir == "" {
		return false
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
