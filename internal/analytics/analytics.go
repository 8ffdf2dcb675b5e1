// Package analytics persists the node-local analytics record: download
// counters, the peer health map, storage usage and maintenance check-ins.
package analytics

import (
	"strings"
	"time"

	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/internal/store"
)

// Status is the last observed health of a peer.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOK      Status = "ok"
	StatusOffline Status = "offline"
)

// PeerHealth is one entry of the peer status map.
type PeerHealth struct {
	Status       Status         `json:"status"`
	LastChecked  int64          `json:"last_checked"`
	Capabilities map[string]any `json:"capabilities"`
}

// Record is the analytics document.
type Record struct {
	DownloadCounts map[string]int64      `json:"download_counts"`
	PeerStatus     map[string]PeerHealth `json:"peer_status"`
	StorageUsage   *storage.Usage        `json:"storage_usage,omitempty"`
	LastCheckIn    int64                 `json:"last_check_in"`
	LastTask       string                `json:"last_task,omitempty"`
}

// DownloadKey is the download_counts key of a chunk.
func DownloadKey(fileID, chunkID string) string {
	return fileID + "_" + chunkID
}

// Store wraps the analytics document.
type Store struct {
	doc *store.Document[Record]
}

// NewStore opens the analytics file at path.
func NewStore(path string) (*Store, error) {
	doc, err := store.Open(path, store.Options[Record]{
		Initial:   func() Record { return Record{} },
		Normalize: normalize,
	})
	if err != nil {
		return nil, err
	}
	return &Store{doc: doc}, nil
}

func normalize(r *Record) {
	if r.DownloadCounts == nil {
		r.DownloadCounts = map[string]int64{}
	}
	if r.PeerStatus == nil {
		r.PeerStatus = map[string]PeerHealth{}
	}
	for url, h := range r.PeerStatus {
		if h.Capabilities == nil {
			h.Capabilities = map[string]any{}
			r.PeerStatus[url] = h
		}
	}
}

// Load returns the current record.
func (s *Store) Load() (Record, error) {
	return s.doc.Load()
}

// IncrementDownload bumps the counter for a chunk.
func (s *Store) IncrementDownload(fileID, chunkID string) error {
	return s.doc.Update(func(r *Record) error {
		r.DownloadCounts[DownloadKey(fileID, chunkID)]++
		return nil
	})
}

// DownloadCounts returns all counters, or only those of fileID when it is non-empty.
func (s *Store) DownloadCounts(fileID string) (map[string]int64, error) {
	r, err := s.doc.Load()
	if err != nil {
		return nil, err
	}
	if fileID == "" {
		return r.DownloadCounts, nil
	}
	out := map[string]int64{}
	prefix := fileID + "_"
	for k, v := range r.DownloadCounts {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// PeerStatus returns the peer health map.
func (s *Store) PeerStatus() (map[string]PeerHealth, error) {
	r, err := s.doc.Load()
	if err != nil {
		return nil, err
	}
	return r.PeerStatus, nil
}

// ReplacePeerStatus overwrites the whole peer health map.
func (s *Store) ReplacePeerStatus(status map[string]PeerHealth) error {
	return s.doc.Update(func(r *Record) error {
		r.PeerStatus = status
		return nil
	})
}

// SetPeerHealth updates a single peer's entry.
func (s *Store) SetPeerHealth(url string, h PeerHealth) error {
	return s.doc.Update(func(r *Record) error {
		r.PeerStatus[url] = h
		return nil
	})
}

// SetStorageUsage records the latest volume usage.
func (s *Store) SetStorageUsage(u storage.Usage) error {
	return s.doc.Update(func(r *Record) error {
		r.StorageUsage = &u
		return nil
	})
}

// CheckIn records that a maintenance task ran at ts.
func (s *Store) CheckIn(task string, ts time.Time) error {
	return s.doc.Update(func(r *Record) error {
		r.LastCheckIn = ts.Unix()
		r.LastTask = task
		return nil
	})
}
