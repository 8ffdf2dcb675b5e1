// Package proto defines the JSON messages exchanged between meshdrop nodes,
// gateways and clients.
package proto

// Multipart field names of a peer chunk push.
const (
	FieldFileData     = "file_data"
	FieldFileID       = "file_id"
	FieldChunkID      = "chunk_id"
	FieldChecksum     = "checksum"
	FieldSourceNodeID = "source_node_id"
)

// FieldUpload is the multipart field of a client upload.
const FieldUpload = "file"

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ChunkPushResponse answers a peer chunk push.
type ChunkPushResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeleteResponse answers a client delete.
type DeleteResponse struct {
	Success bool   `json:"success"`
	FileID  string `json:"file_id"`
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// AnalyticsAll is the reply to GET api/analytics?type=all as read by gateways.
// Data is nil when the node has nothing to report.
type AnalyticsAll struct {
	Success bool           `json:"success"`
	Data    *AnalyticsData `json:"data"`
}

// AnalyticsData is the subset of a node's analytics a gateway consumes.
type AnalyticsData struct {
	PeerStatus   map[string]PeerStatusEntry `json:"peer_status"`
	Capabilities map[string]any             `json:"capabilities"`
}

// PeerStatusEntry is one node's view of a peer.
type PeerStatusEntry struct {
	Status       string         `json:"status"`
	LastChecked  int64          `json:"last_checked"`
	Capabilities map[string]any `json:"capabilities"`
}
