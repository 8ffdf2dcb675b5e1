package metadata

// State is the lifecycle state of a chunk.
type State string

const (
	StateActive   State = "active"
	StateArchived State = "archived"
	StateDeleted  State = "deleted"
)

// DefaultChunkID is the only chunk id used while every file is a single chunk.
const DefaultChunkID = "0"

// ChunkRecord describes one stored chunk. Timestamps are unix seconds.
//
// LocalPath is set iff the chunk is active and held here; ArchivePath and
// ArchiveEntryName are set iff it is archived. Deleted chunks keep their
// location fields until cleanup reclaims the bytes.
type ChunkRecord struct {
	State            State  `json:"state"`
	LocalPath        string `json:"local_path,omitempty"`
	ArchivePath      string `json:"archive_path,omitempty"`
	ArchiveEntryName string `json:"archive_entry_name,omitempty"`
	Checksum         string `json:"checksum,omitempty"`
	Size             int64  `json:"size"`
	StoredAt         int64  `json:"stored_at,omitempty"`
	LastAccessed     int64  `json:"last_accessed,omitempty"`
	DeletedAt        int64  `json:"deleted_at,omitempty"`
	ReactivatedAt    int64  `json:"reactivated_at,omitempty"`
	ReclaimedAt      int64  `json:"reclaimed_at,omitempty"`
	SourceNode       string `json:"source_node,omitempty"`
	Remote           bool   `json:"remote,omitempty"` // learned via gossip, bytes held elsewhere
}

// LastUsed is last_accessed, falling back to stored_at.
func (c ChunkRecord) LastUsed() int64 {
	if c.LastAccessed != 0 {
		return c.LastAccessed
	}
	return c.StoredAt
}

// FileRecord holds the chunks of one file.
type FileRecord struct {
	Chunks map[string]ChunkRecord `json:"chunks"`
}

// Snapshot maps file ids to their records. It is both the on-disk document
// and the gossip wire format.
type Snapshot map[string]FileRecord

// ChunkPatch is a partial update: nil fields are left untouched, non-nil
// fields overwrite. Use a pointer to "" or 0 to clear a field.
type ChunkPatch struct {
	State            *State
	LocalPath        *string
	ArchivePath      *string
	ArchiveEntryName *string
	Checksum         *string
	Size             *int64
	StoredAt         *int64
	LastAccessed     *int64
	DeletedAt        *int64
	ReactivatedAt    *int64
	ReclaimedAt      *int64
	SourceNode       *string
	Remote           *bool
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

func (p ChunkPatch) apply(c *ChunkRecord) {
	set(&c.State, p.State)
	set(&c.LocalPath, p.LocalPath)
	set(&c.ArchivePath, p.ArchivePath)
	set(&c.ArchiveEntryName, p.ArchiveEntryName)
	set(&c.Checksum, p.Checksum)
	set(&c.Size, p.Size)
	set(&c.StoredAt, p.StoredAt)
	set(&c.LastAccessed, p.LastAccessed)
	set(&c.DeletedAt, p.DeletedAt)
	set(&c.ReactivatedAt, p.ReactivatedAt)
	set(&c.ReclaimedAt, p.ReclaimedAt)
	set(&c.SourceNode, p.SourceNode)
	set(&c.Remote, p.Remote)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
