package metadata

// MergePolicy names the rule applied to one incoming gossip chunk record.
type MergePolicy int

const (
	// PolicyIgnore leaves local state untouched.
	PolicyIgnore MergePolicy = iota
	// PolicyDeleteDominates applies an incoming deletion regardless of local state.
	PolicyDeleteDominates
	// PolicyLearnIfAbsent records a chunk the node had no record of.
	PolicyLearnIfAbsent
)

func (p MergePolicy) String() string {
	switch p {
	case PolicyDeleteDominates:
		return "delete_dominates"
	case PolicyLearnIfAbsent:
		return "learn_if_absent"
	default:
		return "ignore"
	}
}

// ClassifyMerge picks the policy for an incoming record given the local one
// (nil when absent). Conflicting non-deleted records are not reconciled.
func ClassifyMerge(local *ChunkRecord, incoming ChunkRecord) MergePolicy {
	if incoming.State == StateDeleted {
		if local != nil && local.State == StateDeleted {
			return PolicyIgnore
		}
		return PolicyDeleteDominates
	}
	if local == nil {
		return PolicyLearnIfAbsent
	}
	return PolicyIgnore
}

// MergeResult counts the outcome of merging one peer snapshot.
type MergeResult struct {
	Learned int
	Deleted int
	Ignored int
}

// Merge folds a peer's snapshot into the local store. Deletions always win;
// otherwise only chunks with no local record are learned, as remote records
// stripped of the peer's filesystem paths. An incoming deletion of an unknown
// chunk is kept as a remote tombstone so later gossip cannot resurrect it.
func (s *Store) Merge(peer string, incoming Snapshot) (MergeResult, error) {
	var res MergeResult
	ts := s.now().Unix()

	err := s.doc.Update(func(all *Snapshot) error {
		res = MergeResult{}
		for fileID, inFile := range incoming {
			if ValidateFileID(fileID) != nil {
				res.Ignored += len(inFile.Chunks)
				continue
			}
			for chunkID, in := range inFile.Chunks {
				if ValidateChunkID(chunkID) != nil {
					res.Ignored++
					continue
				}

				f, ok := (*all)[fileID]
				if !ok {
					f = FileRecord{Chunks: map[string]ChunkRecord{}}
				}
				var local *ChunkRecord
				if c, ok := f.Chunks[chunkID]; ok {
					local = &c
				}

				policy := ClassifyMerge(local, in)
				switch policy {
				case PolicyDeleteDominates:
					if local != nil {
						local.State = StateDeleted
						local.DeletedAt = ts
						f.Chunks[chunkID] = *local
					} else {
						f.Chunks[chunkID] = learned(peer, in, ts)
					}
					res.Deleted++
				case PolicyLearnIfAbsent:
					f.Chunks[chunkID] = learned(peer, in, ts)
					res.Learned++
				default:
					res.Ignored++
				}
				if len(f.Chunks) > 0 {
					(*all)[fileID] = f
				}
				s.metrics.MetadataMerges.WithLabelValues(policy.String()).Inc()
			}
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	s.logger.Debug().
		Str("peer", peer).
		Int("learned", res.Learned).
		Int("deleted", res.Deleted).
		Int("ignored", res.Ignored).
		Msg("merged peer metadata")
	return res, nil
}

func learned(peer string, in ChunkRecord, now int64) ChunkRecord {
	source := in.SourceNode
	if source == "" || source == "client" {
		source = peer
	}
	c := ChunkRecord{
		State:        in.State,
		Checksum:     in.Checksum,
		Size:         in.Size,
		StoredAt:     in.StoredAt,
		LastAccessed: in.LastAccessed,
		DeletedAt:    in.DeletedAt,
		SourceNode:   source,
		Remote:       true,
	}
	if c.State == "" {
		c.State = StateActive
	}
	if c.State == StateDeleted && c.DeletedAt == 0 {
		c.DeletedAt = now
	}
	return c
}
