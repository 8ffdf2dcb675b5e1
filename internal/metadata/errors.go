package metadata

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrFileNotFound is returned when no record exists for a file id.
	ErrFileNotFound = errors.New("file not found")
	// ErrChunkNotFound is returned when no record exists for a chunk.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrConflict is returned when a conditional update finds the chunk
	// changed since it was read.
	ErrConflict = errors.New("chunk changed concurrently")
)

// ValidationError reports a malformed identifier or request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	fileIDPattern  = regexp.MustCompile(`^[A-Za-z0-9-]{4,128}$`)
	chunkIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,32}$`)
)

// ValidateFileID rejects ids that could escape the data directory or break
// the sharded layout, which needs at least four characters.
func ValidateFileID(id string) error {
	if !fileIDPattern.MatchString(id) {
		return &ValidationError{Field: "file_id", Reason: "must be 4-128 characters of [A-Za-z0-9-]"}
	}
	return nil
}

// ValidateChunkID rejects malformed chunk ids.
func ValidateChunkID(id string) error {
	if !chunkIDPattern.MatchString(id) {
		return &ValidationError{Field: "chunk_id", Reason: "must be 1-32 characters of [A-Za-z0-9-]"}
	}
	return nil
}
