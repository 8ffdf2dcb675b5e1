package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is matched by a TransportError for a 404 response.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is matched by a TransportError for a 401 response.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransportError describes a failed call to a peer: unreachable, timed out,
// non-2xx or an undecodable body. StatusCode is zero when no response arrived.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return e.Err
}

// IsNotFound reports whether err is a confirmed 404 from a peer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
