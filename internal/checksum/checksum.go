// Package checksum computes and verifies tagged content checksums of the form
// "<algorithm>:<hex digest>".
package checksum

import (
	"crypto/md5" //nolint:gosec // accepted as the weakest fallback for verification only
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
)

// Supported algorithm names, strongest first.
const (
	SHA256     = "sha256"
	BLAKE2b256 = "blake2b256"
	MD5        = "md5"
)

var (
	// ErrMismatch is returned when content does not hash to the expected checksum.
	ErrMismatch = errors.New("checksum mismatch")
	// ErrUnsupported is returned for an algorithm this build cannot compute.
	ErrUnsupported = errors.New("unsupported checksum algorithm")
	// ErrMalformed is returned for checksums that are not "<alg>:<hex>".
	ErrMalformed = errors.New("malformed checksum")
)

var constructors = map[string]func() hash.Hash{
	SHA256: sha256.New,
	BLAKE2b256: func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	},
	MD5: md5.New,
}

// Supported returns the algorithms this build can compute, strongest first.
func Supported() []string {
	return []string{SHA256, BLAKE2b256, MD5}
}

// NewHash returns a fresh hash for the named algorithm.
func NewHash(alg string) (hash.Hash, error) {
	ctor, ok := constructors[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, alg)
	}
	return ctor(), nil
}

// Parse splits a tagged checksum into algorithm and lower-case hex digest.
func Parse(tagged string) (alg, digest string, err error) {
	alg, digest, ok := strings.Cut(tagged, ":")
	if !ok || alg == "" || digest == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformed, tagged)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrMalformed, tagged)
	}
	return alg, strings.ToLower(digest), nil
}

// Hasher produces checksums with the first supported algorithm of a preference list.
type Hasher struct {
	alg string
}

// NewHasher picks the first algorithm in preference that this build supports.
func NewHasher(preference []string) (*Hasher, error) {
	for _, alg := range preference {
		if _, ok := constructors[alg]; ok {
			return &Hasher{alg: alg}, nil
		}
	}
	return nil, fmt.Errorf("%w: none of %v", ErrUnsupported, preference)
}

// Algorithm returns the algorithm new checksums are tagged with.
func (h *Hasher) Algorithm() string { return h.alg }

// Digest is an io.Writer that accumulates a tagged checksum.
type Digest struct {
	alg string
	h   hash.Hash
}

// NewDigest starts a streaming checksum with the hasher's algorithm.
func (h *Hasher) NewDigest() *Digest {
	return &Digest{alg: h.alg, h: constructors[h.alg]()}
}

func (d *Digest) Write(p []byte) (int, error) { return d.h.Write(p) }

// Sum returns the tagged checksum of everything written.
func (d *Digest) Sum() string { return format(d.alg, d.h) }

// Verify hashes data with the algorithm recorded in expected and compares.
func Verify(data []byte, expected string) error {
	v, err := NewVerifier(expected)
	if err != nil {
		return err
	}
	_, _ = v.Write(data)
	return v.Check()
}

// VerifyFile is Verify over the contents of a file.
func VerifyFile(path, expected string) error {
	v, err := NewVerifier(expected)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(v, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return v.Check()
}

// Verifier is an io.Writer that checks streamed content against an expected checksum.
type Verifier struct {
	alg    string
	digest string
	h      hash.Hash
}

// NewVerifier prepares a streaming check against a tagged checksum.
func NewVerifier(expected string) (*Verifier, error) {
	alg, digest, err := Parse(expected)
	if err != nil {
		return nil, err
	}
	h, err := NewHash(alg)
	if err != nil {
		return nil, err
	}
	return &Verifier{alg: alg, digest: digest, h: h}, nil
}

func (v *Verifier) Write(p []byte) (int, error) { return v.h.Write(p) }

// Sum returns the tagged checksum of what has been written so far.
func (v *Verifier) Sum() string { return format(v.alg, v.h) }

// Check returns ErrMismatch unless the written content matches.
func (v *Verifier) Check() error {
	got := hex.EncodeToString(v.h.Sum(nil))
	if got != v.digest {
		return fmt.Errorf("%w: expected %s:%s, got %s:%s", ErrMismatch, v.alg, v.digest, v.alg, got)
	}
	return nil
}

func format(alg string, h hash.Hash) string {
	return alg + ":" + hex.EncodeToString(h.Sum(nil))
}
