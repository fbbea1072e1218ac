// Package digest computes the content-addressed identity used throughout
// the engine: a 256-bit SHA-256 hash of a file's bytes. Every SourceFile,
// content-store blob, and vector binding is keyed off the hex form this
// package produces.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// Digest is a 256-bit content hash.
type Digest [Size]byte

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero-value digest (never a valid content
// identity, since SHA-256 of any input is astronomically unlikely to be
// all-zero).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Shard returns the first n hex characters of d, used to build the
// two-level directory layout under the content store and thumbnail cache
// (content/<shard>/<digest>/...).
func (d Digest) Shard(n int) string {
	s := d.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// Parse decodes a hex-encoded digest string produced by Digest.String.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest: invalid length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

// OfReader streams r through SHA-256 and returns the resulting digest. It
// does not buffer the input in memory regardless of size.
func OfReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("digest: read: %w", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// OfFile opens path and returns the digest of its full byte contents. This
// is the identity computed for every SourceFile observed by the scanner.
func OfFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: open %s: %w", path, err)
	}
	defer f.Close()
	return OfReader(f)
}

// OfBytes returns the digest of b directly, for callers that already hold
// the content in memory (e.g. embedding preprocessors re-hashing a decoded
// frame buffer for cache-key purposes).
func OfBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}
