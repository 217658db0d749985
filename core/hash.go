package core

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/go-crypt/x/blake2b"
)

// ContentHasher accumulates a BLAKE2b-256 digest of source content.
type ContentHasher struct {
	h hash.Hash
}

// NewContentHasher creates a hasher ready for writes.
func NewContentHasher() *ContentHasher {
	h, _ := blake2b.New(32, nil) // 32 bytes = 256 bits
	return &ContentHasher{h: h}
}

// Write implements io.Writer.
func (c *ContentHasher) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// Sum returns the hex encoded digest.
func (c *ContentHasher) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// HashContent returns the hex BLAKE2b-256 digest of text.
func HashContent(text string) string {
	h := NewContentHasher()
	io.WriteString(h, text)
	return h.Sum()
}

// IdempotencyKey derives the key that deduplicates ingestion requests: the
// same content submitted to the same collection always maps to one key.
func IdempotencyKey(collectionID, contentHash string) string {
	return HashContent(collectionID + "\x00" + contentHash)
}
