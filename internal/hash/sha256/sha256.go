// Package sha256 derives stable digests for harvested content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DedupeKey identifies one harvested item for one owner. Retried runs yield
// the same keys, so downstream ingestion can drop repeats.
func (h *Hasher) DedupeKey(owner, contentID string) string {
	return h.Hash([]byte(owner + "\x00" + contentID))
}

// DedupeKeys maps DedupeKey over contentIDs, dropping duplicates and keeping order.
func (h *Hasher) DedupeKeys(owner string, contentIDs []string) []string {
	if len(contentIDs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(contentIDs))
	out := make([]string, 0, len(contentIDs))
	for _, id := range contentIDs {
		key := h.DedupeKey(owner, id)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
