// Package hash fingerprints tool catalogs so re-lists that change nothing
// can be detected without comparing whole descriptors.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ToolHash fingerprints one tool. The description participates so a
// description-only edit still counts as a catalog change downstream.
func ToolHash(upstreamID, localName, description string, inputSchema []byte) string {
	h := sha256.New()
	h.Write([]byte(upstreamID))
	h.Write([]byte{0})
	h.Write([]byte(localName))
	h.Write([]byte{0})
	h.Write([]byte(description))
	h.Write([]byte{0})
	h.Write(inputSchema)
	return hex.EncodeToString(h.Sum(nil))
}

// CatalogHash folds per-tool hashes into one catalog fingerprint. Order
// insensitive: the same set of tools yields the same hash regardless of
// announcement order.
func CatalogHash(toolHashes []string) string {
	sorted := make([]string, len(toolHashes))
	copy(sorted, toolHashes)
	sort.Strings(sorted)
	return StringHash(strings.Join(sorted, "\n"))
}

// StringHash is the SHA-256 hex digest of a string.
func StringHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// BytesHash is the SHA-256 hex digest of a byte slice.
func BytesHash(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
