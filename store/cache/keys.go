package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateQueryKey generates a normalized cache key from a retrieval query
// signature. Queries differing only in whitespace or case share a key.
func GenerateQueryKey(threadID, query string, limit int, scope string) string {
	components := []string{
		"thread:" + threadID,
		"query:" + strings.ToLower(strings.Join(strings.Fields(query), " ")),
		fmt.Sprintf("limit:%d", limit),
		"scope:" + scope,
	}
	return "q:" + KeyHash(strings.Join(components, "|"))
}

// KeyHash generates a short SHA256 hash of the key.
func KeyHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])[:16]
}
