package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Cache memoizes raw document bodies keyed by Key.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// Key derives the memo key of a document URL.
func Key(url string) string {
	hash := sha256.Sum256([]byte(url))
	return "nadag:v1:" + hex.EncodeToString(hash[:])
}
