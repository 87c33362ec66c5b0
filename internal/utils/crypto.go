// internal/utils/crypto.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPayload returns the SHA-256 of v's JSON encoding. encoding/json writes
// struct fields in declaration order and map keys sorted, so equal values hash equally.
func HashPayload(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
