package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText canonicalizes text before hashing: NFC normalization and
// trailing-whitespace trim. Case is preserved because embeddings are
// case-sensitive.
func NormalizeText(text string) string {
	return strings.TrimRight(norm.NFC.String(text), " \t\r\n")
}

// TextHash computes the content address for an embedding: SHA-256 over the
// normalized text, model id, and model version, NUL-separated so field
// boundaries cannot be confused. Returned hex-encoded (64 chars).
func TextHash(text, modelID, modelVersion string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(modelVersion))
	return hex.EncodeToString(h.Sum(nil))
}
