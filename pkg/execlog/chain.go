package execlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChainHash computes the next hash in the per-automation chain.
//
//	hash = SHA-256( prevHash || canonicalTriggerSnapshot )
func ChainHash(prevHash string, canonTrigger []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonTrigger)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChainFrom walks records in sequence order starting at lastHash (the
// previous checkpoint, "" for a fresh chain) and verifies each hash link.
func VerifyChainFrom(lastHash string, records []ChainRecord) error {
	prev := lastHash
	for i, rec := range records {
		expected := ChainHash(prev, rec.CanonTrigger)
		if rec.Hash != expected {
			return fmt.Errorf("chain broken at index %d (log %s): expected %s, got %s",
				i, rec.LogID, expected, rec.Hash)
		}
		prev = rec.Hash
	}
	return nil
}
