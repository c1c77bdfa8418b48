package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// StableHash computes sha256(canonicalPayload + "|" + salt) as a hex
// string. Used by pkg/audit to redact structured fields into a
// deterministic, non-reversible token while still letting two equal
// inputs compare equal in the audit log.
func StableHash(canonicalPayload []byte, salt []byte) string {
	h := sha256.New()
	h.Write(canonicalPayload)
	h.Write([]byte("|"))
	h.Write(salt)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
