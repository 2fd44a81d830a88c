package abi

import (
	"crypto/sha256"
	"encoding/hex"
)

// WindowKey normalizes an orchestrator window id to 32 bytes. A 64-character
// hex string (either case) is decoded verbatim; anything else is hashed with
// SHA-256 over its UTF-8 bytes.
func WindowKey(id string) [32]byte {
	var key [32]byte
	if len(id) == 2*len(key) && isHex(id) {
		if _, err := hex.Decode(key[:], []byte(id)); err == nil {
			return key
		}
	}
	return sha256.Sum256([]byte(id))
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
