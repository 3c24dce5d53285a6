package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the deterministic identity key of a RawItem. Exactly one
// corpus row exists per fingerprint regardless of how many tasks observe
// the item.
type Fingerprint string

// FingerprintOf derives the identity key: hash(platform, native id) for
// posts, hash(platform, native id, parent id) for comments. Field values
// are length-prefix separated so no two inputs collide by concatenation.
func FingerprintOf(item RawItem) Fingerprint {
	h := sha256.New()
	writeField(h, string(item.Platform))
	writeField(h, item.NativeID)
	if item.IsComment() {
		writeField(h, item.ParentID)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h interface{ Write([]byte) (int, error) }, field string) {
	var lenBuf [8]byte
	n := len(field)
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(n >> (8 * i))
	}
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(field))
}
