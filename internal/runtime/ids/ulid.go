package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ContentID derives a stable identifier from the given byte slices. Each part
// is length-prefixed so that ("ab","c") and ("a","bc") never collide.
func ContentID(parts ...[]byte) string {
	h := sha256.New()
	var prefix [8]byte
	for _, part := range parts {
		n := uint64(len(part))
		for i := range prefix {
			prefix[i] = byte(n >> (8 * i))
		}
		h.Write(prefix[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
