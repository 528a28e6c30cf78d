package core

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewEventID returns a time-sortable ULID for the given instant.
// IDs generated within the same millisecond stay lexicographically increasing.
func NewEventID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at.UTC()), idEntropy)
	if err != nil {
		// Monotonic entropy only fails on overflow within one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}
