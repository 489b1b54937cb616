package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. IDs minted by
// one process sort in mint order, which keeps audit trails readable
// without a secondary sequence column.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier stamped with the given moment.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsValid reports whether s parses as one of our identifiers.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
