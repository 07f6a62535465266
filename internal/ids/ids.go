package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for request
// correlation and audit entries.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
