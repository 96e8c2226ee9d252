package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// IDs minted by one process are strictly monotonic, so lexicographic order on
// the encoded form equals creation order. Shardbus uses these as the canonical
// ordering key for work items and event records: the storage-level sort on the
// id column is the chronological sort, with no separate sequence counter.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// TimeOf extracts the embedded timestamp from a ULID string. Returns the zero
// time for anything that does not parse as a ULID.
func TimeOf(id string) time.Time {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time())
}
