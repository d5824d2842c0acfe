package leak

import "time"

// Record is a leak candidate persisted to long-term storage. Its lifetime is
// independent of the Handle it was built from; the tracker keeps only the ID
// so the record can be deleted when the handle finally closes.
type Record struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Stack      []string  `json:"stack"`
	CreatedAt  time.Time `json:"created_at"`
}

// Age returns how long ago the originating handle was opened.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}
