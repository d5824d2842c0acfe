// Package leak holds the values shared by the tracker and its stores: the
// in-memory record of a live handle, the durable record it is promoted to,
// and the policy that decides when a handle is worth promoting.
package leak

import (
	"fmt"
	"time"
)

// HandleID identifies a live handle for its whole lifetime. IDs are issued
// by the tracker and never reused within a process.
type HandleID uint64

// NoHandle is returned by a tracker that is not accepting acquisitions.
const NoHandle HandleID = 0

func (id HandleID) String() string {
	return fmt.Sprintf("h%d", uint64(id))
}

// Kind is the class of resource behind a handle.
type Kind string

const (
	KindFile   Kind = "file"
	KindSocket Kind = "socket"
)

// Handle describes one open resource. It never references the resource
// itself, so holding a Handle does not keep a file or socket alive.
type Handle struct {
	ID        HandleID  `json:"id"`
	Kind      Kind      `json:"kind"`
	Owner     string    `json:"owner"`
	Stack     []string  `json:"stack"`
	CreatedAt time.Time `json:"created_at"`
}

// NewHandle builds a Handle, copying the stack so later mutation of the
// caller's slice cannot reach the record.
func NewHandle(id HandleID, kind Kind, owner string, stack []string, createdAt time.Time) Handle {
	return Handle{
		ID:        id,
		Kind:      kind,
		Owner:     owner,
		Stack:     append([]string(nil), stack...),
		CreatedAt: createdAt,
	}
}

// Age returns how long the handle has been open at now.
func (h Handle) Age(now time.Time) time.Duration {
	return now.Sub(h.CreatedAt)
}
