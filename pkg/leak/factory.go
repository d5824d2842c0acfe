package leak

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMinAge is how long a handle must stay open before it is promoted.
const DefaultMinAge = 60 * time.Second

// Policy controls which live handles are promoted.
//
// Matchers are plain substrings. Frames are scanned from the call site
// outward (index 0 of a most-recent-first stack) and the first frame that
// contains any matcher becomes the record's identifier. An empty matcher
// list never matches; the empty string matches every frame.
type Policy struct {
	MinAge   time.Duration
	Matchers []string
}

// DefaultPolicy promotes any handle open for more than a minute.
func DefaultPolicy() Policy {
	return Policy{
		MinAge:   DefaultMinAge,
		Matchers: []string{""},
	}
}

// Identifier returns the first frame that contains one of the matchers.
func (p Policy) Identifier(stack []string) (string, bool) {
	for _, frame := range stack {
		for _, m := range p.Matchers {
			if strings.Contains(frame, m) {
				return frame, true
			}
		}
	}
	return "", false
}

// Factory turns handles into records once they satisfy its Policy.
type Factory struct {
	Policy Policy
	NewID  func() string
}

// NewFactory creates a Factory that issues random UUIDs as record ids.
func NewFactory(p Policy) *Factory {
	return &Factory{
		Policy: p,
		NewID:  uuid.NewString,
	}
}

// Decide returns a Record for h if it is old enough at now and its stack
// matches the policy. It has no side effects.
func (f *Factory) Decide(h Handle, now time.Time) (*Record, bool) {
	if h.Age(now) < f.Policy.MinAge {
		return nil, false
	}
	identifier, ok := f.Policy.Identifier(h.Stack)
	if !ok {
		return nil, false
	}
	newID := f.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Record{
		ID:         newID(),
		Identifier: identifier,
		Stack:      append([]string(nil), h.Stack...),
		CreatedAt:  h.CreatedAt,
	}, true
}
