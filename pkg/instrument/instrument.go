// Package instrument is the interception layer between application code and
// the tracker. Instead of patching the os and net packages, callers open
// files and sockets through these wrappers, which report every acquisition
// with the caller's stack and release each handle exactly once, on Close or
// Detach, whichever comes first.
package instrument

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/lazypower/fdleak/pkg/leak"
)

// Tracker receives acquire and release events. *tracker.Tracker satisfies it.
type Tracker interface {
	Acquire(kind leak.Kind, owner string, stack []string) leak.HandleID
	Release(id leak.HandleID) error
}

// releaser calls Release for one handle at most once.
type releaser struct {
	t    Tracker
	id   leak.HandleID
	once sync.Once
}

func newReleaser(t Tracker, kind leak.Kind, owner string, stack []string) *releaser {
	return &releaser{t: t, id: t.Acquire(kind, owner, stack)}
}

// release reports the handle closed. Only the first call reaches the
// tracker; later calls return nil.
func (r *releaser) release() error {
	var err error
	r.once.Do(func() {
		err = r.t.Release(r.id)
	})
	return err
}

// closeAndRelease closes the resource and then releases the handle, even if
// the close failed: a failed close still leaves nothing to track.
func (r *releaser) closeAndRelease(closeFn func() error) error {
	var result *multierror.Error
	if err := closeFn(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
