package cli

import (
	"io"
	"sync"

	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/sirupsen/logrus"
)

type countingTracker struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (c *countingTracker) Acquire(kind leak.Kind, owner string, stack []string) leak.HandleID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired++
	return leak.HandleID(c.acquired)
}

func (c *countingTracker) Release(id leak.HandleID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	return nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
