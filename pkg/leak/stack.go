package leak

import (
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// CaptureStack returns the calling goroutine's stack, most recent frame
// first. skip=0 starts at the caller of CaptureStack. Deep stacks are
// truncated at maxStackDepth frames.
func CaptureStack(skip int) []string {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)
	for {
		f, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function))
		if !more {
			break
		}
	}
	return stack
}
