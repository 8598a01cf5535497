package promzone

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	// maxStackLinks bounds the prev-promise chain length; promises deeper
	// than this stop back-linking.
	maxStackLinks = 100

	// maxStackBlocks bounds how many chained creation stacks a single
	// rendered trace assembles.
	maxStackBlocks = 20

	stackSeparator = "\nFrom previous: "
)

// captureCreationStack records the call sites leading to a promise
// construction. The two innermost frames (runtime.Callers and this
// function) are skipped, as is the construction plumbing above it.
func captureCreationStack() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return nil
	}
	return pcs[:n]
}

// linkToPreviousPromise back-links p to the promise that produced it: the
// source of a Then call, or the promise whose handler was executing when p
// was constructed.
func linkToPreviousPromise(p, prev *Promise) {
	if p == nil || prev == nil {
		return
	}
	if prev.prevDepth >= maxStackLinks {
		return
	}
	p.prev = prev
	p.prevDepth = prev.prevDepth + 1
}

// Stack renders the long asynchronous stack trace: the promise's own
// creation stack followed by the creation stacks of up to 19 predecessor
// promises, separated by "From previous: " markers. Returns "" unless the
// engine was built with [WithLongStacks].
func (p *Promise) Stack() string {
	if p == nil || !p.engine.longStacks {
		return ""
	}
	var blocks []string
	for q := p; q != nil && len(blocks) < maxStackBlocks; q = q.prev {
		if s := formatStack(q.creation); s != "" {
			blocks = append(blocks, s)
		}
	}
	return strings.Join(blocks, stackSeparator)
}

// formatStack renders captured program counters one frame per line as
// "package.function (file:line)", the same shape the runtime's own traces
// use for a single goroutine.
func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s (%s:%d)", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
