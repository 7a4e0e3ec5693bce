package stackcapture

import (
	"fmt"
	"runtime"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// Symbolizer renders captures as human readable stack traces for reports.
// Resolving a PC through the runtime symbol tables is slow, so resolved
// lines are memoized per PC in an LRU cache.
type Symbolizer struct {
	lines *lru.Cache
}

// NewSymbolizer returns a Symbolizer memoizing up to cacheSize resolved
// program counters.
func NewSymbolizer(cacheSize int) (*Symbolizer, error) {
	lines, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Symbolizer{lines: lines}, nil
}

// FormatCapture renders one capture, one frame per line:
//
//	github.com/pkg.F
//		/path/file.go:42
func (s *Symbolizer) FormatCapture(c *StackCapture) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "stack %#016x (%d frames)\n", c.StackID(), c.NumFrames())
	for _, pc := range c.Frames() {
		buf.WriteString(s.formatPC(pc))
	}
	return buf.String()
}

func (s *Symbolizer) formatPC(pc uintptr) string {
	if line, ok := s.lines.Get(pc); ok {
		return line.(string)
	}
	var line string
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		line = fmt.Sprintf("\t%#x <unknown>\n", pc)
	} else {
		line = fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
	}
	s.lines.Add(pc, line)
	return line
}
