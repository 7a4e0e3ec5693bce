package cmds

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/BMGburger/sawbuck/pkg/logflags"
	"github.com/BMGburger/sawbuck/pkg/shadow"
	"github.com/BMGburger/sawbuck/pkg/stackcapture"
)

// fakeRegion is a synthetic application memory region used by the
// terminator scan check; the selftest shadow table covers low addresses
// that do not exist in this process.
type fakeRegion struct {
	base uintptr
	data []byte
}

func (r fakeRegion) ReadMemory(buf []byte, addr uintptr) (int, error) {
	if addr < r.base || addr+uintptr(len(buf)) > r.base+uintptr(len(r.data)) {
		return 0, fmt.Errorf("read outside of region at %#x", addr)
	}
	copy(buf, r.data[addr-r.base:])
	return len(buf), nil
}

func selftestCmd() int {
	var out io.Writer = os.Stdout
	colorize := false
	if isatty.IsTerminal(os.Stdout.Fd()) {
		out = colorable.NewColorableStdout()
		colorize = true
	}
	if err := runSelftest(out, colorize); err != nil {
		fmt.Fprintf(os.Stderr, "selftest failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "selftest passed")
	return 0
}

func runSelftest(out io.Writer, colorize bool) error {
	logger := logflags.SelftestLogger()

	region := fakeRegion{base: 0x20000, data: make([]byte, 0x1000)}
	s, err := shadow.New(1<<20, region) // covers an 8M address space
	if err != nil {
		return err
	}
	defer s.Close()

	// One tracked 64 byte block with a 27 byte body, the header 4 bytes
	// into the first granule.
	info := shadow.BlockInfo{
		Block:        0x20000,
		BlockSize:    64,
		HeaderOffset: 4,
		Body:         0x20010,
		BodySize:     27,
		TrailerSize:  64 - 16 - 27,
	}
	s.PoisonAllocatedBlock(info)
	logger.Debugf("poisoned block at %#x", info.Block)

	got, ok := s.BlockInfoFromShadow(info.Body + 5)
	if !ok {
		return fmt.Errorf("no block found at %#x", info.Body+5)
	}
	if got != info {
		return fmt.Errorf("block layout did not round trip: got %+v, want %+v", got, info)
	}

	// A null terminated string in the block body.
	copy(region.data[info.Body-region.base:], "abc\x00")
	size, ok := s.NullTerminatedArraySize(info.Body, 0, 1)
	if !ok || size != 4 {
		return fmt.Errorf("terminator scan returned %d, %v; want 4, true", size, ok)
	}

	walker, err := shadow.NewWalker(s, 0x10000, 0x30000)
	if err != nil {
		return err
	}
	blocks := 0
	for {
		begin, ok := walker.Next()
		if !ok {
			break
		}
		logger.Debugf("walker found block at %#x", begin)
		blocks++
	}
	if blocks != 1 {
		return fmt.Errorf("walker found %d blocks, want 1", blocks)
	}

	maxNumFrames := stackcapture.DefaultMaxNumFrames
	pageSize := stackcapture.DefaultCachePageSize
	if conf != nil {
		if conf.MaxNumFrames != nil {
			maxNumFrames = *conf.MaxNumFrames
		}
		if conf.CachePageSize != nil {
			pageSize = *conf.CachePageSize
		}
		stackcapture.SetCompressionReportingPeriod(conf.CompressionReportingPeriod)
	}
	cache, err := stackcapture.NewCacheWithOptions(logflags.StackCacheLogger(), maxNumFrames, pageSize)
	if err != nil {
		return err
	}
	defer cache.Close()

	var pcs [16]uintptr
	n := runtime.Callers(1, pcs[:])
	id := stackcapture.ComputeStackID(pcs[:n])
	c1 := cache.SaveStackTrace(id, pcs[:n])
	c2 := cache.SaveStackTrace(id, pcs[:n])
	if c1 != c2 {
		return fmt.Errorf("identical stacks were not deduplicated")
	}
	sym, err := stackcapture.NewSymbolizer(128)
	if err != nil {
		return err
	}
	fmt.Fprint(out, sym.FormatCapture(c1))

	// Free the block and release one reference, then show what a report
	// against the freed body looks like.
	s.MarkAsFreed(info.Body, info.BodySize)
	cache.ReleaseStackTrace(c2)
	fmt.Fprint(out, colorizeDump(s.DumpAround(info.Body+5), colorize))
	cache.LogStatistics()
	stats := cache.Statistics()
	if stats.Requested != 2 || stats.Allocated != 1 {
		return fmt.Errorf("unexpected cache statistics: %+v", stats)
	}
	return nil
}

// colorizeDump highlights the row holding the buggy address.
func colorizeDump(dump string, enable bool) string {
	if !enable {
		return dump
	}
	lines := strings.Split(dump, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "=>") {
			lines[i] = "\x1b[31m" + l + "\x1b[0m"
		}
	}
	return strings.Join(lines, "\n")
}
