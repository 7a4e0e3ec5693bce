package shadow

import (
	"fmt"
	"strings"
)

const dumpRowGranules = 8

// DumpAround renders the shadow bytes surrounding addr as diagnostic text,
// together with a legend mapping marker ranges to categories. The shadow
// byte covering addr is bracketed.
func (s *Shadow) DumpAround(addr uintptr) string {
	var buf strings.Builder
	buf.WriteString("Shadow bytes around the buggy address:\n")

	bugIndex := addr >> shadowRatioLog
	if bugIndex >= uintptr(len(s.table)) {
		bugIndex = uintptr(len(s.table)) - 1
	}
	rowStart := bugIndex &^ uintptr(dumpRowGranules-1)
	first := uintptr(0)
	if rowStart >= 4*dumpRowGranules {
		first = rowStart - 4*dumpRowGranules
	}
	for row := first; row <= rowStart+3*dumpRowGranules && row < uintptr(len(s.table)); row += dumpRowGranules {
		prefix := "  "
		if row == rowStart {
			prefix = "=>"
		}
		s.appendShadowByteText(&buf, prefix, row, bugIndex)
	}

	buf.WriteString("Shadow byte legend (one shadow byte represents 8 application bytes):\n")
	buf.WriteString(fmt.Sprintf("  Addressable:           %02x\n", byte(AddressableMarker)))
	buf.WriteString("  Partially addressable: 01 - 07\n")
	buf.WriteString(fmt.Sprintf("  Block start:           %02x - %02x\n", byte(BlockStartMarker0), byte(BlockStartMarker7)))
	buf.WriteString(fmt.Sprintf("  Runtime memory:        %02x\n", byte(RuntimeMemoryMarker)))
	buf.WriteString(fmt.Sprintf("  Invalid address:       %02x\n", byte(InvalidAddressMarker)))
	buf.WriteString(fmt.Sprintf("  User redzone:          %02x\n", byte(UserRedzoneMarker)))
	buf.WriteString(fmt.Sprintf("  Block end:             %02x\n", byte(HeapBlockEndMarker)))
	buf.WriteString(fmt.Sprintf("  Heap left redzone:     %02x\n", byte(HeapLeftRedzoneMarker)))
	buf.WriteString(fmt.Sprintf("  Heap right redzone:    %02x\n", byte(HeapRightRedzoneMarker)))
	buf.WriteString(fmt.Sprintf("  Reserved:              %02x\n", byte(ReservedMarker)))
	buf.WriteString(fmt.Sprintf("  Freed:                 %02x\n", byte(HeapFreedMarker)))
	return buf.String()
}

// appendShadowByteText writes one row of shadow bytes for the granules
// starting at index. The byte at bugIndex, if in the row, is bracketed.
func (s *Shadow) appendShadowByteText(buf *strings.Builder, prefix string, index, bugIndex uintptr) {
	fmt.Fprintf(buf, "%s%#08x:", prefix, index<<shadowRatioLog)
	for i := index; i < index+dumpRowGranules && i < uintptr(len(s.table)); i++ {
		sep := " "
		switch i {
		case bugIndex:
			sep = "["
		case bugIndex + 1:
			sep = "]"
		}
		fmt.Fprintf(buf, "%s%02x", sep, s.table[i])
	}
	if bugIndex == index+dumpRowGranules-1 {
		buf.WriteString("]")
	}
	buf.WriteString("\n")
}
