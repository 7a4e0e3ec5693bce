package cmds

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunSelftest(t *testing.T) {
	var buf bytes.Buffer
	if err := runSelftest(&buf, false); err != nil {
		t.Fatalf("runSelftest: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"stack ", "Shadow bytes around the buggy address:", "=>"} {
		if !strings.Contains(out, want) {
			t.Errorf("selftest output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[31m") {
		t.Errorf("selftest output contains color escapes without a terminal")
	}
}

func TestColorizeDump(t *testing.T) {
	dump := "  0x0000100: 00 00\n=>0x0000140:[fd]00\n"
	colored := colorizeDump(dump, true)
	if !strings.Contains(colored, "\x1b[31m=>") {
		t.Errorf("buggy row was not highlighted:\n%s", colored)
	}
	if colorizeDump(dump, false) != dump {
		t.Errorf("colorizeDump changed the dump with colorization disabled")
	}
}
