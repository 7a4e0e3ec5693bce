package logflags

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLoggerFlag(t *testing.T) {
	on := newLogrusLogger(true, Fields{"layer": "shadow"}, io.Discard)
	if entry := on.(*logrusLogger).Entry; entry.Logger.Level != logrus.DebugLevel {
		t.Errorf("enabled logger level = %v; want %v", entry.Logger.Level, logrus.DebugLevel)
	}
	off := newLogrusLogger(false, Fields{"layer": "shadow"}, io.Discard)
	if entry := off.(*logrusLogger).Entry; entry.Logger.Level != logrus.ErrorLevel {
		t.Errorf("disabled logger level = %v; want %v", entry.Logger.Level, logrus.ErrorLevel)
	}
}

func TestMakeLoggerUsingLoggerFactory(t *testing.T) {
	defer SetLoggerFactory(nil)

	expected := &logrusLogger{}
	SetLoggerFactory(func(flag bool, fields Fields, out io.Writer) Logger {
		if !flag {
			t.Fatalf("expected flag to be true")
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		return expected
	})

	if actual := makeLogger(true, Fields{"foo": "bar"}); actual != expected {
		t.Errorf("expected actual to be <%v>; but was <%v>", expected, actual)
	}
}

func TestSetupRejectsOutputWithoutLog(t *testing.T) {
	if err := Setup(false, "shadow", ""); err != errLogstrWithoutLog {
		t.Errorf("Setup(false, ...) = %v; want %v", err, errLogstrWithoutLog)
	}
}

func TestSetupUnknownComponent(t *testing.T) {
	if err := Setup(true, "bogus", ""); err == nil {
		t.Errorf("Setup with an unknown component did not fail")
	}
}

func TestSetupComponents(t *testing.T) {
	if err := Setup(true, "shadow,stackcache", ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !Shadow() || !StackCache() {
		t.Errorf("Setup did not enable the requested components: shadow=%v stackcache=%v", Shadow(), StackCache())
	}
	if !Any() {
		t.Errorf("Any() = false with components enabled")
	}
}
