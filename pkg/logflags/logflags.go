// Package logflags configures the loggers used by the sawbuck runtime
// packages. Logging for each component is off by default and is enabled
// through Setup, typically from the command line.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var shadow = false
var stackCache = false
var selftest = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	lf := loggerFactory
	if lf == nil {
		lf = newLogrusLogger
	}
	var out io.Writer = os.Stderr
	if logOut != nil {
		out = logOut
	}
	return lf(flag, fields, out)
}

func newLogrusLogger(flag bool, fields Fields, out io.Writer) Logger {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = &logrus.TextFormatter{DisableColors: true}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

// Any returns true if any logging is enabled.
func Any() bool {
	return shadow || stackCache || selftest
}

// Shadow returns true if the shadow package should log.
func Shadow() bool {
	return shadow
}

// ShadowLogger returns a logger for the shadow package.
func ShadowLogger() Logger {
	return makeLogger(shadow, Fields{"layer": "shadow"})
}

// StackCache returns true if the stackcapture package should log.
func StackCache() bool {
	return stackCache
}

// StackCacheLogger returns a logger for the stack capture cache.
func StackCacheLogger() Logger {
	return makeLogger(stackCache, Fields{"layer": "stackcache"})
}

// Selftest returns true if the selftest command should log each step.
func Selftest() bool {
	return selftest
}

// SelftestLogger returns a logger for the selftest command.
func SelftestLogger() Logger {
	return makeLogger(selftest, Fields{"layer": "selftest"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr. If logDest
// is not empty logs will be redirected to the file or file descriptor it
// describes.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "sawbuck-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "stackcache"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "shadow":
			shadow = true
		case "stackcache":
			stackCache = true
		case "selftest":
			selftest = true
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
