// Package logflags configures the per-layer diagnostic loggers selected
// with the --log and --log-output command line flags.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var native = false
var dwarfInfo = false
var nlbreak = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	}
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// Native returns true if the ptrace backend should log every request it
// sends to the inferior.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the ptrace backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// DwarfInfo returns true if the debug info loader should log its
// recoverable errors.
func DwarfInfo() bool {
	return dwarfInfo
}

// DwarfInfoLogger returns a logger for the debug info loader.
func DwarfInfoLogger() Logger {
	return makeFlaggableLogger(dwarfInfo, Fields{"layer": "dwarf"})
}

// NLBreak returns true if natural language breakpoint resolution should
// be logged, including prompts and model replies.
func NLBreak() bool {
	return nlbreak
}

// NLBreakLogger returns a logger for natural language breakpoint
// resolution.
func NLBreakLogger() Logger {
	return makeFlaggableLogger(nlbreak, Fields{"layer": "nlbreak"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "kdb-logs")
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
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "debugger":
			debugger = true
		case "native":
			native = true
		case "dwarf":
			dwarfInfo = true
		case "nlbreak":
			nlbreak = true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
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
