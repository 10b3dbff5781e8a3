package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var unwind = false
var ptrace = false
var symbolize = false
var remote = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
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

// Unwind returns true if the stack iterators should log every step.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the stack iterators.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

// Ptrace returns true if the process controller should log attach, wait
// and detach.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the process controller.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "ptrace"})
}

// Symbolize returns true if the debug info resolver should log its
// lookups and recoverable errors.
func Symbolize() bool {
	return symbolize
}

// SymbolizeLogger returns a logger for the debug info resolver.
func SymbolizeLogger() Logger {
	return makeFlaggableLogger(symbolize, Fields{"layer": "symbolize"})
}

// Remote returns true if remote unwind sessions should be logged.
func Remote() bool {
	return remote
}

// RemoteLogger returns a logger for remote unwind sessions.
func RemoteLogger() Logger {
	return makeFlaggableLogger(remote, Fields{"layer": "remote"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "stackunwind-logs")
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
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "unwind"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "unwind":
			unwind = true
		case "ptrace":
			ptrace = true
		case "symbolize":
			symbolize = true
		case "remote":
			remote = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'stackunwind help log' for usage.\n", logcmd)
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

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05.000000000Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "%v", layer)
		b.WriteByte(' ')
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
