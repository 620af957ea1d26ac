// Contains various utility functions related to logging.

package cli

import (
	"os"
	"path"

	"github.com/peterebden/go-deferred-regex"
	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"

	logger "github.com/please-build/pogo/src/cli/logging"
)

var log = logger.Log

// StdErrIsATerminal is true if the process' stderr is an interactive TTY.
var StdErrIsATerminal = IsATerminal(os.Stderr)

// ShowColouredOutput tracks whether we are displaying coloured output or not.
var ShowColouredOutput = StdErrIsATerminal

// StripAnsi is a regex to find & replace ANSI console escape sequences.
var StripAnsi = deferredregex.DeferredRegex{Re: "\x1b[^m]+m"}

// logLevel is the current verbosity level that is set.
var logLevel = logging.WARNING

var fileLogLevel = logging.WARNING
var fileBackend logging.Backend

// InitLogging initialises logging backends.
func InitLogging(verbosity Verbosity) {
	logLevel = logging.Level(verbosity)
	setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
}

// InitFileLogging initialises an optional logging backend to a file.
func InitFileLogging(logFile string, logFileLevel Verbosity, append bool) {
	fileLogLevel = logging.Level(logFileLevel)
	if err := os.MkdirAll(path.Dir(logFile), os.ModeDir|0775); err != nil {
		log.Fatalf("Error creating log file directory: %s", err)
	}
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if append {
		flags = os.O_RDWR | os.O_CREATE | os.O_APPEND
	}
	file, err := os.OpenFile(logFile, flags, 0666)
	if err != nil {
		log.Fatalf("Error opening log file: %s", err)
	}
	fileBackend = logging.NewLogBackend(&stripWriter{w: file}, "", 0)
	setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
	AtExit(func() {
		fileBackend = nil
		setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
		file.Close()
	})
}

func logFormatter(coloured bool) logging.Formatter {
	formatStr := "%{time:15:04:05.000} %{level:7s}: %{message}"
	if coloured {
		formatStr = "%{color}" + formatStr + "%{color:reset}"
	}
	return logging.MustStringFormatter(formatStr)
}

func setLogBackend(backend logging.Backend) {
	backendLeveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, logFormatter(ShowColouredOutput)))
	backendLeveled.SetLevel(logLevel, "")
	if fileBackend == nil {
		logging.SetBackend(backendLeveled)
	} else {
		fileBackendLeveled := logging.AddModuleLevel(logging.NewBackendFormatter(fileBackend, logFormatter(false)))
		fileBackendLeveled.SetLevel(fileLogLevel, "")
		logging.SetBackend(backendLeveled, fileBackendLeveled)
	}
}

// A stripWriter wraps another writer to remove ANSI escape codes from the log
// messages written to it, since they don't make sense in a file.
type stripWriter struct {
	w *os.File
}

func (s *stripWriter) Write(b []byte) (int, error) {
	if _, err := s.w.WriteString(StripAnsi.ReplaceAllString(string(b), "")); err != nil {
		return 0, err
	}
	return len(b), nil
}

// IsATerminal returns true if the given file is an interactive TTY.
func IsATerminal(file *os.File) bool {
	return term.IsTerminal(int(file.Fd()))
}
