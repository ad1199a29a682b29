package harness

import (
	"fmt"
	"os"
)

// stdoutLogger implements Logger for CLI mode, writing to stdout/stderr.
type stdoutLogger struct {
	verbose bool
	debug   bool
	prefix  string
}

// NewStdoutLogger creates a logger that writes to stdout/stderr.
func NewStdoutLogger(verbose, debug bool) Logger {
	return &stdoutLogger{verbose: verbose, debug: debug}
}

// NewPrefixedLogger creates a stdout logger that prefixes every line,
// used to disambiguate interleaved output from parallel scenarios.
func NewPrefixedLogger(verbose, debug bool, prefix string) Logger {
	return &stdoutLogger{verbose: verbose, debug: debug, prefix: "[" + prefix + "] "}
}

func (l *stdoutLogger) Debug(format string, args ...interface{}) {
	if l.debug {
		fmt.Printf(l.prefix+format, args...)
	}
}

func (l *stdoutLogger) Info(format string, args ...interface{}) {
	if l.verbose || l.debug {
		fmt.Printf(l.prefix+format, args...)
	}
}

func (l *stdoutLogger) Error(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, l.prefix+format, args...)
}

func (l *stdoutLogger) IsDebugEnabled() bool { return l.debug }

func (l *stdoutLogger) IsVerboseEnabled() bool { return l.verbose }

// silentLogger suppresses all output. Used by tests and by callers that
// consume structured results only.
type silentLogger struct{}

// NewSilentLogger creates a logger that discards everything.
func NewSilentLogger() Logger { return &silentLogger{} }

func (l *silentLogger) Debug(format string, args ...interface{}) {}
func (l *silentLogger) Info(format string, args ...interface{})  {}
func (l *silentLogger) Error(format string, args ...interface{}) {}
func (l *silentLogger) IsDebugEnabled() bool                     { return false }
func (l *silentLogger) IsVerboseEnabled() bool                   { return false }
