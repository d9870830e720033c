// Package logger provides the shim's file log sink. Lines follow the fixed
// format "2006-01-02 15:04:05.000 [LEVEL] [tid] message" where tid is the id
// of the goroutine that produced the record. The sink backs both the returned
// lgr logger and the global std logger, so packages can log with the usual
// log.Printf("[INFO] ...") calls.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/jabrown93/plex-postgresql/pkg/thread"
)

// log levels, ordered by verbosity
const (
	Error = iota
	Info
	Debug
)

// the sink renders the final line itself, lgr only parses and filters levels
const lineFormat = `{{.Level}} {{.Message}}`

// Log is a reopenable file sink with level filtering and tid tagging.
type Log struct {
	lgr.L

	mu    sync.Mutex
	file  io.WriteCloser
	path  string
	level int
	now   func() time.Time // test hook
}

// New creates a log sink writing to path, or to stderr if path is empty.
// level is one of "error", "info" or "debug".
func New(level, path string) (*Log, error) {
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	res := &Log{path: path, level: lv, now: time.Now}
	if path == "" {
		res.file = nopCloser{os.Stderr}
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // nolint
		if err != nil {
			return nil, fmt.Errorf("can't open log file %s: %w", path, err)
		}
		res.file = f
	}
	res.L = lgr.New(res.lgrOptions()...)
	return res, nil
}

// Setup routes the global lgr and std loggers through the sink, so that
// log.Printf calls from any package land in the shim's log file.
func (l *Log) Setup() {
	lgr.Setup(l.lgrOptions()...)
	lgr.SetupStdLogger(l.lgrOptions()...)
}

func (l *Log) lgrOptions() []lgr.Option {
	opts := []lgr.Option{lgr.Out(l), lgr.Err(l), lgr.Format(lineFormat)}
	if l.level >= Debug {
		opts = append(opts, lgr.Debug)
	}
	return opts
}

// Write implements io.Writer for lgr output. It runs on the goroutine that
// produced the record, which is what makes the injected tid correct.
func (l *Log) Write(p []byte) (int, error) {
	level, msg := splitLevel(p)
	if levelRank(level) > l.level {
		return len(p), nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(p)+40))
	fmt.Fprintf(buf, "%s [%s] [%d] ", l.now().Format("2006-01-02 15:04:05.000"), level, thread.ID())
	buf.Write(msg)
	if !bytes.HasSuffix(msg, []byte("\n")) {
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("can't write log record: %w", err)
	}
	return len(p), nil
}

// Reopen closes and reopens the underlying file. Called from the child's
// fork hook so the descriptor is not shared with the parent, and usable for
// external log rotation.
func (l *Log) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return nil
	}
	_ = l.file.Close()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // nolint
	if err != nil {
		return fmt.Errorf("can't reopen log file %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ParseLevel converts a config level name to its numeric rank.
func ParseLevel(s string) (int, error) {
	switch s {
	case "error":
		return Error, nil
	case "info", "":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// splitLevel extracts the leading level token, bracketed or bare, and returns
// it with the rest of the record.
func splitLevel(p []byte) (level string, msg []byte) {
	rest := p
	i := bytes.IndexByte(rest, ' ')
	if i < 0 {
		return "INFO", p
	}
	tok := string(bytes.Trim(rest[:i], "[]"))
	switch tok {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL", "PANIC", "TRACE":
		return tok, bytes.TrimLeft(rest[i:], " ")
	}
	return "INFO", p
}

func levelRank(level string) int {
	switch level {
	case "ERROR", "FATAL", "PANIC":
		return Error
	case "WARN", "INFO":
		return Info
	default:
		return Debug
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
