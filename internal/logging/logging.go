// Package logging sets up the *log.Logger used throughout the core, in
// the teacher's own idiom ("[LEVEL] message"), with one addition: when
// stdout is a terminal the level tag is colorized, mirroring what the
// teacher's go.mod pulls in go-isatty for but never wires in the pruned
// example pack.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

// Level is a log severity, matching the bracketed tags the teacher's
// Connection/Listener already print.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

func (l Level) color() string {
	switch l {
	case LevelDebug:
		return "\x1b[90m"
	case LevelInfo:
		return "\x1b[36m"
	case LevelWarn:
		return "\x1b[33m"
	case LevelError:
		return "\x1b[31m"
	default:
		return ""
	}
}

// colorWriter rewrites "[TAG] " prefixes from the standard logger with
// an ANSI color when the tag matches a known level, and writes plain
// bytes otherwise. It only inspects the start of each Write call, which
// is always one formatted log line because *log.Logger calls Write once
// per Output call.
type colorWriter struct {
	out io.Writer
}

func (w colorWriter) Write(p []byte) (int, error) {
	for _, l := range []Level{LevelError, LevelWarn, LevelInfo, LevelDebug} {
		prefix := "[" + l.tag() + "]"
		if len(p) >= len(prefix) && string(p[:len(prefix)]) == prefix {
			const reset = "\x1b[0m"
			rest := p[len(prefix):]
			formatted := l.color() + prefix + reset + string(rest)
			n, err := w.out.Write([]byte(formatted))
			if err != nil {
				return n, err
			}
			return len(p), nil
		}
	}
	return w.out.Write(p)
}

// New builds a *log.Logger writing to w (or os.Stderr if nil), colorizing
// level tags only if the underlying file descriptor is a terminal.
func New(w *os.File) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		out = colorWriter{out: w}
	}
	return log.New(out, "", log.LstdFlags)
}

// Printf-style helpers matching the "[LEVEL] message (context)" shape
// used throughout the core; kept as free functions taking an explicit
// *log.Logger since every subsystem is handed its own logger by
// reference rather than reaching for a package-global.
func Debugf(l *log.Logger, format string, args ...any) { l.Printf("[DEBUG] "+format, args...) }
func Infof(l *log.Logger, format string, args ...any)  { l.Printf("[INFO] "+format, args...) }
func Warnf(l *log.Logger, format string, args ...any)  { l.Printf("[WARN] "+format, args...) }
func Errorf(l *log.Logger, format string, args ...any) { l.Printf("[ERROR] "+format, args...) }
