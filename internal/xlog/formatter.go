package xlog

import (
	"bufio"
	"io"
	"strings"
	"time"
)

// Formatter renders and flushes a single log line. Callers already hold the
// registry lock, so implementations do not need their own.
type Formatter interface {
	WriteFlush(pkg string, lvl Level, txt string)
	Flush()
}

type textFormatter struct {
	w *bufio.Writer
}

// NewTextFormatter returns the default "timestamp L | pkg: message"
// formatter, where L is the one-letter level label from Level.String.
func NewTextFormatter(w io.Writer) Formatter {
	return &textFormatter{w: bufio.NewWriter(w)}
}

func (f *textFormatter) WriteFlush(pkg string, lvl Level, txt string) {
	f.w.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	f.w.WriteString(" ")
	f.w.WriteString(lvl.String())
	f.w.WriteString(" | ")
	if pkg != "" {
		f.w.WriteString(pkg)
		f.w.WriteString(": ")
	}
	f.w.WriteString(txt)
	if !strings.HasSuffix(txt, "\n") {
		f.w.WriteString("\n")
	}
	f.w.Flush()
}

func (f *textFormatter) Flush() { f.w.Flush() }
