// Package exchangelog writes the per-exchange transcript: one block of lines
// per request/response or frame, flushed once, optionally suppressed.
package exchangelog

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Sink is the shared destination for exchange logs. Blocks from concurrent
// logs (the main flow and a frame reader) never interleave.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	hexdump bool
	color   bool

	printed    int
	suppressed int
}

// Stats counts closed exchange logs.
type Stats struct {
	Printed    int
	Suppressed int
}

// NewSink returns a sink writing to w. With hexdump set, Dump renders bytes
// as a hex dump instead of an escaped string.
func NewSink(w io.Writer, hexdump, color bool) *Sink {
	if w == nil {
		w = io.Discard
	}
	return &Sink{w: w, hexdump: hexdump, color: color}
}

// Open starts a new exchange log.
func (s *Sink) Open() *Log {
	return &Log{sink: s}
}

// Stats returns the printed and suppressed exchange counts so far.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Printed: s.printed, Suppressed: s.suppressed}
}

func (s *Sink) colorize(color, text string) string {
	if !s.color {
		return text
	}
	return color + text + colorReset
}

// ColorStatus colors a status code by class.
func (s *Sink) ColorStatus(status string) string {
	switch {
	case strings.HasPrefix(status, "1"), strings.HasPrefix(status, "3"):
		return s.colorize(colorCyan, status)
	case strings.HasPrefix(status, "2"):
		return s.colorize(colorGreen, status)
	case strings.HasPrefix(status, "4"):
		return s.colorize(colorYellow, status)
	case strings.HasPrefix(status, "5"):
		return s.colorize(colorRed, status)
	}
	return status
}

// Gray renders text in the muted color used for protocol labels.
func (s *Sink) Gray(text string) string {
	return s.colorize(colorGray, text)
}

func (s *Sink) flush(lines []string, suppressed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if suppressed {
		s.suppressed++
		return nil
	}
	s.printed++
	if len(lines) == 0 {
		return nil
	}
	_, err := io.WriteString(s.w, strings.Join(lines, "\n")+"\n")
	return err
}

// Log buffers the lines of one exchange until Close.
type Log struct {
	sink       *Sink
	lines      []string
	suppressed bool
	closed     bool
}

// Write appends a line.
func (l *Log) Write(line string) {
	l.lines = append(l.lines, line)
}

// Printf appends a formatted line.
func (l *Log) Printf(format string, args ...any) {
	l.Write(fmt.Sprintf(format, args...))
}

// Dump appends data under a direction marker ("<<" or ">>").
func (l *Log) Dump(direction string, data []byte) {
	if len(data) == 0 {
		return
	}
	if l.sink.hexdump {
		l.Write(direction)
		l.Write(strings.TrimRight(hex.Dump(data), "\n"))
		return
	}
	l.Write(direction + " " + Escape(data))
}

// Summary appends the one-line response summary with the status colored by
// class.
func (l *Log) Summary(code int, reason string, n int) {
	l.Printf("<< %s %s: %d bytes", l.sink.ColorStatus(strconv.Itoa(code)), Escape([]byte(reason)), n)
}

// Suppress marks the exchange as not worth printing. It is still counted.
func (l *Log) Suppress() {
	l.suppressed = true
}

// Close flushes the log to the sink. Only the first call has an effect.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.sink.flush(l.lines, l.suppressed)
}

// Escape renders bytes printable, keeping CR/LF visible as escapes.
func Escape(data []byte) string {
	q := strconv.Quote(string(data))
	return q[1 : len(q)-1]
}
