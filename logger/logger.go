// Package logger provides the leveled logger used by every pinode
// component. Lines go to a hal.Logger sink, stamped with clock time.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"pinode/hal"
	"pinode/kernel"
)

// Level orders log severities.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
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
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

// Logger is the logging interface handed to components.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	// Named returns a logger that prefixes messages with name.
	Named(name string) Logger
}

// Line writes one line per message to a hal.Logger:
//
//	[   12.345678] INFO netlink: bound 192.168.1.50/24
type Line struct {
	sink  hal.Logger
	now   func() kernel.Instant
	level Level
	name  string
	mu    *sync.Mutex
}

// New returns a Line logger. now may be nil, in which case lines carry no
// timestamp.
func New(sink hal.Logger, now func() kernel.Instant, level Level) *Line {
	return &Line{sink: sink, now: now, level: level, mu: new(sync.Mutex)}
}

func (l *Line) Named(name string) Logger {
	c := *l
	if l.name != "" {
		name = l.name + "." + name
	}
	c.name = name
	return &c
}

func (l *Line) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args) }
func (l *Line) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args) }
func (l *Line) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args) }
func (l *Line) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args) }

func (l *Line) log(level Level, format string, args []interface{}) {
	if level < l.level {
		return
	}
	var b strings.Builder
	if l.now != nil {
		us := uint64(l.now())
		fmt.Fprintf(&b, "[%5d.%06d] ", us/1_000_000, us%1_000_000)
	}
	b.WriteString(level.String())
	b.WriteByte(' ')
	if l.name != "" {
		b.WriteString(l.name)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, format, args...)
	l.mu.Lock()
	l.sink.WriteLineString(b.String())
	l.mu.Unlock()
}

// Nop discards every message.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
func (n Nop) Named(string) Logger         { return n }

// Entry is one message captured by a Recorder.
type Entry struct {
	Level Level
	Name  string
	Msg   string
}

// Recorder keeps every message in memory for tests.
type Recorder struct {
	name string
	log  *recording
}

type recording struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{log: &recording{}}
}

func (r *Recorder) add(level Level, format string, args []interface{}) {
	r.log.mu.Lock()
	r.log.entries = append(r.log.entries, Entry{Level: level, Name: r.name, Msg: fmt.Sprintf(format, args...)})
	r.log.mu.Unlock()
}

func (r *Recorder) Debugf(format string, args ...interface{}) { r.add(LevelDebug, format, args) }
func (r *Recorder) Infof(format string, args ...interface{})  { r.add(LevelInfo, format, args) }
func (r *Recorder) Warnf(format string, args ...interface{})  { r.add(LevelWarn, format, args) }
func (r *Recorder) Errorf(format string, args ...interface{}) { r.add(LevelError, format, args) }

func (r *Recorder) Named(name string) Logger {
	if r.name != "" {
		name = r.name + "." + name
	}
	return &Recorder{name: name, log: r.log}
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return append([]Entry(nil), r.log.entries...)
}

// Count returns how many messages at level contain substr.
func (r *Recorder) Count(level Level, substr string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			n++
		}
	}
	return n
}

var (
	_ Logger = (*Line)(nil)
	_ Logger = Nop{}
	_ Logger = (*Recorder)(nil)
)
