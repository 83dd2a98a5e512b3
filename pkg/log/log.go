package log

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
)

// Logger is the sink used throughout the rpc runtime. A nil Logger is
// valid everywhere and silently discards output.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Style renders level tags and highlighted fragments. A no-op style is
// allowed for terminals that should not receive escape codes.
type Style interface {
	Debug(s string) string
	Info(s string) string
	Warn(s string) string
	Error(s string) string
	Highlight(s string) string
}

type colorStyle struct {
	debug     *color.Color
	info      *color.Color
	warn      *color.Color
	err       *color.Color
	highlight *color.Color
}

func NewColorStyle() Style {
	return &colorStyle{
		debug:     color.New(color.FgHiBlack),
		info:      color.New(color.FgGreen),
		warn:      color.New(color.FgYellow),
		err:       color.New(color.FgRed),
		highlight: color.New(color.FgCyan),
	}
}

func (s *colorStyle) Debug(str string) string     { return s.debug.Sprint(str) }
func (s *colorStyle) Info(str string) string      { return s.info.Sprint(str) }
func (s *colorStyle) Warn(str string) string      { return s.warn.Sprint(str) }
func (s *colorStyle) Error(str string) string     { return s.err.Sprint(str) }
func (s *colorStyle) Highlight(str string) string { return s.highlight.Sprint(str) }

type noopStyle struct{}

// NewNoopStyle returns a Style that passes strings through unchanged.
func NewNoopStyle() Style { return noopStyle{} }

func (noopStyle) Debug(s string) string     { return s }
func (noopStyle) Info(s string) string      { return s }
func (noopStyle) Warn(s string) string      { return s }
func (noopStyle) Error(s string) string     { return s }
func (noopStyle) Highlight(s string) string { return s }

type consoleLogger struct {
	level Level
	style Style
}

// NewConsoleLogger writes leveled lines to stderr, coloring the level tag.
func NewConsoleLogger(level Level) Logger {
	return &consoleLogger{level: level, style: NewColorStyle()}
}

// NewPlainLogger writes leveled lines with no terminal styling.
func NewPlainLogger(level Level) Logger {
	return &consoleLogger{level: level, style: NewNoopStyle()}
}

func (l *consoleLogger) write(tag string, msg string) {
	fmt.Fprintf(os.Stderr, "%s %s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), tag, msg)
}

func (l *consoleLogger) Debug(msg string) {
	if l.level <= LevelDebug {
		l.write(l.style.Debug("[DEBUG]"), msg)
	}
}

func (l *consoleLogger) Info(msg string) {
	if l.level <= LevelInfo {
		l.write(l.style.Info("[INFO] "), msg)
	}
}

func (l *consoleLogger) Warn(msg string) {
	if l.level <= LevelWarn {
		l.write(l.style.Warn("[WARN] "), msg)
	}
}

func (l *consoleLogger) Error(msg string) {
	if l.level <= LevelError {
		l.write(l.style.Error("[ERROR]"), msg)
	}
}
