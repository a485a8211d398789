package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every line with a component tag such as "[ws:/ws/call]".
type Logger struct {
	tag string
}

// Tag returns a Logger for the given component tag.
func Tag(format string, args ...any) Logger {
	return Logger{tag: "[" + fmt.Sprintf(format, args...) + "] "}
}

func (l Logger) Debugf(format string, args ...any) { LogDebug(l.tag+format, args...) }
func (l Logger) Infof(format string, args ...any)  { LogInfo(l.tag+format, args...) }
func (l Logger) Warnf(format string, args ...any)  { LogWarning(l.tag+format, args...) }
func (l Logger) Errorf(format string, args ...any) { LogError(l.tag+format, args...) }
