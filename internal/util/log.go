package util

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// SetLogFile additionally copies output into a rotated file.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are shown, so callers can skip
// building expensive debug output.
func DebugEnabled() bool {
	return pterm.DefaultLogger.CanPrint(pterm.LogLevelDebug)
}

// SetLogFile tees log output into a size-rotated file at path.
// The returned closer flushes and closes the file.
func SetLogFile(path string, maxSizeMB int) io.Closer {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	out := pterm.DefaultLogger.Writer
	if out == nil {
		out = os.Stderr
	}
	pterm.DefaultLogger.Writer = io.MultiWriter(out, lj)
	return lj
}
