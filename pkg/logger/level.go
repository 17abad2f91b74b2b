package logger

import (
	"log/slog"
	"strings"
)

// Level is a logging threshold.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name to a Level. Matching ignores
// case; "warning" is accepted for WarnLevel and anything else is InfoLevel.
func ParseLevel(s string) Level {
	s = strings.ToLower(s)
	if s == "warning" {
		return WarnLevel
	}
	for i, name := range levelNames {
		if s == name {
			return Level(i)
		}
	}
	return InfoLevel
}

// slog levels sit four apart starting at debug.
func (l Level) slog() slog.Level {
	if l < DebugLevel || l > ErrorLevel {
		return slog.LevelInfo
	}
	return slog.LevelDebug + slog.Level(4*l)
}
