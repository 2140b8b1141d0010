// internal/logging/levels.go
package logging

import (
	"os"

	"go.uber.org/zap/zapcore"
)

// LevelFromString parses a string into a zapcore.Level.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// stdout is a seam for tests.
var stdout = func() *os.File { return os.Stdout }
