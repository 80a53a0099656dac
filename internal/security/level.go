package security

import (
	"fmt"
	"strings"
)

// Level is the process-wide security level. It scales the default verdict
// used when no permission rule matches a request.
type Level int

const (
	LevelLow Level = iota
	LevelStandard
	LevelHigh
	LevelMaximum
)

// ParseLevel converts a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "low":
		return LevelLow, nil
	case "standard":
		return LevelStandard, nil
	case "high":
		return LevelHigh, nil
	case "maximum":
		return LevelMaximum, nil
	default:
		return LevelStandard, fmt.Errorf("invalid security level: %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelStandard:
		return "standard"
	case LevelHigh:
		return "high"
	case LevelMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// defaultVerdict is the fallback when no rule matches. Low and Standard
// default open, High and Maximum default closed. Raising the level can
// only narrow the effective permission set, never widen it.
func (l Level) defaultVerdict() Verdict {
	if l >= LevelHigh {
		return Deny
	}
	return Allow
}
