package autonomy

import (
	"fmt"
	"strconv"
)

// Level is the configured autonomy level. Higher levels auto-approve more risk.
type Level int

const (
	LevelHumanGuided Level = 1
	LevelBounded     Level = 2
	LevelSupervised  Level = 3
	LevelMaximum     Level = 4

	DefaultLevel = LevelBounded
)

// Valid reports whether l is in 1..4.
func (l Level) Valid() bool {
	return l >= LevelHumanGuided && l <= LevelMaximum
}

func (l Level) String() string {
	switch l {
	case LevelHumanGuided:
		return "human-guided"
	case LevelBounded:
		return "bounded"
	case LevelSupervised:
		return "supervised"
	case LevelMaximum:
		return "maximum"
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// Description is shown to operators choosing a level.
func (l Level) Description() string {
	switch l {
	case LevelHumanGuided:
		return "Only trivial, reversible, zero-value actions run automatically; everything else waits for a human"
	case LevelBounded:
		return "Safe and low-risk actions run automatically; medium risk and above waits for approval"
	case LevelSupervised:
		return "Also auto-executes small-value medium-risk actions"
	case LevelMaximum:
		return "Auto-executes up to medium risk and small-value high-risk actions"
	}
	return ""
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ConfigError{Field: "level", Reason: fmt.Sprintf("%q is not an integer", s)}
	}
	l := Level(n)
	if !l.Valid() {
		return 0, &ConfigError{Field: "level", Reason: fmt.Sprintf("must be between 1 and 4 (got %d)", n)}
	}
	return l, nil
}
