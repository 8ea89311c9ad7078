package engine

import (
	"fmt"
	"time"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/risk"
	"github.com/mbd888/autonomy/internal/usage"
)

// ApprovalConfig controls the approval queue.
type ApprovalConfig struct {
	// NotifyOnNewItem emits approval.created when an action is queued.
	NotifyOnNewItem bool
	// TTL is how long an item stays pending. Zero means approval.DefaultTTL.
	TTL time.Duration
	// SweepInterval is how often overdue items are expired. Zero means
	// approval.DefaultSweepInterval.
	SweepInterval time.Duration
	// RetainResolved is how many resolved or expired items stay queryable.
	// Zero means approval.DefaultRetainResolved.
	RetainResolved int
}

// Config is everything the engine needs at construction.
type Config struct {
	Level    autonomy.Level
	Approval ApprovalConfig
	// Limits caps daily usage per category.
	Limits map[string]usage.Limit
	// Policy extends the built-in dangerous list and adds blocked kinds and
	// CEL rules.
	Policy risk.Config
}

// DefaultConfig returns a bounded (level 2) engine with a 24h approval TTL.
func DefaultConfig() Config {
	return Config{
		Level: autonomy.DefaultLevel,
		Approval: ApprovalConfig{
			NotifyOnNewItem: true,
			TTL:             approval.DefaultTTL,
			SweepInterval:   approval.DefaultSweepInterval,
			RetainResolved:  approval.DefaultRetainResolved,
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !c.Level.Valid() {
		return &autonomy.ConfigError{Field: "level", Reason: fmt.Sprintf("must be 1-4 (got %d)", c.Level)}
	}
	if c.Approval.TTL < 0 {
		return &autonomy.ConfigError{Field: "approval.ttl", Reason: fmt.Sprintf("must not be negative (got %s)", c.Approval.TTL)}
	}
	if c.Approval.SweepInterval < 0 {
		return &autonomy.ConfigError{Field: "approval.sweepInterval", Reason: fmt.Sprintf("must not be negative (got %s)", c.Approval.SweepInterval)}
	}
	if c.Approval.RetainResolved < 0 {
		return &autonomy.ConfigError{Field: "approval.retainResolved", Reason: fmt.Sprintf("must not be negative (got %d)", c.Approval.RetainResolved)}
	}
	return usage.ValidateLimits(c.Limits)
}
