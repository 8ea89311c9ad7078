// Package usage counts executed and approved actions per category for the
// current UTC day, and enforces optional daily caps.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// DayFormat is the layout of Snapshot.Day.
const DayFormat = "2006-01-02"

// DayOf returns the UTC day containing t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// Counter is one category's tally for a day.
type Counter struct {
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

// Snapshot is a read-only copy of a day's counters.
type Snapshot struct {
	Day        string             `json:"day"`
	Categories map[string]Counter `json:"categories"`
}

// Get returns the counter for category, zero if absent.
func (s Snapshot) Get(category string) Counter {
	return s.Categories[category]
}

// Total sums all categories.
func (s Snapshot) Total() Counter {
	var total Counter
	for _, c := range s.Categories {
		total.Count += c.Count
		total.Value += c.Value
	}
	return total
}

// CategoryNames returns the categories in s, sorted.
func (s Snapshot) CategoryNames() []string {
	names := make([]string, 0, len(s.Categories))
	for name := range s.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Limit caps a category's daily usage. Zero fields are unlimited.
type Limit struct {
	MaxCount int     `json:"maxCount,omitempty" yaml:"maxCount"`
	MaxValue float64 `json:"maxValue,omitempty" yaml:"maxValue"`
}

// Unlimited reports whether the limit caps nothing.
func (l Limit) Unlimited() bool {
	return l.MaxCount == 0 && l.MaxValue == 0
}

// allows reports whether adding amount to c stays within the limit.
func (l Limit) allows(c Counter, amount float64) bool {
	if l.MaxCount > 0 && c.Count+1 > l.MaxCount {
		return false
	}
	if l.MaxValue > 0 && c.Value+amount > l.MaxValue {
		return false
	}
	return true
}

// ValidateLimits rejects negative caps.
func ValidateLimits(limits map[string]Limit) error {
	for category, l := range limits {
		if category == "" {
			return &autonomy.ConfigError{Field: "limits", Reason: "category name must not be empty"}
		}
		if l.MaxCount < 0 || l.MaxValue < 0 {
			return &autonomy.ConfigError{Field: fmt.Sprintf("limits.%s", category), Reason: "must not be negative"}
		}
	}
	return nil
}

// Store persists daily usage so counters survive restarts.
type Store interface {
	SaveDay(ctx context.Context, snapshot Snapshot) error
	LoadDay(ctx context.Context, day string) (Snapshot, error)
}
