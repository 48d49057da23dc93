package conversation

import (
	"fmt"
	"time"
)

// WaitingExpiryPolicy decides what the expiry sweep does with sessions still waiting
// after their slot has ended.
type WaitingExpiryPolicy string

const (
	// WaitingExpiryKeep leaves waiting sessions untouched. Sessions nobody activated stay
	// in waiting after their slot ends.
	WaitingExpiryKeep WaitingExpiryPolicy = "keep"
	// WaitingExpiryClose closes waiting sessions whose slot has ended, like active ones.
	WaitingExpiryClose WaitingExpiryPolicy = "close"
)

// ParseWaitingExpiryPolicy parses a policy name; empty means keep.
func ParseWaitingExpiryPolicy(s string) (WaitingExpiryPolicy, error) {
	switch p := WaitingExpiryPolicy(s); p {
	case "":
		return WaitingExpiryKeep, nil
	case WaitingExpiryKeep, WaitingExpiryClose:
		return p, nil
	}
	return "", fmt.Errorf("unknown waiting expiry policy %q", s)
}

// Config holds orchestrator tunables. It is fixed for the lifetime of an Orchestrator.
type Config struct {
	GracePeriod     time.Duration
	MaxParticipants int // used when a slot carries no maximum
	MinParticipants int // used when a slot carries no minimum
	SweepInterval   time.Duration
	ExpireBatchSize int
	NotifyTimeout   time.Duration
	WaitingExpiry   WaitingExpiryPolicy
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     5 * time.Minute,
		MaxParticipants: 8,
		MinParticipants: 2,
		SweepInterval:   60 * time.Second,
		ExpireBatchSize: 100,
		NotifyTimeout:   2 * time.Second,
		WaitingExpiry:   WaitingExpiryKeep,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = d.MaxParticipants
	}
	if c.MinParticipants <= 0 {
		c.MinParticipants = d.MinParticipants
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = d.ExpireBatchSize
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.WaitingExpiry == "" {
		c.WaitingExpiry = d.WaitingExpiry
	}
	return c
}
