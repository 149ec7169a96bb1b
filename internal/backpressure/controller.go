// Package backpressure tracks how full the pending reconciliation set is.
//
// Keys that storage cannot absorb stay pending, so a slow or unavailable
// backend makes the pending set grow. The controller maps its size to a
// level; at the emergency level the pipeline spills pending deltas to the
// journal to bound memory.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/noderef/config"
	"github.com/xtxerr/noderef/internal/errors"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - storage is falling behind.
	LevelWarning

	// LevelCritical - pending set close to its limit.
	LevelCritical

	// LevelEmergency - spill pending deltas to the journal.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Source reports the number of pending keys.
type Source interface {
	Pending() int
}

// Config holds controller thresholds as fractions of MaxPendingKeys.
type Config struct {
	Enabled        bool
	MaxPendingKeys int
	Warning        float64
	Critical       float64
	Emergency      float64
	Hysteresis     float64

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration
}

// DefaultConfig returns default controller configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxPendingKeys: config.DefaultMaxPendingKeys,
		Warning:        config.DefaultWarningThreshold,
		Critical:       config.DefaultCriticalThreshold,
		Emergency:      config.DefaultEmergencyThreshold,
		Hysteresis:     config.DefaultHysteresis,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	if c.MaxPendingKeys < 1 {
		errs.AddField("backpressure.max_pending_keys", "must be at least 1")
	}
	if !(0 < c.Warning && c.Warning < c.Critical && c.Critical < c.Emergency && c.Emergency <= 1) {
		errs.AddField("backpressure thresholds", "must satisfy 0 < warning < critical < emergency <= 1")
	}
	if c.Hysteresis < 0 || c.Hysteresis >= c.Warning {
		errs.AddField("backpressure.hysteresis", "must be in [0, warning)")
	}
	return errs.Err()
}

// Controller manages backpressure based on pending set utilization.
type Controller struct {
	mu sync.RWMutex

	config Config
	source Source

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats Stats

	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	Spills         int64
	SpilledKeys    int64
}

// New creates a new backpressure controller.
func New(cfg Config, source Source) *Controller {
	return &Controller{
		config: cfg,
		source: source,
	}
}

// SetOnLevelChange sets the callback for level changes.
// The callback runs with the controller lock held and must not call back
// into the controller.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current utilization and updates the level.
// This should be called periodically.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.config.Cooldown > 0 && now.Sub(c.lastCheck) < c.config.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.usage())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

func (c *Controller) usage() float64 {
	return float64(c.source.Pending()) / float64(c.config.MaxPendingKeys)
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	cfg := c.config

	// Going up
	if usage >= cfg.Emergency {
		return LevelEmergency
	}
	if usage >= cfg.Critical && c.lastLevel <= LevelCritical {
		return LevelCritical
	}
	if usage >= cfg.Warning && c.lastLevel <= LevelWarning {
		return LevelWarning
	}

	// Going down, one level at a time
	switch c.lastLevel {
	case LevelEmergency:
		if usage < cfg.Emergency-cfg.Hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < cfg.Critical-cfg.Hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < cfg.Warning-cfg.Hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldSpill returns true if pending deltas should go to the journal.
func (c *Controller) ShouldSpill() bool {
	return c.CurrentLevel() == LevelEmergency
}

// RecordSpill records that keys were moved to the journal.
func (c *Controller) RecordSpill(keys int) {
	c.mu.Lock()
	c.stats.Spills++
	c.stats.SpilledKeys += int64(keys)
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		Spills:         c.stats.Spills,
		SpilledKeys:    c.stats.SpilledKeys,
		Usage:          c.usage(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	Spills         int64
	SpilledKeys    int64
	Usage          float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
