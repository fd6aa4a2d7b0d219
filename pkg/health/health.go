package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeQuery CheckType = "query"
	CheckTypeExec  CheckType = "exec"
	CheckTypeTCP   CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Type      CheckType     `json:"type"`
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for node monitoring
type Config struct {
	// Interval is the time between monitoring rounds
	Interval time.Duration

	// Retries is the number of consecutive failures before a node is down
	Retries int

	// StartPeriod is the grace period in which failures are not counted,
	// so nodes that are still starting are not reported down
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Retries:  3,
	}
}

// Status tracks the health of one node across checks
type Status struct {
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheck            time.Time `json:"last_check"`
	LastResult           Result    `json:"last_result"`
	Healthy              bool      `json:"healthy"`
	StartedAt            time.Time `json:"started_at"`
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{
		Healthy:   true, // healthy until proven otherwise
		StartedAt: time.Now(),
	}
}

// Update folds a new result into the status and reports whether Healthy
// changed
func (s *Status) Update(result Result, config Config) bool {
	was := s.Healthy
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return !was
	}

	s.ConsecutiveSuccesses = 0
	if s.InStartPeriod(config) {
		return false
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
	return was != s.Healthy
}

// InStartPeriod returns true if we're still in the startup grace period
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
