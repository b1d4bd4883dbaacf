// Package qrf paces new client connections while the daemon or its host is
// under pressure. The controller is fed snapshots by the lsf sampler and
// decides how long a freshly accepted connection waits before its first
// request is served.
package qrf

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/netlock/internal/loggingutil"
)

// State represents the current posture of the controller.
type State int

const (
	// StateDisengaged means no pacing applies.
	StateDisengaged State = iota
	// StateSoftArm means a soft limit was crossed and light pacing applies.
	StateSoftArm
	// StateEngaged means a hard limit was crossed.
	StateEngaged
	// StateRecovery means metrics are healthy again and pacing is easing.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Config configures thresholds and delays. Zero limits are disabled.
type Config struct {
	Enabled bool

	PendingSoftLimit int64
	PendingHardLimit int64

	MemorySoftLimitPercent float64
	MemoryHardLimitPercent float64
	SwapSoftLimitPercent   float64
	SwapHardLimitPercent   float64
	CPUPercentSoftLimit    float64
	CPUPercentHardLimit    float64
	LoadSoftMultiplier     float64
	LoadHardMultiplier     float64

	// RecoverySamples is the number of consecutive healthy samples needed to
	// step down from engaged to recovery and from recovery to disengaged.
	RecoverySamples int

	SoftDelay     time.Duration
	EngagedDelay  time.Duration
	RecoveryDelay time.Duration
	// MaxWait caps a single pacing delay. Connections whose delay would
	// exceed it are shed instead.
	MaxWait time.Duration

	Logger pslog.Logger
}

// Snapshot is one sample of daemon and host pressure.
type Snapshot struct {
	// PendingConnections counts accepted connections that are not yet bound
	// to a resource.
	PendingConnections int64
	// Resources counts live resource loops.
	Resources         int64
	RSSBytes          uint64
	MemoryUsedPercent float64
	SwapUsedPercent   float64
	CPUPercent        float64
	Load1             float64
	Load1Baseline     float64
	Load1Multiplier   float64
	Goroutines        int
	CollectedAt       time.Time
}

// Status reports the current controller state and snapshot.
type Status struct {
	State    State
	Reason   string
	Snapshot Snapshot
}

// Decision reports whether a new connection should be paced.
type Decision struct {
	Throttle bool
	Delay    time.Duration
	State    State
	Reason   string
}

// WaitError is returned when the pacing delay exceeds MaxWait.
type WaitError struct {
	Delay  time.Duration
	Reason string
}

func (e *WaitError) Error() string {
	return "throttled: " + e.Reason
}

// Controller runs the pacing state machine.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *qrfMetrics

	mu                 sync.RWMutex
	state              State
	lastReason         string
	lastSnapshot       Snapshot
	consecutiveHealthy int
}

// NewController constructs a controller using cfg.
func NewController(cfg Config) *Controller {
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 1
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	c := &Controller{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "control.qrf.controller"),
		state:  StateDisengaged,
	}
	c.metrics = newQRFMetrics(logger, c)
	return c
}

// Enabled reports whether the controller paces anything.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// limit pairs a sampled value with its soft and hard thresholds.
type limit struct {
	name  string
	value float64
	soft  float64
	hard  float64
	// recover returns the value the metric must drop to before it counts as
	// healthy again.
	recover func(soft float64) float64
}

func (c *Controller) limits(s Snapshot) []limit {
	return []limit{
		{"pending", float64(s.PendingConnections), float64(c.cfg.PendingSoftLimit), float64(c.cfg.PendingHardLimit), halfRecoveryTarget},
		{"memory", s.MemoryUsedPercent, c.cfg.MemorySoftLimitPercent, c.cfg.MemoryHardLimitPercent, percentRecoveryTarget},
		{"swap", s.SwapUsedPercent, c.cfg.SwapSoftLimitPercent, c.cfg.SwapHardLimitPercent, percentRecoveryTarget},
		{"cpu", s.CPUPercent, c.cfg.CPUPercentSoftLimit, c.cfg.CPUPercentHardLimit, percentRecoveryTarget},
		{"load", s.Load1Multiplier, c.cfg.LoadSoftMultiplier, c.cfg.LoadHardMultiplier, multiplierRecoveryTarget},
	}
}

// breach returns the first limit crossed at the hard or soft level.
func (c *Controller) breach(s Snapshot) (hard bool, soft bool, reason string) {
	lims := c.limits(s)
	for _, l := range lims {
		if l.hard > 0 && l.value >= l.hard {
			return true, true, l.name + "_hard"
		}
	}
	for _, l := range lims {
		if l.soft > 0 && l.value >= l.soft {
			return false, true, l.name + "_soft"
		}
	}
	return false, false, ""
}

func (c *Controller) healthy(s Snapshot) bool {
	for _, l := range c.limits(s) {
		threshold := l.soft
		if threshold <= 0 {
			threshold = l.hard
		}
		if threshold > 0 && l.value > l.recover(threshold) {
			return false
		}
	}
	return true
}

// Observe ingests a snapshot and updates the posture.
func (c *Controller) Observe(snapshot Snapshot) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSnapshot = snapshot

	prev := c.state
	next := prev
	hard, soft, reason := c.breach(snapshot)
	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.lastReason = reason
	case soft:
		// Engaged stays engaged until metrics are healthy again.
		if prev != StateEngaged {
			next = StateSoftArm
			c.lastReason = reason
		}
		c.consecutiveHealthy = 0
	default:
		if c.healthy(snapshot) {
			c.consecutiveHealthy++
		} else {
			c.consecutiveHealthy = 0
		}
		if c.consecutiveHealthy >= c.cfg.RecoverySamples {
			switch prev {
			case StateEngaged:
				next = StateRecovery
				c.lastReason = "metrics recovering"
			case StateRecovery, StateSoftArm:
				next = StateDisengaged
				c.lastReason = "metrics stabilised"
			}
			if next != prev {
				c.consecutiveHealthy = 0
			}
		}
	}
	if next != prev {
		c.state = next
		c.logTransition(prev, next, c.lastReason, snapshot)
		c.metrics.recordTransition(context.Background(), prev, next, c.lastReason)
	}
}

// Decide reports whether a new connection should be paced now.
func (c *Controller) Decide() Decision {
	if !c.Enabled() {
		return Decision{State: StateDisengaged}
	}
	c.mu.RLock()
	state := c.state
	reason := c.lastReason
	c.mu.RUnlock()
	if state == StateDisengaged {
		return c.recordDecision(Decision{State: state})
	}
	return c.recordDecision(Decision{
		Throttle: true,
		State:    state,
		Delay:    baseDelayForState(c.cfg, state),
		Reason:   reason,
	})
}

// Wait sleeps for the pacing delay of the current posture. It returns a
// WaitError without sleeping when the delay exceeds MaxWait.
func (c *Controller) Wait(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	decision := c.Decide()
	if !decision.Throttle {
		return nil
	}
	delay := c.delayForDecision(decision)
	if delay <= 0 {
		return nil
	}
	if c.cfg.MaxWait <= 0 || delay > c.cfg.MaxWait {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return sleepWithContext(ctx, delay)
}

// State returns the current posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the last sample observed.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}

// Status returns the current state, reason and snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Reason: c.lastReason, Snapshot: c.lastSnapshot}
}

func (c *Controller) recordDecision(decision Decision) Decision {
	c.metrics.recordDecision(context.Background(), decision)
	return decision
}

func (c *Controller) logTransition(prev, next State, reason string, s Snapshot) {
	keyvals := []any{
		"previous_state", prev.String(),
		"reason", reason,
		"pending_connections", s.PendingConnections,
		"resources", s.Resources,
		"rss_bytes", s.RSSBytes,
		"memory_percent", s.MemoryUsedPercent,
		"swap_percent", s.SwapUsedPercent,
		"cpu_percent", s.CPUPercent,
		"load1", s.Load1,
		"load1_multiplier", s.Load1Multiplier,
		"goroutines", s.Goroutines,
	}
	switch next {
	case StateEngaged:
		c.logger.Warn("netlock.qrf.engaged", keyvals...)
	case StateSoftArm:
		c.logger.Info("netlock.qrf.soft_arm", keyvals...)
	case StateRecovery:
		c.logger.Info("netlock.qrf.recovery", keyvals...)
	case StateDisengaged:
		c.logger.Info("netlock.qrf.disengaged", keyvals...)
	}
}

func nonZero(d time.Duration, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func halfRecoveryTarget(limit float64) float64 {
	return math.Max(1, math.Floor(limit/2))
}

func percentRecoveryTarget(limit float64) float64 {
	return math.Max(0, limit-10)
}

func multiplierRecoveryTarget(limit float64) float64 {
	if limit <= 1 {
		return 1
	}
	return math.Max(1, limit*0.5)
}

func baseDelayForState(cfg Config, state State) time.Duration {
	switch state {
	case StateSoftArm:
		return nonZero(cfg.SoftDelay, 50*time.Millisecond)
	case StateEngaged:
		return nonZero(cfg.EngagedDelay, 500*time.Millisecond)
	case StateRecovery:
		return nonZero(cfg.RecoveryDelay, 200*time.Millisecond)
	default:
		return 0
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delayForDecision scales the base delay by how far the breaching metric
// sits between its soft and hard limits.
func (c *Controller) delayForDecision(decision Decision) time.Duration {
	base := decision.Delay
	if base <= 0 {
		return 0
	}
	pressure := c.pressureForReason(decision.Reason)
	pressure = math.Min(1, math.Max(0.1, pressure))
	scaled := time.Duration(float64(base) * pressure)
	return min(max(scaled, minDelayForState(decision.State, base)), base)
}

func minDelayForState(state State, base time.Duration) time.Duration {
	floor := base / 10
	switch state {
	case StateEngaged:
		floor = max(floor, 10*time.Millisecond)
	case StateRecovery:
		floor = max(floor, 5*time.Millisecond)
	default:
		floor = max(floor, 2*time.Millisecond)
	}
	return min(floor, base)
}

func (c *Controller) pressureForReason(reason string) float64 {
	for _, l := range c.limits(c.Snapshot()) {
		if reason == l.name+"_soft" || reason == l.name+"_hard" {
			return ratio(l.value, l.soft, l.hard)
		}
	}
	return 1
}

func ratio(value, soft, hard float64) float64 {
	if soft <= 0 && hard <= 0 {
		return 1
	}
	if soft <= 0 {
		soft = hard / 2
	}
	if hard <= soft {
		hard = soft * 2
	}
	if value <= soft {
		return 0
	}
	return math.Max(0, math.Min(1, (value-soft)/(hard-soft)))
}
