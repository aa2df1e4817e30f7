package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Injector perturbs message delivery on one node. A seeded source keeps
// runs reproducible.
type Injector struct {
	cfg    Config
	nodeID string
	logger *zap.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	start time.Time
}

// New creates an injector for nodeID. Profile settings override the
// individual fields they name.
func New(cfg Config, nodeID string, logger *zap.Logger) *Injector {
	if cfg.Profile != "" {
		p, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.String("profile", cfg.Profile), zap.Error(err))
		} else {
			p.applyTo(&cfg)
		}
	}

	return &Injector{
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}
}

// Active reports whether faults apply to this node right now
func (c *Injector) Active() bool {
	if c == nil || !c.cfg.Enabled {
		return false
	}
	if c.cfg.WindowMs > 0 && time.Since(c.start).Milliseconds() > int64(c.cfg.WindowMs) {
		return false
	}
	if c.cfg.TargetNodeID != "" && c.cfg.TargetNodeID != c.nodeID {
		return false
	}
	return true
}

// MaybeDelay sleeps for a random delay within the configured range
func (c *Injector) MaybeDelay(ctx context.Context, op string) error {
	if !c.Active() || (c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0) {
		return nil
	}

	c.mu.Lock()
	delayMs := c.cfg.DelayMsMin
	if c.cfg.DelayMsMax > c.cfg.DelayMsMin {
		delayMs += c.rng.Intn(c.cfg.DelayMsMax - c.cfg.DelayMsMin + 1)
	}
	c.mu.Unlock()

	if delayMs <= 0 {
		return nil
	}
	c.logger.Info("chaos delay injected",
		zap.String("node_id", c.nodeID),
		zap.String("op", op),
		zap.Int("delay_ms", delayMs),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
		return nil
	}
}

// MaybeDrop reports whether the message should be discarded
func (c *Injector) MaybeDrop(op string) bool {
	if !c.roll(c.cfgDrop()) {
		return false
	}
	c.logger.Info("chaos drop injected", zap.String("node_id", c.nodeID), zap.String("op", op))
	return true
}

// MaybeDuplicate reports whether the message should be delivered twice
func (c *Injector) MaybeDuplicate(op string) bool {
	if !c.roll(c.cfgDup()) {
		return false
	}
	c.logger.Info("chaos duplicate injected", zap.String("node_id", c.nodeID), zap.String("op", op))
	return true
}

// ExitOnLeader reports whether the node should exit when it gains leadership
func (c *Injector) ExitOnLeader() bool {
	return c.Active() && c.cfg.ExitOnLeader
}

func (c *Injector) cfgDrop() int {
	if c == nil {
		return 0
	}
	return c.cfg.DropPct
}

func (c *Injector) cfgDup() int {
	if c == nil {
		return 0
	}
	return c.cfg.DupPct
}

func (c *Injector) roll(pct int) bool {
	if pct <= 0 || !c.Active() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(100) < pct
}
