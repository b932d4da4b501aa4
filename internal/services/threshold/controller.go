package threshold

import (
	"sync"

	"github.com/Egham-7/adaptive-cache/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Controller owns the current similarity threshold and the bounded buffer of
// recent hit/miss observations that drives adaptation. There is one
// controller per process, injected into the orchestrator; all access to its
// state is serialized behind a single mutex so concurrent lookups can never
// lose observations or push the threshold outside its bounds.
type Controller struct {
	mu           sync.Mutex
	current      float64
	observations []models.Observation
	settings     models.CacheSettings
	window       int
}

// New creates a threshold controller seeded from validated cache settings.
// Invalid bounds fail fast here rather than being clamped later.
func New(settings models.CacheSettings) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return &Controller{
		current:      settings.SimilarityThreshold,
		observations: make([]models.Observation, 0, models.DefaultObservationWindow),
		settings:     settings,
		window:       models.DefaultObservationWindow,
	}, nil
}

// Current returns the threshold in effect. Callers snapshot this before any
// I/O so a slow external call never holds the controller lock.
func (c *Controller) Current() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe appends one lookup outcome. Appending the observation that fills
// the window evaluates an adjustment and drains the buffer inside the same
// critical section, so the threshold is never stale by more than one window.
// Returns true when an evaluation ran.
func (c *Controller) Observe(obs models.Observation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observations = append(c.observations, obs)
	if len(c.observations) < c.window {
		return false
	}

	c.adjustLocked()
	c.observations = c.observations[:0]
	return true
}

// Pending returns the number of buffered observations awaiting the next
// adjustment window.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observations)
}

// adjustLocked applies the adaptation rule to the full buffer. Caller holds
// the mutex. The rule keeps a dead-band of [target, target+0.10] where the
// threshold stays put, to avoid oscillation.
func (c *Controller) adjustLocked() {
	if !c.settings.AdaptiveThreshold {
		return
	}

	hits := 0
	for _, obs := range c.observations {
		if obs.Hit {
			hits++
		}
	}
	hitRate := float64(hits) / float64(len(c.observations))

	previous := c.current
	switch {
	case hitRate < c.settings.TargetHitRate:
		// Loosen matching to raise the hit rate.
		c.current = max(c.settings.MinThreshold, c.current-c.settings.ThresholdAdjustmentRate)
	case hitRate > c.settings.TargetHitRate+models.DefaultHitRateDeadBandWidth:
		// Tighten matching to protect answer quality.
		c.current = min(c.settings.MaxThreshold, c.current+c.settings.ThresholdAdjustmentRate)
	}

	if c.current != previous {
		fiberlog.Infof("ThresholdController: adjusted threshold %.4f -> %.4f (hit rate %.2f over %d observations)",
			previous, c.current, hitRate, len(c.observations))
	} else {
		fiberlog.Debugf("ThresholdController: threshold unchanged at %.4f (hit rate %.2f)", c.current, hitRate)
	}
}

// Bounds returns the configured clamp range.
func (c *Controller) Bounds() (minThreshold, maxThreshold float64) {
	return c.settings.MinThreshold, c.settings.MaxThreshold
}
