package engine

import (
	"math"

	"github.com/MarwanHany97/NetThrottle/internal/rules"
	"github.com/MarwanHany97/NetThrottle/internal/sampler"
)

// The static bucket rate alone overshoots: the burst allowance plus TCP's
// sawtooth push the measured average above the configured target. The
// controller closes the loop, nudging each adaptive rule's effective rate
// every tick until the rolling average sits on target.

// minMeasurable is the floor in bytes/sec below which a stream counts as
// idle and its rate is left alone.
const minMeasurable = 100

// controller holds per-stream convergence state keyed by (pid, direction),
// with the global rule as its own pseudo-stream.
type controller struct {
	store   *rules.Store
	samples *sampler.Set
	state   map[ctlKey]*ctlState
}

type ctlKey struct {
	pid    uint32
	dir    rules.Direction
	global bool
}

// ctlState tracks one stream between ticks. target is remembered so a rule
// edit resets convergence.
type ctlState struct {
	target  float64
	current float64
}

func newController(store *rules.Store, samples *sampler.Set) *controller {
	return &controller{
		store:   store,
		samples: samples,
		state:   make(map[ctlKey]*ctlState),
	}
}

// tick runs one proportional adjustment over every adaptive stream, then
// forgets streams whose rules vanished or went non-adaptive, so a later
// re-enable starts fresh from the target.
func (c *controller) tick() {
	live := make(map[ctlKey]bool)

	c.store.Each(func(pid uint32, r rules.Rule) {
		c.adjust(ctlKey{pid: pid}, r, live)
	})
	c.adjust(ctlKey{global: true}, c.store.Global(), live)

	for k := range c.state {
		if !live[k] {
			delete(c.state, k)
		}
	}
}

func (c *controller) adjust(base ctlKey, r rules.Rule, live map[ctlKey]bool) {
	if !r.Adaptive {
		return
	}
	for _, dir := range []rules.Direction{rules.Download, rules.Upload} {
		if !r.Limits(dir) {
			continue
		}
		key := base
		key.dir = dir
		live[key] = true

		target := r.TargetRate(dir)
		st, ok := c.state[key]
		if !ok || st.target != target {
			st = &ctlState{target: target, current: target}
			c.state[key] = st
		}

		var measured float64
		if key.global {
			measured = c.samples.GlobalAverage(dir)
		} else {
			measured = c.samples.Average(key.pid, dir)
		}

		st.current = nextRate(st.current, target, measured)

		if key.global {
			c.store.SetGlobalAdjusted(dir, st.current)
		} else {
			c.store.SetAdjusted(key.pid, dir, st.current)
		}
	}
}

// nextRate is the proportional step. Overshoot shrinks the rate harder the
// farther the measurement is above target; undershoot grows it in two
// gears; a ±2% deadband holds still. The result is clamped to
// [5% of target, target] so a throttled process is never starved and never
// granted more than asked.
func nextRate(current, target, measured float64) float64 {
	if measured < minMeasurable {
		return current
	}

	ratio := measured / target
	var next float64
	switch {
	case ratio > 1.02:
		next = current * (0.3 + 0.7*target/measured)
	case ratio < 0.90:
		next = current * 1.15
	case ratio < 0.98:
		next = current * 1.05
	default:
		return current
	}

	return math.Min(target, math.Max(0.05*target, next))
}
