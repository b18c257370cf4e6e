// Package qos turns the session's link measurements — the courier's
// decoded/missing frame counters, the gateway heartbeat round trip, and the
// UDP inter-arrival jitter — into two tuning decisions: the outbound Opus
// bitrate and the receive parking-lot priming depth.
//
// The controller owns its own smoothing and counter-delta state, so the
// session just feeds it raw cumulative counters each interval and reads the
// decisions back.
package qos

import "math"

// bitrateLadderKbps is the ordered set of Opus bitrates the controller
// moves between, from barely-intelligible up to high-fidelity voice.
var bitrateLadderKbps = []int{8, 12, 16, 24, 32, 48}

const (
	// startKbps is where a new session begins on the ladder.
	startKbps = 32

	// stepDownLoss is the smoothed loss rate above which the controller
	// drops a rung immediately.
	stepDownLoss = 0.05
	// stepUpLoss is the loss rate the link must stay under to climb.
	stepUpLoss = 0.01
	// stepUpMaxRTTMillis is the heartbeat round trip the link must stay
	// under to climb; a zero RTT means "not measured yet" and blocks
	// climbing rather than being mistaken for a perfect link.
	stepUpMaxRTTMillis = 150
	// stepUpStreak is how many consecutive clean intervals are needed
	// before climbing a rung, so one quiet measurement window doesn't
	// bounce the encoder up and straight back down.
	stepUpStreak = 2

	// lossSmoothing weights a new interval's raw loss against history.
	lossSmoothing = 0.3

	frameMillis = 20
	minDepth    = 1
	maxDepth    = 8
)

// Controller adapts the bitrate ladder and parking-lot depth. Not safe for
// concurrent use; the session's adaptation loop is its only caller.
type Controller struct {
	rung   int
	streak int

	smoothedLoss float64
	jitterMillis float64

	lastDecoded uint64
	lastMissing uint64
}

// NewController starts at the default bitrate with no link history.
func NewController() *Controller {
	return &Controller{rung: rungFor(startKbps)}
}

// Observe folds one measurement interval into the controller: decoded and
// missing are the courier's cumulative frame counters, rttMillis the latest
// heartbeat round trip (0 if unmeasured), jitterMillis the current
// inter-arrival jitter estimate. It reports whether the bitrate changed.
func (c *Controller) Observe(decoded, missing uint64, rttMillis, jitterMillis float64) bool {
	deltaDecoded := decoded - c.lastDecoded
	deltaMissing := missing - c.lastMissing
	c.lastDecoded, c.lastMissing = decoded, missing

	var raw float64
	if total := deltaDecoded + deltaMissing; total > 0 {
		raw = float64(deltaMissing) / float64(total)
	}
	c.smoothedLoss = lossSmoothing*raw + (1-lossSmoothing)*c.smoothedLoss
	c.jitterMillis = jitterMillis

	switch {
	case c.smoothedLoss > stepDownLoss:
		c.streak = 0
		if c.rung > 0 {
			c.rung--
			return true
		}
	case c.smoothedLoss < stepUpLoss && rttMillis > 0 && rttMillis < stepUpMaxRTTMillis:
		c.streak++
		if c.streak >= stepUpStreak && c.rung < len(bitrateLadderKbps)-1 {
			c.streak = 0
			c.rung++
			return true
		}
	default:
		c.streak = 0
	}
	return false
}

// BitrateBPS returns the current Opus target bitrate in bits per second,
// ready for the encoder's SetBitrate.
func (c *Controller) BitrateBPS() int {
	return bitrateLadderKbps[c.rung] * 1000
}

// LossRate returns the smoothed loss estimate, for logging.
func (c *Controller) LossRate() float64 { return c.smoothedLoss }

// JitterDepth returns the parking-lot priming depth, in 20 ms frames, that
// the last observed jitter calls for: enough frames to cover the jitter
// window plus one, plus one more on a lossy link. With no jitter measured
// yet it returns the minimum rather than guessing.
func (c *Controller) JitterDepth() int {
	if c.jitterMillis <= 0 {
		return minDepth
	}
	depth := int(math.Ceil(c.jitterMillis/frameMillis)) + 1
	if c.smoothedLoss > stepDownLoss {
		depth++
	}
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	return depth
}

// rungFor returns the ladder index closest to kbps.
func rungFor(kbps int) int {
	best, bestDist := 0, math.MaxInt
	for i, step := range bitrateLadderKbps {
		dist := step - kbps
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}
