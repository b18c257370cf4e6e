// Package voicedsp conditions outbound microphone audio before it reaches
// the Opus encoder: a noise gate, a slow gain leveler, and a speech/silence
// decision, folded into a single pass over each 20 ms mono int16 frame.
//
// The chain works directly on the int16 frames the session's send path
// carries (SendAudioRaw input, encoder input), with levels expressed in
// dBFS so the knobs line up with how voice levels are usually discussed.
// Frames the chain decides not to send are simply skipped by the caller;
// Opus DTX or explicit silence packets cover the gap on the wire.
package voicedsp

import "math"

// FrameSamples is the chain's fixed frame size: 20 ms of mono PCM at 48 kHz,
// the same framing the Opus encoder and the receive courier use.
const FrameSamples = 960

// silenceFloorDB is the level reported for an all-zero frame, standing in
// for -infinity.
const silenceFloorDB = -96.0

// Config holds the chain's tuning knobs. Levels are dBFS (0 = full scale,
// more negative = quieter); durations are counted in 20 ms frames.
type Config struct {
	// GateFloorDB is the level below which a frame is muted outright once
	// the hold runs out. Keeps fan hum and open-mic hiss off the wire.
	GateFloorDB float64
	// GateHoldFrames keeps the gate open this many frames after the level
	// drops under the floor, so short pauses inside a sentence don't chop.
	GateHoldFrames int

	// TargetLevelDB is the level the leveler steers speech toward.
	TargetLevelDB float64
	// MaxBoostDB and MaxCutDB bound the leveler's correction, so silence is
	// never amplified into audible noise and clipping input isn't crushed.
	MaxBoostDB float64
	MaxCutDB   float64

	// SpeechFloorDB is the level above which a frame counts as speech for
	// the send decision.
	SpeechFloorDB float64
	// HangoverFrames keeps sending this many frames after the last speech
	// frame so word endings survive.
	HangoverFrames int
}

// DefaultConfig returns the tuning used by the session's send pipeline.
func DefaultConfig() Config {
	return Config{
		GateFloorDB:    -60,
		GateHoldFrames: 10, // 200 ms
		TargetLevelDB:  -14,
		MaxBoostDB:     20,
		MaxCutDB:       20,
		SpeechFloorDB:  -46,
		HangoverFrames: 20, // 400 ms
	}
}

// Decision is what the chain concluded about one frame.
type Decision struct {
	// Send reports whether the frame carries speech worth transmitting.
	Send bool
	// LevelDB is the frame's level in dBFS before any processing, for level
	// meters and diagnostics.
	LevelDB float64
}

// Chain is the stateful conditioning chain. Not safe for concurrent use;
// the send pipeline serializes calls to it.
type Chain struct {
	cfg Config

	gainDB       float64 // current leveler correction
	gateHoldLeft int
	hangoverLeft int
	gateEnabled  bool
	levelEnabled bool
}

// NewChain builds a Chain with everything enabled.
func NewChain(cfg Config) *Chain {
	return &Chain{cfg: cfg, gateEnabled: true, levelEnabled: true}
}

// SetGateEnabled toggles the noise gate; disabled, no frame is ever muted.
func (c *Chain) SetGateEnabled(enabled bool) {
	c.gateEnabled = enabled
	if !enabled {
		c.gateHoldLeft = 0
	}
}

// SetLevelerEnabled toggles the gain leveler; disabled, frames pass at
// their original level.
func (c *Chain) SetLevelerEnabled(enabled bool) {
	c.levelEnabled = enabled
	if !enabled {
		c.gainDB = 0
	}
}

// Process runs one frame through the chain in place and returns the send
// decision. frame must hold exactly FrameSamples samples.
func (c *Chain) Process(frame []int16) Decision {
	level := FrameLevelDB(frame)
	d := Decision{LevelDB: level}

	if c.gateEnabled && level < c.cfg.GateFloorDB {
		if c.gateHoldLeft == 0 {
			for i := range frame {
				frame[i] = 0
			}
			c.hangoverLeft = 0
			return d
		}
		c.gateHoldLeft--
	} else if c.gateEnabled {
		c.gateHoldLeft = c.cfg.GateHoldFrames
	}

	if c.levelEnabled && level > silenceFloorDB {
		c.steerGain(level)
		applyGainDB(frame, c.gainDB)
	}

	if level >= c.cfg.SpeechFloorDB {
		c.hangoverLeft = c.cfg.HangoverFrames
		d.Send = true
		return d
	}
	if c.hangoverLeft > 0 {
		c.hangoverLeft--
		d.Send = true
	}
	return d
}

// steerGain moves the correction toward what this frame would need to hit
// the target, fast when cutting (a sudden shout) and slow when boosting
// (so the noise floor between words doesn't pump up).
func (c *Chain) steerGain(levelDB float64) {
	want := c.cfg.TargetLevelDB - levelDB
	if want > c.cfg.MaxBoostDB {
		want = c.cfg.MaxBoostDB
	}
	if want < -c.cfg.MaxCutDB {
		want = -c.cfg.MaxCutDB
	}
	step := 0.05 // release: creep up over ~a second of frames
	if want < c.gainDB {
		step = 0.8 // attack: duck loud input almost immediately
	}
	c.gainDB += step * (want - c.gainDB)
}

// Reset returns the chain to its initial state without touching the config.
func (c *Chain) Reset() {
	c.gainDB = 0
	c.gateHoldLeft = 0
	c.hangoverLeft = 0
}

// GainDB returns the leveler's current correction, for diagnostics.
func (c *Chain) GainDB() float64 { return c.gainDB }

// FrameLevelDB returns a frame's RMS level in dBFS. An all-zero frame
// reports the silence floor rather than -infinity.
func FrameLevelDB(frame []int16) float64 {
	if len(frame) == 0 {
		return silenceFloorDB
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms <= 0 {
		return silenceFloorDB
	}
	db := 20 * math.Log10(rms)
	if db < silenceFloorDB {
		db = silenceFloorDB
	}
	return db
}

// applyGainDB scales a frame by a dB correction, saturating at the int16
// rails instead of wrapping.
func applyGainDB(frame []int16, gainDB float64) {
	if gainDB == 0 {
		return
	}
	factor := math.Pow(10, gainDB/20)
	for i, s := range frame {
		v := float64(s) * factor
		switch {
		case v > math.MaxInt16:
			frame[i] = math.MaxInt16
		case v < math.MinInt16:
			frame[i] = math.MinInt16
		default:
			frame[i] = int16(v)
		}
	}
}
