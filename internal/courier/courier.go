// Package courier implements the voice courier: the single
// background task that periodically drains every speaker's parking lot,
// decrypts and Opus-decodes each ready frame in sequence order (invoking
// packet loss concealment for gaps), mixes the decoded speakers into a
// combined PCM stream, and dispatches both per-speaker and combined
// receive events.
package courier

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelonet/dvoice/internal/cipher"
	"github.com/kelonet/dvoice/internal/davecrypt"
	"github.com/kelonet/dvoice/internal/frameproc"
	"github.com/kelonet/dvoice/internal/jitter"
	"github.com/kelonet/dvoice/internal/rtp"
)

// SampleRate and Channels describe the PCM this package decodes into,
// matching the mono 48kHz Opus codec configuration used throughout the send
// path (see internal/voicedsp).
const (
	SampleRate   = 48000
	Channels     = 1
	FrameSamples = 960 // 20ms per channel
	pcmLen       = FrameSamples * Channels
)

// OpusDecoder abstracts gopkg.in/hraban/opus.v2's Decoder for testing.
type OpusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// DecoderFactory builds a fresh per-speaker Opus decoder, lazily invoked on
// the first packet from a new SSRC.
type DecoderFactory func() (OpusDecoder, error)

// GainControl is a pending decoder control operation parked for the next
// courier iteration (e.g. OPUS_SET_GAIN from SetUserGain).
type GainControl struct {
	Q8Gain int // gain in Q8 dB units, per Opus's OPUS_SET_GAIN
}

// DecryptorLookup resolves the per-user DAVE decryptor for ssrc, or nil if
// DAVE is not active / the user has no decryptor yet.
type DecryptorLookup func(ssrc uint32) *davecrypt.Decryptor

// Courier owns the receive-side pipeline. Not safe for concurrent Feed/Run
// calls beyond what's documented: Feed is safe from any goroutine; Run must
// only be called once.
type Courier struct {
	mu          sync.Mutex
	buf         *jitter.Buffer
	decoders    map[uint32]OpusDecoder
	pendingGain map[uint32]GainControl
	terminating bool
	wake        chan struct{}

	newDecoder    DecoderFactory
	transport     *cipher.Transport
	decryptorFor  DecryptorLookup
	onReceive     func(ssrc uint32, pcm []int16)
	onCombined    func(pcm []int16)
	onLog         func(level, msg string)
	codec         frameproc.Codec
	wakeInterval  time.Duration

	framesDecoded atomic.Uint64
	framesMissing atomic.Uint64
}

// Config bundles Courier's collaborators.
type Config struct {
	Depth        int // jitter buffer depth in 20ms frames
	NewDecoder   DecoderFactory
	Transport    *cipher.Transport
	DecryptorFor DecryptorLookup
	OnReceive    func(ssrc uint32, pcm []int16)
	OnCombined   func(pcm []int16)
	OnLog        func(level, msg string)
	// WakeInterval is how often Run polls for work in the absence of an
	// explicit Feed wakeup; a small safety net, not the primary signal.
	WakeInterval time.Duration
}

// New builds a Courier. cfg.Transport may be nil only in tests that feed
// already-plaintext Opus frames directly.
func New(cfg Config) *Courier {
	wi := cfg.WakeInterval
	if wi <= 0 {
		wi = 20 * time.Millisecond
	}
	return &Courier{
		buf:          jitter.New(cfg.Depth),
		decoders:     make(map[uint32]OpusDecoder),
		pendingGain:  make(map[uint32]GainControl),
		wake:         make(chan struct{}, 1),
		newDecoder:   cfg.NewDecoder,
		transport:    cfg.Transport,
		decryptorFor: cfg.DecryptorFor,
		onReceive:    cfg.OnReceive,
		onCombined:   cfg.OnCombined,
		onLog:        cfg.OnLog,
		codec:        frameproc.CodecOpus,
		wakeInterval: wi,
	}
}

// Feed stages a raw received RTP packet (still transport-encrypted) into the
// speaker's parking lot, keyed by ssrc/seq parsed by the caller: the UDP
// read loop parses the RTP header to route here without decrypting, and all
// decryption happens on the courier goroutine.
func (c *Courier) Feed(ssrc uint32, seq uint16, rawPacket []byte) {
	c.mu.Lock()
	c.buf.Push(ssrc, seq, rawPacket)
	c.mu.Unlock()
	c.wakeUp()
}

// SetUserGain parks a decoder gain control for the given speaker, applied on
// the next drain iteration.
func (c *Courier) SetUserGain(ssrc uint32, q8Gain int) {
	c.mu.Lock()
	c.pendingGain[ssrc] = GainControl{Q8Gain: q8Gain}
	c.mu.Unlock()
}

// SetJitterDepth retunes the parking-lot priming depth for streams that
// start after the call (internal/qos drives this from measured jitter).
func (c *Courier) SetJitterDepth(depth int) {
	c.mu.Lock()
	c.buf.SetDepth(depth)
	c.mu.Unlock()
}

// Stats returns the cumulative decoded and missing (PLC/FEC-recovered)
// frame counts, the raw material for the adaptive bitrate loop's loss rate.
func (c *Courier) Stats() (decoded, missing uint64) {
	return c.framesDecoded.Load(), c.framesMissing.Load()
}

func (c *Courier) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Terminate signals Run to exit once parking lots are drained.
func (c *Courier) Terminate() {
	c.mu.Lock()
	c.terminating = true
	c.mu.Unlock()
	c.wakeUp()
}

// Stop is Terminate under the send loop's name, so both background loops
// shut down through the same verb.
func (c *Courier) Stop() { c.Terminate() }

// Run drains parking lots on every wakeup until terminated. Intended to run
// in its own dedicated goroutine.
func (c *Courier) Run() {
	ticker := time.NewTicker(c.wakeInterval)
	defer ticker.Stop()
	for {
		c.drainOnce()

		c.mu.Lock()
		done := c.terminating && c.buf.ActiveSenders() == 0
		c.mu.Unlock()
		if done {
			return
		}

		select {
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// drainOnce performs one atomic drain-decode-mix-dispatch cycle.
func (c *Courier) drainOnce() {
	c.mu.Lock()
	frames := c.buf.Pop()
	gains := c.pendingGain
	c.pendingGain = make(map[uint32]GainControl)
	c.mu.Unlock()

	if len(frames) == 0 {
		return
	}

	var mix [pcmLen]int32
	anyMixed := false

	for _, f := range frames {
		if f.OpusData == nil {
			c.framesMissing.Add(1)
		} else {
			c.framesDecoded.Add(1)
		}
		dec, err := c.decoderFor(f.SenderID)
		if err != nil {
			c.logf("warn", fmt.Sprintf("courier: create decoder for ssrc %d: %v", f.SenderID, err))
			continue
		}
		if g, ok := gains[f.SenderID]; ok {
			applyGain(dec, g)
		}

		out, err := c.decodeFrame(dec, f)
		if err != nil {
			c.logf("trace", fmt.Sprintf("courier: decode ssrc %d: %v", f.SenderID, err))
			continue
		}
		if len(out) == 0 {
			continue
		}

		if c.onReceive != nil {
			c.onReceive(f.SenderID, out)
		}

		for i := 0; i < len(out) && i < pcmLen; i++ {
			mix[i] += int32(out[i])
		}
		anyMixed = true
	}

	if anyMixed && c.onCombined != nil {
		c.onCombined(downmix(mix[:]))
	}
}

// decodeFrame runs one parking-lot frame through transport AEAD open,
// optional DAVE decrypt, and Opus decode, returning the decoded PCM. A
// missing frame recovers via the next frame's in-band FEC when the jitter
// buffer could supply it, else via PLC.
func (c *Courier) decodeFrame(dec OpusDecoder, f jitter.Frame) ([]int16, error) {
	pcm := make([]int16, pcmLen)
	if f.OpusData == nil {
		if f.FECData != nil {
			if fecPayload, err := c.unwrap(f.SenderID, f.FECData); err == nil {
				if err := dec.DecodeFEC(fecPayload, pcm); err == nil {
					return pcm, nil
				}
			}
		}
		n, err := dec.Decode(nil, pcm)
		if err != nil {
			return nil, err
		}
		return pcm[:n], nil
	}

	opusPayload, err := c.unwrap(f.SenderID, f.OpusData)
	if err != nil {
		return nil, err
	}
	n, err := dec.Decode(opusPayload, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n], nil
}

// unwrap strips the transport AEAD and, when DAVE is active for the speaker,
// the DAVE frame encryption from a raw received packet.
func (c *Courier) unwrap(ssrc uint32, rawPacket []byte) ([]byte, error) {
	payload := rawPacket
	if c.transport != nil {
		_, plaintext, err := rtp.Open(c.transport, rawPacket)
		if err != nil {
			return nil, err
		}
		payload = plaintext
	}
	if c.decryptorFor != nil {
		if d := c.decryptorFor(ssrc); d != nil {
			plain, err := d.Decrypt(c.codec, payload)
			if err != nil {
				return nil, err
			}
			payload = plain
		}
	}
	return payload, nil
}

func (c *Courier) decoderFor(ssrc uint32) (OpusDecoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.decoders[ssrc]; ok {
		return d, nil
	}
	if c.newDecoder == nil {
		return nil, errNoDecoderFactory
	}
	d, err := c.newDecoder()
	if err != nil {
		return nil, err
	}
	c.decoders[ssrc] = d
	return d, nil
}

func (c *Courier) logf(level, format string) {
	if c.onLog != nil {
		c.onLog(level, format)
	}
}

// applyGain is a narrow seam: decoders implementing an Opus-style gain
// setter get the pending control applied; others are left unchanged.
func applyGain(dec OpusDecoder, g GainControl) {
	type gainSetter interface{ SetGain(int) error }
	if gs, ok := dec.(gainSetter); ok {
		_ = gs.SetGain(g.Q8Gain)
	}
}

// downmix clamps the wide accumulator back to 16-bit PCM for the combined
// receive event. No gain is applied: a mix beyond the int16 range saturates
// at the rails.
func downmix(mix []int32) []int16 {
	out := make([]int16, len(mix))
	for i, v := range mix {
		out[i] = clampInt16(v)
	}
	return out
}

func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

type courierError string

func (e courierError) Error() string { return string(e) }

const errNoDecoderFactory = courierError("courier: no decoder factory configured")
