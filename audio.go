package dvoice

import (
	"fmt"
	"math"

	"github.com/kelonet/dvoice/internal/voicedsp"
	"gopkg.in/hraban/opus.v2"
)

// sampleRate, numChannels and frameSamples describe the mono 48kHz/20ms
// framing used throughout both the send and receive paths (see
// internal/courier for the receive-side counterpart of these constants).
const (
	sampleRate     = 48000
	numChannels    = 1
	frameSamples   = 960
	opusBitrate    = 32000
	opusMaxPacket  = 1275
	frameDurationNS = int64(20 * 1e6)
)

// opusEncoder abstracts gopkg.in/hraban/opus.v2's Encoder for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// opusDecoderImpl satisfies courier.OpusDecoder with the real Opus decoder;
// courier.DecoderFactory builds one of these per newly-seen speaker. Per-user
// gain is applied as a software multiplier on the decoded PCM, since the
// decoder library exposes no gain control.
type opusDecoderImpl struct {
	*opus.Decoder
	gain float64 // linear factor; 1.0 = unity
}

// SetGain accepts Opus Q8 dB units (the courier's pending-control format)
// and converts back to a linear factor for mixing.
func (d *opusDecoderImpl) SetGain(q8Gain int) error {
	if q8Gain <= opusMinGainQ8 {
		d.gain = 0
		return nil
	}
	d.gain = math.Pow(10, float64(q8Gain)/256/20)
	return nil
}

func (d *opusDecoderImpl) Decode(data []byte, pcm []int16) (int, error) {
	n, err := d.Decoder.Decode(data, pcm)
	if err != nil {
		return n, err
	}
	d.applyGain(pcm[:n])
	return n, nil
}

func (d *opusDecoderImpl) DecodeFEC(data []byte, pcm []int16) error {
	if err := d.Decoder.DecodeFEC(data, pcm); err != nil {
		return err
	}
	d.applyGain(pcm)
	return nil
}

func (d *opusDecoderImpl) applyGain(pcm []int16) {
	if d.gain == 1.0 {
		return
	}
	for i, v := range pcm {
		pcm[i] = clampFloatToInt16(float32(float64(v) * d.gain / 32768.0))
	}
}

// newOpusDecoder is the default courier.DecoderFactory, building a real
// mono 48kHz decoder.
func newOpusDecoder() (*opusDecoderImpl, error) {
	dec, err := opus.NewDecoder(sampleRate, numChannels)
	if err != nil {
		return nil, fmt.Errorf("dvoice: new opus decoder: %w", err)
	}
	return &opusDecoderImpl{Decoder: dec, gain: 1.0}, nil
}

// sendPipeline conditions each 20ms frame through the voicedsp chain and
// Opus-encodes what the chain decides to send. It is not safe for
// concurrent use; SendAudioRaw serializes calls to it.
type sendPipeline struct {
	chain *voicedsp.Chain
	enc   opusEncoder

	scratch []int16
	opusBuf []byte
}

func newSendPipeline(enc opusEncoder) *sendPipeline {
	return &sendPipeline{
		chain:   voicedsp.NewChain(voicedsp.DefaultConfig()),
		enc:     enc,
		scratch: make([]int16, frameSamples*numChannels),
		opusBuf: make([]byte, opusMaxPacket),
	}
}

// newOpusEncoder builds the real opus.Encoder with the send path's fixed
// bitrate/FEC/loss settings.
func newOpusEncoder() (opusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, numChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("dvoice: new opus encoder: %w", err)
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return nil, fmt.Errorf("dvoice: set bitrate: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("dvoice: set fec: %w", err)
	}
	if err := enc.SetPacketLossPerc(10); err != nil {
		return nil, fmt.Errorf("dvoice: set packet loss perc: %w", err)
	}
	return enc, nil
}

// processAndEncode runs one 20ms mono frame through the conditioning chain,
// then Opus-encodes it. ok is false when the chain decided the frame is
// silence and should not be sent at all. The caller's slice is left
// untouched; processing happens on an internal scratch copy.
func (p *sendPipeline) processAndEncode(pcm []int16) (encoded []byte, ok bool, err error) {
	if len(pcm) != frameSamples*numChannels {
		return nil, false, fmt.Errorf("dvoice: frame must be %d samples, got %d", frameSamples*numChannels, len(pcm))
	}

	copy(p.scratch, pcm)
	if d := p.chain.Process(p.scratch); !d.Send {
		return nil, false, nil
	}

	n, err := p.enc.Encode(p.scratch, p.opusBuf)
	if err != nil {
		return nil, false, fmt.Errorf("dvoice: opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, p.opusBuf[:n])
	return out, true, nil
}

func clampFloatToInt16(v float32) int16 {
	f := v * 32768.0
	switch {
	case f > 32767:
		return 32767
	case f < -32768:
		return -32768
	default:
		return int16(f)
	}
}
