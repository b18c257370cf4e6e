package dvoice

import (
	"fmt"
	"math"

	"github.com/gorilla/websocket"

	"github.com/kelonet/dvoice/internal/frameproc"
	"github.com/kelonet/dvoice/internal/mls"
)

// maxRawFrameSamples bounds a single SendAudioRaw call: larger input is
// split into frameSamples-sized chunks and each sent in turn.
const maxRawFrameSamples = frameSamples * numChannels

// SendAudioRaw accepts raw 16-bit PCM, splitting oversized input into
// 20ms frames and zero-padding an undersized final frame, Opus-encoding
// each via the send pipeline and handing it to SendAudioOpus.
//
// Input must be at least 2 samples (4 raw bytes) and an even sample count
// (a multiple of 4 raw bytes); anything shorter or misaligned is rejected
// before any padding or splitting happens.
func (s *Session) SendAudioRaw(pcm []int16) error {
	if len(pcm) < 2 {
		return newVoiceErr(ErrKindInvalidInput, "SendAudioRaw", fmt.Errorf("need at least 2 samples, got %d", len(pcm)))
	}
	if len(pcm)%2 != 0 {
		return newVoiceErr(ErrKindInvalidInput, "SendAudioRaw", fmt.Errorf("sample count must be even, got %d", len(pcm)))
	}
	if s.sendPipeline == nil {
		return newVoiceErr(ErrKindProtocolFatal, "SendAudioRaw", fmt.Errorf("session not connected"))
	}

	for off := 0; off < len(pcm); off += maxRawFrameSamples {
		end := off + maxRawFrameSamples
		var chunk []int16
		if end <= len(pcm) {
			chunk = pcm[off:end]
		} else {
			chunk = make([]int16, maxRawFrameSamples)
			copy(chunk, pcm[off:])
		}

		s.encPipeline.Lock()
		encoded, ok, err := s.sendPipeline.processAndEncode(chunk)
		s.encPipeline.Unlock()
		if err != nil {
			return newVoiceErr(ErrKindInvalidInput, "SendAudioRaw: encode", err)
		}
		if !ok {
			continue // the conditioning chain decided this frame is silence
		}
		if err := s.SendAudioOpus(encoded, frameDurationNS); err != nil {
			return err
		}
	}
	return nil
}

// SendAudioOpus accepts an already Opus-encoded packet, applies DAVE
// encryption if negotiated, and queues it for the UDP send loop. A
// durationNS of 0 uses the standard 20ms frame duration.
func (s *Session) SendAudioOpus(opusPacket []byte, durationNS int64) error {
	if s.send == nil {
		return newVoiceErr(ErrKindProtocolFatal, "SendAudioOpus", fmt.Errorf("session not connected"))
	}
	if durationNS <= 0 {
		durationNS = frameDurationNS
	}

	payload := opusPacket
	if s.encryptor != nil && s.IsEndToEndEncrypted() {
		encrypted, err := s.encryptor.Encrypt(frameproc.CodecOpus, opusPacket)
		if err != nil {
			return newVoiceErr(ErrKindMLSFailure, "SendAudioOpus: encrypt", err)
		}
		payload = encrypted
	}

	if !s.speakingSent.Swap(true) {
		s.sendSpeaking(true)
	}
	s.send.Enqueue(payload, durationNS)
	return nil
}

// sendSpeaking announces this session's speaking state on the gateway; sent
// once before the first outbound audio packet.
func (s *Session) sendSpeaking(speaking bool) {
	flag := 0
	if speaking {
		flag = 1
	}
	raw, err := encodeOp(opSpeaking, speakingPayload{Speaking: flag, SSRC: s.ssrc})
	if err != nil {
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.logf("warn", fmt.Sprintf("dvoice: send speaking: %v", err))
	}
}

// SendSilence enqueues the canonical 3-byte Opus silence packet for
// durationMS milliseconds' worth of frames.
func (s *Session) SendSilence(durationMS int) error {
	if s.send == nil {
		return newVoiceErr(ErrKindProtocolFatal, "SendSilence", fmt.Errorf("session not connected"))
	}
	frames := durationMS / 20
	if frames < 1 {
		frames = 1
	}
	for i := 0; i < frames; i++ {
		s.send.EnqueueSilence(frameDurationNS)
	}
	return nil
}

// InsertMarker enqueues a track marker sentinel, fired via OnTrackMarker
// once the send loop reaches it.
func (s *Session) InsertMarker(metadata string) error {
	if s.send == nil {
		return newVoiceErr(ErrKindProtocolFatal, "InsertMarker", fmt.Errorf("session not connected"))
	}
	s.send.InsertMarker(metadata)
	return nil
}

// PauseAudio stops draining the outbound queue, emitting stop frames so
// listeners hear an immediate cutoff.
func (s *Session) PauseAudio() {
	if s.send != nil {
		s.send.Pause()
	}
}

// StopAudio is PauseAudio followed by discarding every queued packet up to
// the next marker, so playback doesn't resume mid-track on the next Resume.
func (s *Session) StopAudio() {
	if s.send == nil {
		return
	}
	s.send.Pause()
	s.send.SkipToNextMarker()
}

// ResumeAudio re-enables draining of the outbound queue after PauseAudio.
func (s *Session) ResumeAudio() {
	if s.send != nil {
		s.send.Resume()
	}
}

// SkipToNextMarker discards queued packets up to and including the next
// track marker.
func (s *Session) SkipToNextMarker() {
	if s.send != nil {
		s.send.SkipToNextMarker()
	}
}

// GetSecsRemaining returns the total queued playback duration in seconds.
func (s *Session) GetSecsRemaining() float64 {
	if s.send == nil {
		return 0
	}
	return s.send.SecsRemaining()
}

// GetTracksRemaining returns the count of queued (non-marker) packets.
func (s *Session) GetTracksRemaining() int {
	if s.send == nil {
		return 0
	}
	return s.send.TracksRemaining()
}

// GetPrivacyCode returns the current epoch authenticator as a displayable
// code, or "" if the session is not end-to-end encrypted. The code is
// precomputed on every ratchet update, so this never blocks.
func (s *Session) GetPrivacyCode() string {
	if !s.IsEndToEndEncrypted() {
		return ""
	}
	code, _ := s.privacyCode.Load().(string)
	return code
}

// GetUserPrivacyCode asynchronously computes the pairwise verification code
// between this session and userID (scrypt-bound, so it runs off the
// caller's goroutine) and delivers the result via callback.
func (s *Session) GetUserPrivacyCode(userID uint64, callback func(code string, err error)) {
	if s.mlsSession == nil {
		go callback("", newVoiceErr(ErrKindMLSFailure, "GetUserPrivacyCode", fmt.Errorf("not end-to-end encrypted")))
		return
	}
	roster := s.mlsSession.Roster()
	theirPub, ok := roster[userID]
	if !ok {
		go callback("", newVoiceErr(ErrKindInvalidInput, "GetUserPrivacyCode", fmt.Errorf("unknown user %d", userID)))
		return
	}
	myPub, _ := s.mlsSession.SigningKey()
	myUserID := s.cfg.UserID
	go func() {
		code, err := mls.PairwiseFingerprint(myUserID, myPub, userID, theirPub)
		if err != nil {
			callback("", newVoiceErr(ErrKindMLSFailure, "GetUserPrivacyCode", err))
			return
		}
		callback(code, nil)
	}()
}

// IsEndToEndEncrypted reports whether DAVE is currently active: a non-zero
// negotiated protocol version, no pending downgrade, and an encryptor with a
// key ratchet bound.
func (s *Session) IsEndToEndEncrypted() bool {
	if s.daveVersion.Load() == daveDisabledVersion {
		return false
	}
	s.transitionMu.Lock()
	downgrading := s.pendingTransition.active && s.pendingTransition.version == daveDisabledVersion
	s.transitionMu.Unlock()
	if downgrading {
		return false
	}
	return s.encryptor != nil && s.encryptor.HasKeyRatchet()
}

// opusMinGainQ8 is OPUS_SET_GAIN's minimum, -32768 in Q8 dB units,
// representing effectively-muted output.
const opusMinGainQ8 = -32768

// linearGainToQ8 converts a linear amplitude factor to Opus's Q8 dB gain
// units, clamping a zero (or negative) factor to the codec minimum instead
// of computing log(0).
func linearGainToQ8(linearFactor float64) int {
	if linearFactor <= 0 {
		return opusMinGainQ8
	}
	db := 20 * math.Log10(linearFactor)
	q8 := int(db * 256)
	if q8 < opusMinGainQ8 {
		q8 = opusMinGainQ8
	}
	return q8
}

// SetUserGain converts linearFactor to Q8 dB units and parks a decoder gain
// control for userID's stream, applied on the courier's next drain.
func (s *Session) SetUserGain(userID uint64, linearFactor float64) {
	if s.courier == nil {
		return
	}
	v, ok := s.userToSSRC.Load(userID)
	if !ok {
		return
	}
	s.courier.SetUserGain(v.(uint32), linearGainToQ8(linearFactor))
}

