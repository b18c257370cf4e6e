package dvoice

import (
	"errors"
	"testing"
)

func TestSendAudioRawLengthValidation(t *testing.T) {
	s := New(Config{UserID: 1})

	// Too short (fewer than 2 samples / 4 raw bytes) or an odd sample count
	// (not a multiple of 4 raw bytes) is rejected before anything else runs.
	for _, n := range []int{0, 1, 3, 5} {
		err := s.SendAudioRaw(make([]int16, n))
		var vErr *VoiceError
		if !errors.As(err, &vErr) || vErr.Kind != ErrKindInvalidInput {
			t.Fatalf("SendAudioRaw(%d samples) error = %v, want kind ErrKindInvalidInput", n, err)
		}
	}

	// A 2-sample input passes validation: on an unconnected session the
	// next failure is the missing pipeline, not the length check.
	err := s.SendAudioRaw(make([]int16, 2))
	var vErr *VoiceError
	if !errors.As(err, &vErr) || vErr.Kind != ErrKindProtocolFatal {
		t.Fatalf("SendAudioRaw(2 samples) error = %v, want kind ErrKindProtocolFatal", err)
	}
}

func TestSendAudioOpusRequiresConnection(t *testing.T) {
	s := New(Config{UserID: 1})
	err := s.SendAudioOpus([]byte{0xFC}, 0)
	var vErr *VoiceError
	if !errors.As(err, &vErr) || vErr.Kind != ErrKindProtocolFatal {
		t.Fatalf("error = %v, want kind ErrKindProtocolFatal", err)
	}
}

func TestQueueQueriesSafeBeforeConnect(t *testing.T) {
	s := New(Config{UserID: 1})
	if got := s.GetSecsRemaining(); got != 0 {
		t.Errorf("GetSecsRemaining = %f, want 0", got)
	}
	if got := s.GetTracksRemaining(); got != 0 {
		t.Errorf("GetTracksRemaining = %d, want 0", got)
	}
	s.PauseAudio()
	s.ResumeAudio()
	s.StopAudio()
	s.SkipToNextMarker()
	s.SetUserGain(42, 1.0)
}

func TestGetPrivacyCodeEmptyWithoutDAVE(t *testing.T) {
	s := New(Config{UserID: 1})
	if code := s.GetPrivacyCode(); code != "" {
		t.Errorf("privacy code = %q, want empty without DAVE", code)
	}
	if s.IsEndToEndEncrypted() {
		t.Error("a session without DAVE must not claim end-to-end encryption")
	}
}

func TestGetUserPrivacyCodeWithoutDAVE(t *testing.T) {
	s := New(Config{UserID: 1})
	done := make(chan error, 1)
	s.GetUserPrivacyCode(2, func(code string, err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected an error without an MLS session")
	}
}

func TestLinearGainToQ8(t *testing.T) {
	cases := []struct {
		factor float64
		want   int
	}{
		{1.0, 0},       // unity gain
		{0.0, opusMinGainQ8},
		{-3.0, opusMinGainQ8},
		{2.0, 1541},    // +6.02 dB * 256
		{0.5, -1541},   // -6.02 dB * 256
	}
	for _, c := range cases {
		got := linearGainToQ8(c.factor)
		// Allow one unit of slack for float truncation.
		if diff := got - c.want; diff < -1 || diff > 1 {
			t.Errorf("linearGainToQ8(%f) = %d, want ~%d", c.factor, got, c.want)
		}
	}
}

func TestSendSilenceRequiresConnection(t *testing.T) {
	s := New(Config{UserID: 1})
	if err := s.SendSilence(100); err == nil {
		t.Fatal("expected an error before connect")
	}
	if err := s.InsertMarker("intro"); err == nil {
		t.Fatal("expected an error before connect")
	}
}
