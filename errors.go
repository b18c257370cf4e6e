package dvoice

import "github.com/kelonet/dvoice/internal/voiceerr"

// ErrorKind classifies a VoiceError by severity, per the error handling
// design: some are fatal to the session, some recoverable, some mean
// "drop this packet".
type ErrorKind = voiceerr.Kind

const (
	ErrKindUnknown             = voiceerr.KindUnknown
	ErrKindProtocolFatal       = voiceerr.KindProtocolFatal
	ErrKindProtocolRecoverable = voiceerr.KindProtocolRecoverable
	ErrKindKeyMiss             = voiceerr.KindKeyMiss
	ErrKindReplay              = voiceerr.KindReplay
	ErrKindCodecValidation     = voiceerr.KindCodecValidation
	ErrKindMLSFailure          = voiceerr.KindMLSFailure
	ErrKindIPDiscovery         = voiceerr.KindIPDiscovery
	ErrKindInvalidInput        = voiceerr.KindInvalidInput
)

// VoiceError is a voice-subsystem error tagged with an ErrorKind, so callers
// can errors.As on the kind instead of matching message text.
type VoiceError = voiceerr.Error

// newVoiceErr is a small convenience wrapper kept local to this package so
// call sites read as "newVoiceErr(kind, op, err)" without importing
// internal/voiceerr directly.
func newVoiceErr(kind ErrorKind, op string, err error) *VoiceError {
	return voiceerr.New(kind, op, err)
}
