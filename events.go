package dvoice

// ReadyEvent fires once the UDP endpoint is open, IP discovery has
// completed, and (if DAVE is not negotiated) the session is fully armed.
type ReadyEvent struct{}

// BufferSendEvent fires after every outbound packet send, carrying the
// count of queued (non-marker) packets still pending.
type BufferSendEvent struct {
	Remaining int
}

// TrackMarkerEvent fires when the outbound sender reaches a marker sentinel
// inserted by InsertMarker.
type TrackMarkerEvent struct {
	Metadata string
}

// VoiceReceiveEvent carries one speaker's decoded 20ms PCM frame.
type VoiceReceiveEvent struct {
	UserID uint64
	PCM    []int16
}

// VoiceReceiveCombinedEvent carries the mixed PCM frame across every active
// speaker for one courier iteration.
type VoiceReceiveCombinedEvent struct {
	PCM []int16
}

// UserTalkingEvent fires when a speaker's speaking flag changes.
type UserTalkingEvent struct {
	UserID   uint64
	Speaking bool
}

// ClientSpeakingEvent fires on an inbound SPEAKING opcode, associating an
// SSRC with a user id.
type ClientSpeakingEvent struct {
	UserID uint64
	SSRC   uint32
}

// ClientDisconnectEvent fires when a user leaves the voice channel.
type ClientDisconnectEvent struct {
	UserID uint64
}

// LogEvent is the host-facing mirror of a Logger call, for hosts that want
// to observe session-internal logging as an event rather than a Logger
// implementation.
type LogEvent struct {
	Level   string
	Message string
}

// SetOnReady registers the callback fired on ReadyEvent.
func (s *Session) SetOnReady(fn func(ReadyEvent)) { s.onReady = fn }

// SetOnBufferSend registers the callback fired on BufferSendEvent.
func (s *Session) SetOnBufferSend(fn func(BufferSendEvent)) { s.onBufferSend = fn }

// SetOnTrackMarker registers the callback fired on TrackMarkerEvent.
func (s *Session) SetOnTrackMarker(fn func(TrackMarkerEvent)) { s.onTrackMarker = fn }

// SetOnVoiceReceive registers the callback fired on VoiceReceiveEvent.
func (s *Session) SetOnVoiceReceive(fn func(VoiceReceiveEvent)) { s.onVoiceReceive = fn }

// SetOnVoiceReceiveCombined registers the callback fired on
// VoiceReceiveCombinedEvent.
func (s *Session) SetOnVoiceReceiveCombined(fn func(VoiceReceiveCombinedEvent)) {
	s.onVoiceReceiveCombined = fn
}

// SetOnUserTalking registers the callback fired on UserTalkingEvent.
func (s *Session) SetOnUserTalking(fn func(UserTalkingEvent)) { s.onUserTalking = fn }

// SetOnClientSpeaking registers the callback fired on ClientSpeakingEvent.
func (s *Session) SetOnClientSpeaking(fn func(ClientSpeakingEvent)) { s.onClientSpeaking = fn }

// SetOnClientDisconnect registers the callback fired on
// ClientDisconnectEvent.
func (s *Session) SetOnClientDisconnect(fn func(ClientDisconnectEvent)) {
	s.onClientDisconnect = fn
}

// SetOnLog registers the callback fired on every internal log line, in
// addition to whatever Logger the session was constructed with.
func (s *Session) SetOnLog(fn func(LogEvent)) { s.onLog = fn }

func (s *Session) fireReady() {
	if s.onReady != nil {
		s.onReady(ReadyEvent{})
	}
}

func (s *Session) fireBufferSend(remaining int) {
	if s.onBufferSend != nil {
		s.onBufferSend(BufferSendEvent{Remaining: remaining})
	}
}

func (s *Session) fireTrackMarker(metadata string) {
	if s.onTrackMarker != nil {
		s.onTrackMarker(TrackMarkerEvent{Metadata: metadata})
	}
}

func (s *Session) fireVoiceReceive(userID uint64, pcm []int16) {
	if s.onVoiceReceive != nil {
		s.onVoiceReceive(VoiceReceiveEvent{UserID: userID, PCM: pcm})
	}
}

func (s *Session) fireVoiceReceiveCombined(pcm []int16) {
	if s.onVoiceReceiveCombined != nil {
		s.onVoiceReceiveCombined(VoiceReceiveCombinedEvent{PCM: pcm})
	}
}

func (s *Session) fireUserTalking(userID uint64, speaking bool) {
	if s.onUserTalking != nil {
		s.onUserTalking(UserTalkingEvent{UserID: userID, Speaking: speaking})
	}
}

func (s *Session) fireClientSpeaking(userID uint64, ssrc uint32) {
	if s.onClientSpeaking != nil {
		s.onClientSpeaking(ClientSpeakingEvent{UserID: userID, SSRC: ssrc})
	}
}

func (s *Session) fireClientDisconnect(userID uint64) {
	if s.onClientDisconnect != nil {
		s.onClientDisconnect(ClientDisconnectEvent{UserID: userID})
	}
}

func (s *Session) logf(level, msg string, kv ...any) {
	switch level {
	case "debug":
		s.logger.Debug(msg, kv...)
	case "warn":
		s.logger.Warn(msg, kv...)
	case "error":
		s.logger.Error(msg, kv...)
	default:
		s.logger.Info(msg, kv...)
	}
	if s.onLog != nil {
		s.onLog(LogEvent{Level: level, Message: msg})
	}
}
