// Package dvoice implements a Discord-style real-time voice session: the
// websocket control-plane state machine, UDP media transport with
// XChaCha20-Poly1305 packet encryption, an optional MLS-based end-to-end
// encryption layer ("DAVE"), and the send/receive audio pipelines that sit
// on top of them.
//
// A Session is not safe for concurrent use except where documented; the
// gateway read loop, heartbeat loop, UDP send loop, and voice courier each
// run on their own goroutine and communicate back to the caller only
// through the On* event callbacks registered before Connect.
package dvoice

import (
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kelonet/dvoice/internal/cipher"
	"github.com/kelonet/dvoice/internal/courier"
	"github.com/kelonet/dvoice/internal/davecrypt"
	"github.com/kelonet/dvoice/internal/mls"
	"github.com/kelonet/dvoice/internal/qos"
	"github.com/kelonet/dvoice/internal/rtp"
	"github.com/kelonet/dvoice/internal/udploop"
)

// daveDisabledVersion is the DAVE protocol version meaning "end-to-end
// encryption is off"; any value greater than this negotiates DAVE.
const daveDisabledVersion = 0

// maxDaveProtocolVersion is the highest DAVE protocol version this session
// offers during IDENTIFY.
const maxDaveProtocolVersion = 1

// daveDowngradeGrace is how long a decryptor keeps accepting unencrypted
// frames after DAVE downgrades back to disabled, tolerating frames already
// in flight under the old encrypted epoch.
const daveDowngradeGrace = 10 * time.Second

// Config configures a new Session.
type Config struct {
	ServerID  string
	ChannelID string
	UserID    uint64
	SessionID string
	Token     string
	// Endpoint is the voice server's websocket host (no scheme), as handed
	// out by the parent text/signaling connection.
	Endpoint string

	// EnableDAVE opts into negotiating end-to-end encryption. If the server
	// doesn't support it, the session falls back to transport-only
	// encryption.
	EnableDAVE bool

	// SignatureKey is this identity's ed25519 DAVE signing key. Nil loads
	// (or creates) the persisted key for SessionID via
	// LoadOrCreateSignatureKey; with no SessionID either, a transient key
	// lives only as long as the session.
	SignatureKey ed25519.PrivateKey

	// JitterDepth is the receive-side parking lot depth in 20ms frames.
	// Zero selects a sensible default.
	JitterDepth int

	Logger Logger

	// Dialer overrides the websocket dial, for tests. Nil uses a
	// websocket.Dialer with a 10s handshake timeout and a TLS 1.2+ config
	// that verifies the server certificate.
	Dialer *websocket.Dialer

	// Timescale feeds internal/udploop's pacing: 1 (or 0, the default) is
	// real-time; a negative value disables sleeping (tests only).
	Timescale float64
}

// Session is one voice connection: gateway control plane, UDP media
// transport, and (optionally) DAVE end-to-end encryption.
type Session struct {
	cfg    Config
	logger Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	udpConn net.PacketConn
	udpAddr *net.UDPAddr
	send    *udploop.Loop

	ssrc       uint32
	secretKey  [cipher.TransportKeyBytes]byte
	transport  *cipher.Transport
	nonceOut   atomic.Uint32
	rtpSeq     atomic.Uint32 // wraps into uint16
	rtpTS      atomic.Uint32

	daveVersion   atomic.Int32
	mlsSession    *mls.Session
	encryptor     *davecrypt.Encryptor
	decryptorsMu  sync.Mutex
	decryptors    map[uint64]*davecrypt.Decryptor
	ssrcToUser    sync.Map // uint32 -> uint64
	userToSSRC    sync.Map // uint64 -> uint32
	recognizedMu  sync.Mutex
	recognized    map[uint64]bool
	pendingRemove map[uint64]bool

	transitionMu      sync.Mutex
	pendingTransition pendingTransition
	privacyCode       atomic.Value // string
	speakingSent      atomic.Bool

	sendPipeline *sendPipeline
	encPipeline  sync.Mutex

	courier *courier.Courier

	heartbeatInterval   time.Duration
	heartbeatSeqAck     atomic.Int64
	lastHeartbeatAckAge atomic.Int64 // unix nanos of last ack
	rttNanos            atomic.Int64 // heartbeat round trip, for adaptation
	jitterMicros        atomic.Int64 // EWMA inter-arrival jitter
	adaptRunning        atomic.Bool
	daveOutSeq          uint32 // atomic, this session's outgoing dave frame sequence

	terminating      atomic.Bool
	heartbeatRunning atomic.Bool
	doneCh           chan struct{}
	closeOnce        sync.Once

	readyOnce sync.Once

	onReady                 func(ReadyEvent)
	onBufferSend            func(BufferSendEvent)
	onTrackMarker           func(TrackMarkerEvent)
	onVoiceReceive          func(VoiceReceiveEvent)
	onVoiceReceiveCombined  func(VoiceReceiveCombinedEvent)
	onUserTalking           func(UserTalkingEvent)
	onClientSpeaking        func(ClientSpeakingEvent)
	onClientDisconnect      func(ClientDisconnectEvent)
	onLog                   func(LogEvent)
}

// New builds a Session. Call Connect to open the gateway and UDP
// connections.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.JitterDepth <= 0 {
		cfg.JitterDepth = 3
	}
	s := &Session{
		cfg:           cfg,
		logger:        logger,
		decryptors:    make(map[uint64]*davecrypt.Decryptor),
		recognized:    make(map[uint64]bool),
		pendingRemove: make(map[uint64]bool),
		doneCh:        make(chan struct{}),
	}
	return s
}

// pendingTransition is an announced but not-yet-applied DAVE protocol
// upgrade/downgrade, applied atomically on EXECUTE_TRANSITION.
type pendingTransition struct {
	id      uint16
	version int32
	active  bool
}

// Connect dials the gateway websocket, completes IDENTIFY/READY/
// SELECT_PROTOCOL/SESSION_DESCRIPTION, opens the UDP socket, and starts the
// background read, heartbeat, send, and courier loops. It returns once the
// session is ready to send and receive audio, or an error classified via
// VoiceError/ErrorKind.
func (s *Session) Connect() error {
	conn, err := s.dialGateway()
	if err != nil {
		return err
	}

	if err := s.sendIdentify(); err != nil {
		_ = conn.Close()
		return err
	}

	ready, err := s.readReady()
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.ssrc = ready.SSRC

	if err := s.setupUDP(ready); err != nil {
		_ = conn.Close()
		return err
	}

	s.startGatewayLoops()
	return nil
}

// dialGateway opens the websocket and consumes the HELLO, leaving the
// connection installed and the heartbeat interval recorded.
func (s *Session) dialGateway() (*websocket.Conn, error) {
	addr, err := normalizeServerAddr(s.cfg.Endpoint)
	if err != nil {
		return nil, newVoiceErr(ErrKindInvalidInput, "Connect: normalize endpoint", err)
	}

	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	u := url.URL{Scheme: "wss", Host: addr, Path: "/", RawQuery: "v=" + gatewayVersion}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, newVoiceErr(ErrKindProtocolFatal, "Connect: dial", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	hello, err := s.readHello()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.heartbeatInterval = time.Duration(hello.HeartbeatIntervalMS * float64(time.Millisecond))
	return conn, nil
}

// resume re-dials the gateway and sends RESUME with the last acknowledged
// sequence instead of a fresh IDENTIFY; the server continues the session
// (RESUMED arrives on the read loop) with the UDP state intact.
func (s *Session) resume() error {
	conn, err := s.dialGateway()
	if err != nil {
		return err
	}
	if err := s.sendResume(); err != nil {
		_ = conn.Close()
		return newVoiceErr(ErrKindProtocolRecoverable, "resume", err)
	}
	s.startGatewayLoops()
	return nil
}

func (s *Session) startGatewayLoops() {
	if !s.heartbeatRunning.Swap(true) {
		go s.heartbeatLoop()
	}
	go s.readLoop()
}

func (s *Session) readHello() (helloPayload, error) {
	var msg gatewayMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return helloPayload{}, newVoiceErr(ErrKindProtocolFatal, "readHello", err)
	}
	if msg.Op != opHello {
		return helloPayload{}, newVoiceErr(ErrKindProtocolFatal, "readHello", fmt.Errorf("expected op %d, got %d", opHello, msg.Op))
	}
	var hp helloPayload
	if err := json.Unmarshal(msg.D, &hp); err != nil {
		return helloPayload{}, newVoiceErr(ErrKindProtocolFatal, "readHello: unmarshal", err)
	}
	return hp, nil
}

func (s *Session) sendIdentify() error {
	payload := identifyPayload{
		ServerID:  s.cfg.ServerID,
		UserID:    fmt.Sprintf("%d", s.cfg.UserID),
		SessionID: s.cfg.SessionID,
		Token:     s.cfg.Token,
	}
	if s.cfg.EnableDAVE {
		payload.MaxDaveProtoVersion = maxDaveProtocolVersion
	}
	raw, err := encodeOp(opIdentify, payload)
	if err != nil {
		return newVoiceErr(ErrKindProtocolFatal, "sendIdentify", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return newVoiceErr(ErrKindProtocolFatal, "sendIdentify: write", err)
	}
	return nil
}

func (s *Session) sendResume() error {
	payload := resumePayload{
		ServerID:  s.cfg.ServerID,
		SessionID: s.cfg.SessionID,
		Token:     s.cfg.Token,
		SeqAck:    int(s.heartbeatSeqAck.Load()),
	}
	raw, err := encodeOp(opResume, payload)
	if err != nil {
		return newVoiceErr(ErrKindProtocolFatal, "sendResume", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Session) readReady() (readyPayload, error) {
	var msg gatewayMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return readyPayload{}, newVoiceErr(ErrKindProtocolFatal, "readReady", err)
	}
	if msg.Op != opReady {
		return readyPayload{}, newVoiceErr(ErrKindProtocolFatal, "readReady", fmt.Errorf("expected op %d, got %d", opReady, msg.Op))
	}
	var rp readyPayload
	if err := json.Unmarshal(msg.D, &rp); err != nil {
		return readyPayload{}, newVoiceErr(ErrKindProtocolFatal, "readReady: unmarshal", err)
	}
	return rp, nil
}

// setupUDP opens the UDP socket, performs IP discovery, sends
// SELECT_PROTOCOL, and waits for SESSION_DESCRIPTION to arm encryption and
// start the receive courier.
func (s *Session) setupUDP(ready readyPayload) error {
	if s.udpConn != nil {
		_ = s.udpConn.Close() // reconnect: stop the previous read loop
	}
	raddr := &net.UDPAddr{IP: net.ParseIP(ready.IP), Port: ready.Port}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return newVoiceErr(ErrKindIPDiscovery, "setupUDP: dial", err)
	}
	s.udpConn = conn
	s.udpAddr = raddr

	probe := rtp.BuildIPDiscoveryProbe(s.ssrc)
	if _, err := conn.Write(probe); err != nil {
		return newVoiceErr(ErrKindIPDiscovery, "setupUDP: send probe", err)
	}
	resp := make([]byte, 128)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(resp)
	if err != nil {
		return newVoiceErr(ErrKindIPDiscovery, "setupUDP: read probe response", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	extAddr, extPort, ok := rtp.ParseIPDiscoveryResponse(resp[:n])
	if !ok {
		return newVoiceErr(ErrKindIPDiscovery, "setupUDP: parse probe response", fmt.Errorf("malformed response"))
	}

	sel := selectProtocolPayload{
		Protocol: "udp",
		Data: selectProtocolData{
			Address: extAddr,
			Port:    int(extPort),
			Mode:    "aead_xchacha20_poly1305_rtpsize",
		},
	}
	raw, err := encodeOp(opSelectProtocol, sel)
	if err != nil {
		return newVoiceErr(ErrKindProtocolFatal, "setupUDP: marshal select protocol", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return newVoiceErr(ErrKindProtocolFatal, "setupUDP: send select protocol", err)
	}

	desc, err := s.readSessionDescription()
	if err != nil {
		return err
	}
	return s.armEncryption(desc)
}

func (s *Session) readSessionDescription() (sessionDescriptionPayload, error) {
	var msg gatewayMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return sessionDescriptionPayload{}, newVoiceErr(ErrKindProtocolFatal, "readSessionDescription", err)
	}
	if msg.Op != opSessionDescription {
		return sessionDescriptionPayload{}, newVoiceErr(ErrKindProtocolFatal, "readSessionDescription", fmt.Errorf("expected op %d, got %d", opSessionDescription, msg.Op))
	}
	var sd sessionDescriptionPayload
	if err := json.Unmarshal(msg.D, &sd); err != nil {
		return sessionDescriptionPayload{}, newVoiceErr(ErrKindProtocolFatal, "readSessionDescription: unmarshal", err)
	}
	return sd, nil
}

// armEncryption installs the transport cipher, boots an MLS session if DAVE
// was negotiated, and starts the UDP send loop and voice courier.
func (s *Session) armEncryption(desc sessionDescriptionPayload) error {
	if len(desc.SecretKey) != cipher.TransportKeyBytes {
		return newVoiceErr(ErrKindInvalidInput, "armEncryption", fmt.Errorf("secret key must be %d bytes, got %d", cipher.TransportKeyBytes, len(desc.SecretKey)))
	}
	copy(s.secretKey[:], desc.SecretKey)
	transport, err := cipher.NewTransport(s.secretKey[:])
	if err != nil {
		return newVoiceErr(ErrKindInvalidInput, "armEncryption: new transport", err)
	}
	s.transport = transport
	s.nonceOut.Store(0) // a new secret key restarts the packet nonce at 1
	s.daveVersion.Store(int32(desc.DaveProtocolVersion))

	if desc.DaveProtocolVersion > daveDisabledVersion {
		sigPriv := s.cfg.SignatureKey
		if sigPriv == nil {
			sigPriv, err = LoadOrCreateSignatureKey(s.cfg.SessionID)
			if err != nil {
				s.logf("warn", fmt.Sprintf("dvoice: signature key store: %v, using a transient key", err))
			}
		}
		mlsSession, err := mls.New(s.cfg.UserID, sigPriv)
		if err != nil {
			return newVoiceErr(ErrKindMLSFailure, "armEncryption: new mls session", err)
		}
		s.mlsSession = mlsSession
		s.encryptor = davecrypt.NewEncryptor(nil, time.Now)
	}

	enc, err := newOpusEncoder()
	if err != nil {
		return newVoiceErr(ErrKindInvalidInput, "armEncryption: new opus encoder", err)
	}
	s.sendPipeline = newSendPipeline(enc)

	if s.send != nil {
		s.send.Stop() // reconnect: retire the previous send loop
	}
	if s.courier != nil {
		s.courier.Terminate()
	}
	s.send = udploop.New(s.udpSend, udploop.PacingRecorded, s.timescaleOrDefault())
	s.send.OnTrackMarker(func(metadata string) { s.fireTrackMarker(metadata) })
	s.send.OnBufferSend(func(remaining int) { s.fireBufferSend(remaining) })
	go s.send.Run()

	s.courier = courier.New(courier.Config{
		Depth:        s.cfg.JitterDepth,
		NewDecoder:   courierDecoderFactory,
		Transport:    s.transport,
		DecryptorFor: s.decryptorForSSRC,
		OnReceive:    s.onCourierReceive,
		OnCombined:   s.onCourierCombined,
		OnLog:        func(level, msg string) { s.logf(level, msg) },
	})
	go s.courier.Run()

	go s.udpReadLoop(s.udpConn.(*net.UDPConn))
	if !s.adaptRunning.Swap(true) {
		go s.adaptLoop()
	}

	// With DAVE negotiated, ready waits for the MLS bootstrap: it fires once
	// the first key ratchet binds (installRatchet). Without it, the session
	// is usable as soon as the transport key is armed.
	if desc.DaveProtocolVersion == daveDisabledVersion {
		s.readyOnce.Do(func() { s.fireReady() })
	}
	return nil
}

func (s *Session) timescaleOrDefault() float64 {
	if s.cfg.Timescale == 0 {
		return 1
	}
	return s.cfg.Timescale
}

func courierDecoderFactory() (courier.OpusDecoder, error) {
	return newOpusDecoder()
}

func (s *Session) decryptorForSSRC(ssrc uint32) *davecrypt.Decryptor {
	v, ok := s.ssrcToUser.Load(ssrc)
	if !ok {
		return nil
	}
	userID := v.(uint64)
	s.decryptorsMu.Lock()
	defer s.decryptorsMu.Unlock()
	return s.decryptors[userID]
}

func (s *Session) onCourierReceive(ssrc uint32, pcm []int16) {
	userID := uint64(ssrc) // fall back to the raw ssrc for unmapped speakers
	if v, ok := s.ssrcToUser.Load(ssrc); ok {
		userID = v.(uint64)
	}
	s.fireVoiceReceive(userID, pcm)
}

func (s *Session) onCourierCombined(pcm []int16) {
	s.fireVoiceReceiveCombined(pcm)
}

// udpSend is internal/udploop's Sender: wraps plaintext in an RTP header,
// seals with the transport cipher, and writes to the socket.
func (s *Session) udpSend(data []byte) error {
	seq := uint16(s.rtpSeq.Add(1))
	ts := s.rtpTS.Add(frameSamples)
	header := rtp.Header{Sequence: seq, Timestamp: ts, SSRC: s.ssrc}
	nonce := s.nonceOut.Add(1)
	packet, err := rtp.Seal(s.transport, header, data, nonce)
	if err != nil {
		return fmt.Errorf("dvoice: udpSend: %w", err)
	}
	_, err = s.udpConn.(*net.UDPConn).Write(packet)
	return err
}

func (s *Session) udpReadLoop(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	var lastArrival time.Time
	var jitterEWMA float64 // microseconds, RFC 3550-style smoothing
	for {
		if s.terminating.Load() {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			if s.terminating.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("warn", fmt.Sprintf("dvoice: udp read: %v", err))
			continue
		}
		now := time.Now()
		if !lastArrival.IsZero() {
			deviation := math.Abs(float64(now.Sub(lastArrival).Microseconds()) - 20_000)
			jitterEWMA += (deviation - jitterEWMA) / 16
			s.jitterMicros.Store(int64(jitterEWMA))
		}
		lastArrival = now

		packet := append([]byte{}, buf[:n]...)
		header, _, ok := rtp.ParseHeader(packet)
		if !ok {
			continue
		}
		s.courier.Feed(header.SSRC, header.Sequence, packet)
	}
}

// adaptInterval is how often the adaptation loop re-evaluates the bitrate
// ladder and jitter depth.
const adaptInterval = 5 * time.Second

// adaptLoop periodically feeds the link measurements — courier frame
// counters, heartbeat RTT, inter-arrival jitter — to the qos controller and
// applies whatever it decides: Opus encoder bitrate and parking-lot depth.
func (s *Session) adaptLoop() {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	ctl := qos.NewController()

	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
		}

		decoded, missing := s.courier.Stats()
		rttMs := float64(s.rttNanos.Load()) / 1e6
		jitterMs := float64(s.jitterMicros.Load()) / 1000

		if ctl.Observe(decoded, missing, rttMs, jitterMs) {
			bps := ctl.BitrateBPS()
			s.encPipeline.Lock()
			if s.sendPipeline != nil {
				_ = s.sendPipeline.enc.SetBitrate(bps)
			}
			s.encPipeline.Unlock()
			s.logf("info", fmt.Sprintf("dvoice: adaptive bitrate now %d kbps (loss %.1f%%, rtt %.0fms)", bps/1000, ctl.LossRate()*100, rttMs))
		}

		if jitterMs > 0 {
			s.courier.SetJitterDepth(ctl.JitterDepth())
		}
	}
}

func (s *Session) heartbeatLoop() {
	interval := s.heartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			if last := s.lastHeartbeatAckAge.Load(); last > 0 && time.Since(time.Unix(0, last)) > 3*interval {
				s.logf("warn", "dvoice: heartbeat ack overdue, closing connection to trigger reconnect")
				s.lastHeartbeatAckAge.Store(0)
				s.connMu.Lock()
				if s.conn != nil {
					_ = s.conn.Close()
				}
				s.connMu.Unlock()
				continue
			}
			hb := heartbeatPayload{T: time.Now().UnixNano(), SeqAck: int(s.heartbeatSeqAck.Load())}
			raw, err := encodeOp(opHeartbeat, hb)
			if err != nil {
				continue
			}
			s.connMu.Lock()
			err = s.conn.WriteMessage(websocket.TextMessage, raw)
			s.connMu.Unlock()
			if err != nil {
				s.logf("warn", fmt.Sprintf("dvoice: heartbeat write: %v", err))
			}
		}
	}
}

// readLoop dispatches every subsequent gateway message (JSON or binary DAVE
// frame) until the connection closes or Terminate is called.
func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.terminating.Load() {
				return
			}
			if isFatalCloseError(err) {
				s.logf("error", fmt.Sprintf("dvoice: gateway closed fatally: %v", err))
				s.Terminate()
				return
			}
			s.logf("error", fmt.Sprintf("dvoice: gateway read: %v", err))
			s.reconnect()
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleJSONMessage(data)
		case websocket.BinaryMessage:
			s.handleDaveFrame(data)
		}
	}
}

func (s *Session) handleJSONMessage(data []byte) {
	var msg gatewayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logf("warn", fmt.Sprintf("dvoice: malformed gateway message: %v", err))
		return
	}
	if msg.Seq > 0 {
		s.heartbeatSeqAck.Store(msg.Seq)
	}
	switch msg.Op {
	case opHeartbeatAck:
		now := time.Now()
		s.lastHeartbeatAckAge.Store(now.UnixNano())
		var ack heartbeatPayload
		if err := json.Unmarshal(msg.D, &ack); err == nil && ack.T > 0 {
			s.rttNanos.Store(now.UnixNano() - ack.T)
		}
	case opResumed:
		s.logf("info", "dvoice: resumed")
	case opSpeaking:
		var sp speakingPayload
		if err := json.Unmarshal(msg.D, &sp); err == nil {
			userID := parseUserID(sp.UserID)
			s.ssrcToUser.Store(sp.SSRC, userID)
			s.userToSSRC.Store(userID, sp.SSRC)
			s.fireClientSpeaking(userID, sp.SSRC)
			s.fireUserTalking(userID, sp.Speaking != 0)
		}
	case opClientsConnect:
		var cc clientsConnectPayload
		if err := json.Unmarshal(msg.D, &cc); err == nil {
			s.recognizedMu.Lock()
			for _, raw := range cc.UserIDs {
				userID := parseUserID(raw)
				s.recognized[userID] = true
				delete(s.pendingRemove, userID)
			}
			s.recognizedMu.Unlock()
		}
	case opClientDisconnect:
		var cd clientDisconnectPayload
		if err := json.Unmarshal(msg.D, &cd); err == nil {
			userID := parseUserID(cd.UserID)
			s.recognizedMu.Lock()
			delete(s.recognized, userID)
			s.pendingRemove[userID] = true
			s.recognizedMu.Unlock()
			if v, ok := s.userToSSRC.Load(userID); ok {
				s.ssrcToUser.Delete(v.(uint32))
				s.userToSSRC.Delete(userID)
			}
			s.decryptorsMu.Lock()
			delete(s.decryptors, userID)
			s.decryptorsMu.Unlock()
			s.fireClientDisconnect(userID)
		}
	default:
		s.logf("debug", fmt.Sprintf("dvoice: unhandled gateway op %d", msg.Op))
	}
}

func parseUserID(s string) uint64 {
	var id uint64
	_, _ = fmt.Sscanf(s, "%d", &id)
	return id
}

// Voice gateway close codes 4004-4016 are unrecoverable session errors,
// except 4014 (moved/disconnected by the server), which a reconnect can
// survive.
func isFatalCloseError(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code >= 4004 && ce.Code <= 4016 && ce.Code != 4014
}

const (
	reconnectAttempts = 5
	reconnectBackoff  = 5 * time.Second
)

// reconnect retries the connection with a fixed backoff, bounded at
// reconnectAttempts: one RESUME using the last known session id and
// sequence first, then full re-identifies.
func (s *Session) reconnect() {
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if s.terminating.Load() {
			return
		}
		s.logf("warn", fmt.Sprintf("dvoice: gateway connection lost, reconnect attempt %d/%d", attempt, reconnectAttempts))
		var err error
		if attempt == 1 {
			err = s.resume()
		} else {
			err = s.Connect()
		}
		if err == nil {
			return
		}
		s.logf("warn", fmt.Sprintf("dvoice: reconnect attempt %d failed: %v", attempt, err))
		select {
		case <-s.doneCh:
			return
		case <-time.After(reconnectBackoff):
		}
	}
	s.logf("error", "dvoice: reconnect attempts exhausted, terminating session")
	s.Terminate()
}

// Terminate closes the session: the websocket, the UDP socket, and every
// background loop.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		s.terminating.Store(true)
		close(s.doneCh)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
		if s.send != nil {
			s.send.Stop()
		}
		if s.courier != nil {
			s.courier.Terminate()
		}
	})
}
