package dvoice

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// gatewayVersion is the voice gateway protocol version requested at dial
// time (the v= query parameter); version 8 adds the DAVE opcodes.
const gatewayVersion = "8"

// Voice gateway opcodes, carried as the "op" field of every JSON
// control message.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
	opClientsConnect     = 11
	opClientDisconnect   = 13
)

// DAVE protocol opcodes, carried as binary websocket frames rather than
// JSON. Opcodes announceCommitTransition (29) and mlsWelcome (30) alone
// carry a transition id field in the frame header.
const (
	opDavePrepareTransition           = 21
	opDaveExecuteTransition           = 22
	opDaveTransitionReady             = 23
	opDavePrepareEpoch                = 24
	opDaveMLSExternalSender           = 25
	opDaveMLSKeyPackage               = 26
	opDaveMLSProposals                = 27
	opDaveMLSCommitWelcome            = 28
	opDaveMLSAnnounceCommitTransition = 29
	opDaveMLSWelcome                  = 30
	opDaveMLSInvalidCommitWelcome     = 31
)

// gatewayMessage is the envelope every JSON control message is wrapped in.
// Seq is the server-assigned sequence number (gateway v8+), echoed back in
// heartbeats and RESUME for replay on reconnect.
type gatewayMessage struct {
	Op  int             `json:"op"`
	D   json.RawMessage `json:"d,omitempty"`
	Seq int64           `json:"seq,omitempty"`
}

func encodeOp(op int, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dvoice: marshal op %d payload: %w", op, err)
	}
	return json.Marshal(gatewayMessage{Op: op, D: d})
}

type identifyPayload struct {
	ServerID            string `json:"server_id"`
	UserID              string `json:"user_id"`
	SessionID           string `json:"session_id"`
	Token               string `json:"token"`
	MaxDaveProtoVersion int    `json:"max_dave_protocol_version,omitempty"`
}

type resumePayload struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    int    `json:"seq_ack"`
}

type helloPayload struct {
	HeartbeatIntervalMS float64 `json:"heartbeat_interval"`
}

type readyPayload struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionPayload struct {
	Mode                string `json:"mode"`
	SecretKey           []byte `json:"secret_key"`
	DaveProtocolVersion int    `json:"dave_protocol_version"`
}

type speakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

type heartbeatPayload struct {
	T      int64 `json:"t"`
	SeqAck int   `json:"seq_ack"`
}

type clientsConnectPayload struct {
	UserIDs []string `json:"user_ids"`
}

type clientDisconnectPayload struct {
	UserID string `json:"user_id"`
}

// daveFrameHeaderLen is the fixed uint16 seq + uint8 opcode prefix on every
// binary DAVE frame; opcodes carrying a transition id add 2 more
// bytes immediately after.
const daveFrameHeaderLen = 3

// hasTransitionID reports whether opcode's binary frame carries a 2-byte
// transition id after the fixed header.
func hasTransitionID(opcode uint8) bool {
	return opcode == opDaveMLSAnnounceCommitTransition || opcode == opDaveMLSWelcome
}

// daveFrame is a parsed binary DAVE control frame.
type daveFrame struct {
	Seq            uint16
	Opcode         uint8
	TransitionID   uint16
	HasTransition  bool
	Payload        []byte
}

// encodeDaveFrame builds a binary DAVE frame: seq(2) | opcode(1) |
// [transition_id(2)] | payload, all big-endian.
func encodeDaveFrame(seq uint16, opcode uint8, transitionID uint16, payload []byte) []byte {
	size := daveFrameHeaderLen + len(payload)
	if hasTransitionID(opcode) {
		size += 2
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], seq)
	buf[2] = opcode
	offset := 3
	if hasTransitionID(opcode) {
		binary.BigEndian.PutUint16(buf[offset:offset+2], transitionID)
		offset += 2
	}
	copy(buf[offset:], payload)
	return buf
}

// decodeDaveFrame parses a binary DAVE frame.
func decodeDaveFrame(data []byte) (daveFrame, error) {
	if len(data) < daveFrameHeaderLen {
		return daveFrame{}, fmt.Errorf("dvoice: dave frame too short: %d bytes", len(data))
	}
	f := daveFrame{
		Seq:    binary.BigEndian.Uint16(data[0:2]),
		Opcode: data[2],
	}
	offset := 3
	if hasTransitionID(f.Opcode) {
		if len(data) < offset+2 {
			return daveFrame{}, fmt.Errorf("dvoice: dave frame missing transition id")
		}
		f.TransitionID = binary.BigEndian.Uint16(data[offset : offset+2])
		f.HasTransition = true
		offset += 2
	}
	f.Payload = data[offset:]
	return f, nil
}
