package dvoice

import (
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kelonet/dvoice/internal/davecrypt"
	"github.com/kelonet/dvoice/internal/leb128"
	"github.com/kelonet/dvoice/internal/mls"
	"github.com/kelonet/dvoice/internal/ratchet"
)

// handleDaveFrame dispatches one inbound binary DAVE control frame. It is a
// no-op if DAVE was never negotiated for this session.
func (s *Session) handleDaveFrame(data []byte) {
	frame, err := decodeDaveFrame(data)
	if err != nil {
		s.logf("warn", fmt.Sprintf("dvoice: malformed dave frame: %v", err))
		return
	}
	if s.mlsSession == nil {
		s.logf("debug", "dvoice: dropping dave frame, no mls session established")
		return
	}

	switch frame.Opcode {
	case opDaveMLSExternalSender:
		if len(frame.Payload) == ed25519.PublicKeySize {
			s.mlsSession.SetExternalSender(ed25519.PublicKey(frame.Payload))
		}
	case opDavePrepareEpoch:
		s.handlePrepareEpoch(frame)
	case opDaveMLSProposals:
		s.handleMLSProposals(frame)
	case opDaveMLSAnnounceCommitTransition:
		s.handleAnnounceCommitTransition(frame)
	case opDaveMLSWelcome:
		s.handleMLSWelcome(frame)
	case opDaveMLSInvalidCommitWelcome:
		s.logf("warn", "dvoice: server rejected our commit/welcome, re-preparing epoch")
		s.mlsSession.ResetForNewEpoch()
	case opDavePrepareTransition:
		s.handlePrepareTransition(frame)
	case opDaveExecuteTransition:
		s.handleExecuteTransition(frame)
	default:
		s.logf("debug", fmt.Sprintf("dvoice: unhandled dave opcode %d", frame.Opcode))
	}
}

// handlePrepareTransition stashes an announced (not yet applied) protocol
// upgrade/downgrade. A transition id of 0 applies immediately; any other id
// is acknowledged with TRANSITION_READY and applied on EXECUTE_TRANSITION.
func (s *Session) handlePrepareTransition(frame daveFrame) {
	transitionID, n, ok := leb128.Read(frame.Payload)
	if !ok {
		s.logf("warn", "dvoice: malformed prepare transition frame")
		return
	}
	version, _, ok := leb128.Read(frame.Payload[n:])
	if !ok {
		s.logf("warn", "dvoice: malformed prepare transition frame")
		return
	}
	if version > maxDaveProtocolVersion {
		s.logf("warn", fmt.Sprintf("dvoice: prepare transition carries unsupported dave protocol version %d, keeping version %d", version, s.daveVersion.Load()))
		return
	}

	s.transitionMu.Lock()
	s.pendingTransition = pendingTransition{id: uint16(transitionID), version: int32(version), active: true}
	s.transitionMu.Unlock()

	if transitionID == 0 {
		s.executeTransition(uint16(transitionID))
		return
	}
	s.writeDaveFrame(opDaveTransitionReady, 0, leb128.Write(nil, transitionID))
}

func (s *Session) handleExecuteTransition(frame daveFrame) {
	transitionID, _, ok := leb128.Read(frame.Payload)
	if !ok {
		s.logf("warn", "dvoice: malformed execute transition frame")
		return
	}
	s.executeTransition(uint16(transitionID))
}

// executeTransition applies a pending protocol upgrade/downgrade, or — when
// the pending transition doesn't change the version — replaces every
// member's media key ratchet with the current epoch's export. Ratchet
// replacement is the atomic keying point: the next Encrypt and the courier's
// next drain observe the new keys, never a packet mid-way.
func (s *Session) executeTransition(transitionID uint16) {
	s.transitionMu.Lock()
	pending := s.pendingTransition
	s.pendingTransition = pendingTransition{}
	s.transitionMu.Unlock()

	current := s.daveVersion.Load()
	if pending.active && pending.version != current {
		s.daveVersion.Store(pending.version)
		if pending.version == daveDisabledVersion {
			s.logf("info", fmt.Sprintf("dvoice: dave transition %d downgraded to passthrough", transitionID))
			s.encryptor.SetPassthroughMode(true)
			s.decryptorsMu.Lock()
			for _, d := range s.decryptors {
				d.TransitionToPassthroughMode(time.Now().Add(daveDowngradeGrace))
			}
			s.decryptorsMu.Unlock()
			s.refreshPrivacyCode()
			return
		}
		s.logf("info", fmt.Sprintf("dvoice: dave transition %d upgraded to protocol version %d", transitionID, pending.version))
		s.encryptor.SetPassthroughMode(false)
	}

	s.updateRatchets()
	s.refreshPrivacyCode()
}

// updateRatchets re-exports every roster member's media secret from the
// current MLS epoch, replacing their decryptor's key ratchet (and, for this
// session's own user, the encryptor's).
func (s *Session) updateRatchets() {
	for userID := range s.mlsSession.Roster() {
		secret, err := s.mlsSession.ExportSecret(userID)
		if err != nil {
			s.logf("warn", fmt.Sprintf("dvoice: export secret for user %d: %v", userID, err))
			continue
		}
		s.installRatchet(userID, ratchet.New(secret))
	}
}

// installRatchet binds a fresh key ratchet for userID: the encryptor for our
// own user, a (possibly new) per-user decryptor otherwise.
func (s *Session) installRatchet(userID uint64, r *ratchet.HashRatchet) {
	if userID == s.cfg.UserID {
		s.encryptor.SetKeyRatchet(r)
		s.readyOnce.Do(func() { s.fireReady() })
		return
	}
	s.decryptorsMu.Lock()
	d, ok := s.decryptors[userID]
	if !ok {
		d = davecrypt.NewDecryptor(time.Now)
		s.decryptors[userID] = d
	}
	s.decryptorsMu.Unlock()
	d.TransitionToKeyRatchet(r)
}

// refreshPrivacyCode recomputes the epoch authenticator display code and
// logs when it changes (ratchet updates are the only mutation points).
func (s *Session) refreshPrivacyCode() {
	code := ""
	if s.mlsSession != nil && s.IsEndToEndEncrypted() {
		code = s.mlsSession.EpochAuthenticator()
	}
	old, _ := s.privacyCode.Swap(code).(string)
	if code != old && code != "" {
		s.logf("info", "dvoice: voice privacy code changed")
	}
}

func (s *Session) handlePrepareEpoch(frame daveFrame) {
	epoch, _, ok := leb128.Read(frame.Payload)
	if ok && epoch == 1 {
		s.mlsSession.ResetForNewEpoch()
	}
	leaf := s.mlsSession.SelfLeafNode()
	s.writeDaveFrame(opDaveMLSKeyPackage, 0, encodeKeyPackage(leaf.KeyPackage))
}

func (s *Session) handleMLSProposals(frame daveFrame) {
	proposals, ok := decodeProposals(frame.Payload)
	if !ok {
		s.logf("warn", "dvoice: malformed mls proposals frame")
		return
	}
	s.recognizedMu.Lock()
	recognized := make(map[uint64]bool, len(s.recognized))
	for k, v := range s.recognized {
		recognized[k] = v
	}
	s.recognizedMu.Unlock()

	transitionID := frame.Seq
	commit, welcome, err := s.mlsSession.ProcessProposals(proposals, recognized, transitionID)
	if err != nil {
		s.logf("error", fmt.Sprintf("dvoice: process proposals: %v", err))
		return
	}
	payload := encodeCommit(*commit)
	if welcome != nil {
		payload = append(payload, encodeWelcome(*welcome)...)
	}
	s.writeDaveFrame(opDaveMLSCommitWelcome, 0, payload)
}

func (s *Session) handleAnnounceCommitTransition(frame daveFrame) {
	commit, ok := decodeCommit(frame.Payload)
	if !ok {
		s.logf("warn", "dvoice: malformed commit transition frame")
		return
	}
	diff, err := s.mlsSession.ProcessCommit(commit)
	if err != nil {
		s.logf("error", fmt.Sprintf("dvoice: process commit: %v", err))
		s.recoverInvalidCommitWelcome(frame.TransitionID)
		return
	}
	s.applyRosterDiff(diff)
	s.writeDaveFrame(opDaveTransitionReady, frame.TransitionID, nil)
}

func (s *Session) handleMLSWelcome(frame daveFrame) {
	welcome, ok := decodeWelcome(frame.Payload)
	if !ok {
		s.logf("warn", "dvoice: malformed welcome frame")
		return
	}
	diff, err := s.mlsSession.ProcessWelcome(welcome)
	if err != nil {
		s.logf("error", fmt.Sprintf("dvoice: process welcome: %v", err))
		s.recoverInvalidCommitWelcome(frame.TransitionID)
		return
	}
	s.applyRosterDiff(diff)
	s.writeDaveFrame(opDaveTransitionReady, frame.TransitionID, nil)
}

// recoverInvalidCommitWelcome asks the server to reinitialize this member's
// MLS state after a commit/welcome failed to apply, and resets the local
// group so the re-issued epoch starts clean. The session itself survives.
func (s *Session) recoverInvalidCommitWelcome(transitionID uint16) {
	s.mlsSession.ResetForNewEpoch()
	s.writeDaveFrame(opDaveMLSInvalidCommitWelcome, 0, leb128.Write(nil, uint64(transitionID)))
}

// applyRosterDiff exports a fresh media secret for every changed roster
// member and installs a key ratchet for their decryptor (or, for this
// session's own id, the encryptor); removed members' decryptors are kept
// briefly so already-in-flight frames still decrypt, per
// davecrypt.Decryptor's own generation-expiry handling.
func (s *Session) applyRosterDiff(diff mls.RosterDiff) {
	for userID := range diff.Changed {
		secret, err := s.mlsSession.ExportSecret(userID)
		if err != nil {
			s.logf("warn", fmt.Sprintf("dvoice: export secret for user %d: %v", userID, err))
			continue
		}
		s.installRatchet(userID, ratchet.New(secret))
	}
	for _, userID := range diff.Removed {
		s.decryptorsMu.Lock()
		if d, ok := s.decryptors[userID]; ok {
			d.TransitionToPassthroughMode(time.Now().Add(daveDowngradeGrace))
		}
		s.decryptorsMu.Unlock()
	}
	s.refreshPrivacyCode()
}

func (s *Session) nextDaveSeq() uint16 {
	return uint16(atomic.AddUint32(&s.daveOutSeq, 1))
}

func (s *Session) writeDaveFrame(opcode uint8, transitionID uint16, payload []byte) {
	frame := encodeDaveFrame(s.nextDaveSeq(), opcode, transitionID, payload)
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.logf("warn", fmt.Sprintf("dvoice: write dave frame opcode %d: %v", opcode, err))
	}
}

// --- wire encoding for the narrow MLS policy structures ---

func encodeKeyPackage(kp mls.KeyPackage) []byte {
	buf := leb128.Write(nil, kp.UserID)
	buf = leb128.Write(buf, uint64(len(kp.SignaturePublic)))
	buf = append(buf, kp.SignaturePublic...)
	buf = leb128.Write(buf, uint64(len(kp.HPKEPublic)))
	buf = append(buf, kp.HPKEPublic...)
	return buf
}

func decodeKeyPackage(data []byte) (mls.KeyPackage, int, bool) {
	userID, n1, ok := leb128.Read(data)
	if !ok {
		return mls.KeyPackage{}, 0, false
	}
	off := n1
	sigLen, n2, ok := leb128.Read(data[off:])
	if !ok || off+n2+int(sigLen) > len(data) {
		return mls.KeyPackage{}, 0, false
	}
	off += n2
	sig := append([]byte{}, data[off:off+int(sigLen)]...)
	off += int(sigLen)
	hpkeLen, n3, ok := leb128.Read(data[off:])
	if !ok {
		return mls.KeyPackage{}, 0, false
	}
	off += n3
	if off+int(hpkeLen) > len(data) {
		return mls.KeyPackage{}, 0, false
	}
	hpke := append([]byte{}, data[off:off+int(hpkeLen)]...)
	off += int(hpkeLen)
	return mls.KeyPackage{UserID: userID, SignaturePublic: sig, HPKEPublic: hpke}, off, true
}

func encodeProposals(proposals []mls.Proposal) []byte {
	buf := leb128.Write(nil, uint64(len(proposals)))
	for _, p := range proposals {
		switch {
		case p.Add != nil:
			buf = append(buf, 0)
			buf = append(buf, encodeKeyPackage(*p.Add)...)
		case p.Remove != nil:
			buf = append(buf, 1)
			buf = leb128.Write(buf, *p.Remove)
		}
	}
	return buf
}

func decodeProposals(data []byte) ([]mls.Proposal, bool) {
	count, n, ok := leb128.Read(data)
	if !ok {
		return nil, false
	}
	off := n
	out := make([]mls.Proposal, 0, count)
	for i := uint64(0); i < count; i++ {
		if off >= len(data) {
			return nil, false
		}
		kind := data[off]
		off++
		switch kind {
		case 0:
			kp, used, ok := decodeKeyPackage(data[off:])
			if !ok {
				return nil, false
			}
			off += used
			out = append(out, mls.Proposal{Add: &kp})
		case 1:
			userID, used, ok := leb128.Read(data[off:])
			if !ok {
				return nil, false
			}
			off += used
			out = append(out, mls.Proposal{Remove: &userID})
		default:
			return nil, false
		}
	}
	return out, true
}

func encodeCommit(c mls.Commit) []byte {
	buf := make([]byte, 2)
	buf[0] = byte(c.TransitionID >> 8)
	buf[1] = byte(c.TransitionID)
	buf = leb128.Write(buf, c.Epoch)
	buf = encodeRoster(buf, c.Roster)
	buf = leb128.Write(buf, uint64(len(c.EpochSecret)))
	buf = append(buf, c.EpochSecret...)
	return buf
}

// decodeEpochRosterSecret reads the epoch/roster/secret fields common to the
// Commit and Welcome wire formats, starting at off, returning the offset
// just past the secret.
func decodeEpochRosterSecret(data []byte, off int) (epoch uint64, roster map[uint64]ed25519.PublicKey, secret []byte, next int, ok bool) {
	epoch, n, ok := leb128.Read(data[off:])
	if !ok {
		return 0, nil, nil, 0, false
	}
	off += n
	roster, used, ok := decodeRoster(data[off:])
	if !ok {
		return 0, nil, nil, 0, false
	}
	off += used
	secretLen, n2, ok := leb128.Read(data[off:])
	if !ok || off+n2+int(secretLen) > len(data) {
		return 0, nil, nil, 0, false
	}
	off += n2
	secret = append([]byte{}, data[off:off+int(secretLen)]...)
	off += int(secretLen)
	return epoch, roster, secret, off, true
}

func decodeCommit(data []byte) (mls.Commit, bool) {
	if len(data) < 2 {
		return mls.Commit{}, false
	}
	transitionID := uint16(data[0])<<8 | uint16(data[1])
	epoch, roster, secret, _, ok := decodeEpochRosterSecret(data, 2)
	if !ok {
		return mls.Commit{}, false
	}
	return mls.Commit{TransitionID: transitionID, Epoch: epoch, Roster: roster, EpochSecret: secret}, true
}

func encodeWelcome(w mls.Welcome) []byte {
	buf := make([]byte, 2)
	buf[0] = byte(w.TransitionID >> 8)
	buf[1] = byte(w.TransitionID)
	buf = leb128.Write(buf, w.Epoch)
	buf = encodeRoster(buf, w.Roster)
	buf = leb128.Write(buf, uint64(len(w.EpochSecret)))
	buf = append(buf, w.EpochSecret...)
	buf = leb128.Write(buf, uint64(len(w.ExternalSender)))
	buf = append(buf, w.ExternalSender...)
	return buf
}

func decodeWelcome(data []byte) (mls.Welcome, bool) {
	if len(data) < 2 {
		return mls.Welcome{}, false
	}
	transitionID := uint16(data[0])<<8 | uint16(data[1])
	epoch, roster, secret, off, ok := decodeEpochRosterSecret(data, 2)
	if !ok {
		return mls.Welcome{}, false
	}
	senderLen, n, ok := leb128.Read(data[off:])
	if !ok {
		return mls.Welcome{}, false
	}
	off += n
	if off+int(senderLen) > len(data) {
		return mls.Welcome{}, false
	}
	sender := append([]byte{}, data[off:off+int(senderLen)]...)
	return mls.Welcome{
		TransitionID:   transitionID,
		Epoch:          epoch,
		Roster:         roster,
		EpochSecret:    secret,
		ExternalSender: sender,
	}, true
}

func encodeRoster(dst []byte, roster map[uint64]ed25519.PublicKey) []byte {
	dst = leb128.Write(dst, uint64(len(roster)))
	for userID, pub := range roster {
		dst = leb128.Write(dst, userID)
		dst = append(dst, pub...)
	}
	return dst
}

func decodeRoster(data []byte) (map[uint64]ed25519.PublicKey, int, bool) {
	count, n, ok := leb128.Read(data)
	if !ok {
		return nil, 0, false
	}
	off := n
	roster := make(map[uint64]ed25519.PublicKey, count)
	for i := uint64(0); i < count; i++ {
		userID, used, ok := leb128.Read(data[off:])
		if !ok {
			return nil, 0, false
		}
		off += used
		if off+ed25519.PublicKeySize > len(data) {
			return nil, 0, false
		}
		pub := append([]byte{}, data[off:off+ed25519.PublicKeySize]...)
		off += ed25519.PublicKeySize
		roster[userID] = pub
	}
	return roster, off, true
}
