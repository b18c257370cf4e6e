// Package mls implements the narrow MLS group-session policy layer DAVE
// needs: proposal/commit/welcome handling, roster tracking, per-user key
// export, and the pairwise/epoch displayable codes. It is deliberately not
// a full TreeKEM/MLS-message-format implementation; group secrets derive
// from a minimal internal ratchet built on crypto/ed25519, crypto/ecdh, and
// golang.org/x/crypto/hkdf.
package mls

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// mediaKeyExportLabel is the fixed label DAVE exports per-user media
// ratchet secrets under.
const mediaKeyExportLabel = "Discord Secure Frames v0"

const epochAuthenticatorLabel = "Discord Epoch Authenticator"

// fingerprintSalt is the fixed 16-byte scrypt salt used for pairwise
// fingerprint derivation.
var fingerprintSalt = [16]byte{'d', 'a', 'v', 'e', '-', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't'}

// KeyPackage is the identity material a session publishes so others can add
// it to the group: a signature public key and an HPKE-capable public key
// (here X25519, standing in for the MLS HPKE key).
type KeyPackage struct {
	UserID          uint64
	SignaturePublic ed25519.PublicKey
	HPKEPublic      []byte
}

// LeafNode is this session's own key package plus declared codec
// capabilities, analogous to an MLS leaf node.
type LeafNode struct {
	KeyPackage KeyPackage
	Codecs     []string
}

// Proposal is either an add or a remove; exactly one field must be set.
type Proposal struct {
	Add    *KeyPackage
	Remove *uint64 // user id to remove
}

// Commit is the result of folding a proposal batch into a new epoch: the new
// roster, new epoch secret, and the transition id correlating it to the
// gateway ANNOUNCE_COMMIT_TRANSITION opcode.
type Commit struct {
	TransitionID uint16
	Epoch        uint64
	Roster       map[uint64]ed25519.PublicKey // full post-commit roster
	EpochSecret  []byte
}

// Welcome carries the initial group state for a session joining an
// in-progress group.
type Welcome struct {
	TransitionID   uint16
	Epoch          uint64
	Roster         map[uint64]ed25519.PublicKey
	EpochSecret    []byte
	ExternalSender ed25519.PublicKey
}

// RosterDiff describes the result of installing a new roster: users added or
// whose key changed, and users removed.
type RosterDiff struct {
	Changed map[uint64]ed25519.PublicKey
	Removed []uint64
}

// Session owns one MLS group's state for one voice connection. It is not
// safe for concurrent use; the gateway session owns it exclusively
type Session struct {
	selfUserID uint64
	sigPriv    ed25519.PrivateKey
	sigPub     ed25519.PublicKey
	hpkePriv   *ecdh.PrivateKey

	externalSender ed25519.PublicKey

	epoch       uint64
	epochSecret []byte
	roster      map[uint64]ed25519.PublicKey

	// outbound caches the next state this session itself proposed, so an
	// echoed commit can be adopted without reprocessing.
	outboundPending  bool
	outboundEpoch    uint64
	outboundRoster   map[uint64]ed25519.PublicKey
	outboundSecret   []byte
	outboundRemovals []uint64
	outboundAdds     []uint64

	lastTransitionID uint16
}

// New creates a pending MLS session for selfUserID with sigPriv as its
// signature key (a fresh one is generated when sigPriv is not a valid
// ed25519 private key) and a fresh HPKE key pair (the caller persists/loads the signature key
// via internal/config across restarts; that persistence is outside this
// package).
func New(selfUserID uint64, sigPriv ed25519.PrivateKey) (*Session, error) {
	if len(sigPriv) != ed25519.PrivateKeySize {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("mls: generate signature key: %w", err)
		}
		sigPriv = priv
		_ = pub
	}
	hpkePriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mls: generate hpke key: %w", err)
	}
	return &Session{
		selfUserID: selfUserID,
		sigPriv:    sigPriv,
		sigPub:     sigPriv.Public().(ed25519.PublicKey),
		hpkePriv:   hpkePriv,
		roster:     make(map[uint64]ed25519.PublicKey),
	}, nil
}

// SelfLeafNode returns this session's own key package / leaf node, for
// PREPARE_EPOCH's MLS_KEY_PACKAGE response.
func (s *Session) SelfLeafNode() LeafNode {
	return LeafNode{
		KeyPackage: KeyPackage{
			UserID:          s.selfUserID,
			SignaturePublic: s.sigPub,
			HPKEPublic:      s.hpkePriv.PublicKey().Bytes(),
		},
		Codecs: []string{"opus"},
	}
}

// SetExternalSender installs the group's external-sender key, received from
// the gateway's EXTERNAL_SENDER opcode.
func (s *Session) SetExternalSender(pub ed25519.PublicKey) {
	s.externalSender = pub
}

// ResetForNewEpoch starts a fresh group at epoch 1, as PREPARE_EPOCH (epoch
// == 1) requires: discard all prior state and begin again.
func (s *Session) ResetForNewEpoch() {
	s.epoch = 0
	s.epochSecret = nil
	s.roster = make(map[uint64]ed25519.PublicKey)
	s.outboundPending = false
}

// ProcessProposals validates and folds a proposal batch into a new working
// epoch, producing a commit and a welcome for anyone being added. An add
// proposal is valid only if the added identity is already in the currently
// recognized user set (passed in by the caller, which tracks
// MULTIPLE_CLIENTS_CONNECT / CLIENT_DISCONNECT); remove proposals are always
// allowed.
func (s *Session) ProcessProposals(proposals []Proposal, recognized map[uint64]bool, transitionID uint16) (*Commit, *Welcome, error) {
	next := make(map[uint64]ed25519.PublicKey, len(s.roster))
	for k, v := range s.roster {
		next[k] = v
	}
	var added, removed []uint64
	for _, p := range proposals {
		switch {
		case p.Add != nil:
			if !recognized[p.Add.UserID] {
				return nil, nil, fmt.Errorf("mls: add proposal for unrecognized user %d", p.Add.UserID)
			}
			next[p.Add.UserID] = p.Add.SignaturePublic
			added = append(added, p.Add.UserID)
		case p.Remove != nil:
			delete(next, *p.Remove)
			removed = append(removed, *p.Remove)
		default:
			return nil, nil, fmt.Errorf("mls: empty proposal")
		}
	}
	next[s.selfUserID] = s.sigPub

	newEpoch := s.epoch + 1
	newSecret, err := deriveNextEpochSecret(s.epochSecret, newEpoch)
	if err != nil {
		return nil, nil, err
	}

	s.outboundPending = true
	s.outboundEpoch = newEpoch
	s.outboundRoster = next
	s.outboundSecret = newSecret
	s.outboundAdds = added
	s.outboundRemovals = removed

	commit := &Commit{TransitionID: transitionID, Epoch: newEpoch, Roster: cloneRoster(next), EpochSecret: newSecret}

	var welcome *Welcome
	if len(added) > 0 {
		welcome = &Welcome{
			TransitionID:   transitionID,
			Epoch:          newEpoch,
			Roster:         cloneRoster(next),
			EpochSecret:    newSecret,
			ExternalSender: s.externalSender,
		}
	}
	return commit, welcome, nil
}

// ProcessCommit applies an incoming commit. If it matches this session's own
// cached outbound proposal (matched by epoch; the transition id is not
// compared), the cached next state is adopted directly rather than
// recomputed.
func (s *Session) ProcessCommit(commit Commit) (RosterDiff, error) {
	if commit.TransitionID != 0 && commit.TransitionID <= s.lastTransitionID {
		return RosterDiff{}, fmt.Errorf("mls: stale transition id %d (last %d)", commit.TransitionID, s.lastTransitionID)
	}
	if s.outboundPending && commit.Epoch == s.outboundEpoch {
		diff := s.replaceRoster(s.outboundRoster, s.outboundSecret, commit.Epoch)
		s.outboundPending = false
		s.lastTransitionID = commit.TransitionID
		return diff, nil
	}
	diff := s.replaceRoster(commit.Roster, commit.EpochSecret, commit.Epoch)
	s.outboundPending = false
	s.lastTransitionID = commit.TransitionID
	return diff, nil
}

// ProcessWelcome installs the initial group state for a session joining an
// in-progress group, validating the external sender matches what the
// gateway previously announced.
func (s *Session) ProcessWelcome(w Welcome) (RosterDiff, error) {
	if len(s.externalSender) > 0 && len(w.ExternalSender) > 0 && !bytes.Equal(s.externalSender, w.ExternalSender) {
		return RosterDiff{}, fmt.Errorf("mls: welcome external sender mismatch")
	}
	if w.TransitionID != 0 && w.TransitionID <= s.lastTransitionID {
		return RosterDiff{}, fmt.Errorf("mls: stale welcome transition id %d", w.TransitionID)
	}
	diff := s.replaceRoster(w.Roster, w.EpochSecret, w.Epoch)
	s.lastTransitionID = w.TransitionID
	return diff, nil
}

// replaceRoster installs newRoster/newSecret/newEpoch as current state and
// returns the diff against the previous roster.
func (s *Session) replaceRoster(newRoster map[uint64]ed25519.PublicKey, newSecret []byte, newEpoch uint64) RosterDiff {
	diff := RosterDiff{Changed: make(map[uint64]ed25519.PublicKey)}
	for id, pub := range newRoster {
		if old, ok := s.roster[id]; !ok || !bytes.Equal(old, pub) {
			diff.Changed[id] = pub
		}
	}
	for id := range s.roster {
		if _, ok := newRoster[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	s.roster = newRoster
	s.epochSecret = newSecret
	s.epoch = newEpoch
	return diff
}

// Roster returns the current MLS-derived roster map — the canonical roster;
// any client-side cache of it is a debugging aid only.
func (s *Session) Roster() map[uint64]ed25519.PublicKey {
	return cloneRoster(s.roster)
}

// Epoch returns the current epoch number.
func (s *Session) Epoch() uint64 { return s.epoch }

// ExportSecret exports a 16-byte per-user media ratchet secret bound to
// userID, using the fixed DAVE label. The result feeds
// internal/ratchet.New to build that user's key ratchet.
func (s *Session) ExportSecret(userID uint64) ([]byte, error) {
	if s.epochSecret == nil {
		return nil, fmt.Errorf("mls: no established epoch secret")
	}
	info := make([]byte, len(mediaKeyExportLabel)+8)
	copy(info, mediaKeyExportLabel)
	binary.BigEndian.PutUint64(info[len(mediaKeyExportLabel):], userID)

	kdf := hkdf.New(sha256.New, s.epochSecret, nil, info)
	out := make([]byte, 16)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("mls: export secret for user %d: %w", userID, err)
	}
	return out, nil
}

// EpochAuthenticator derives the current epoch's authenticator and renders
// it as a 30-digit code grouped in 5s, for the privacy code display. Same
// group state always yields the same code (idempotent).
func (s *Session) EpochAuthenticator() string {
	if s.epochSecret == nil {
		return ""
	}
	kdf := hkdf.New(sha256.New, s.epochSecret, nil, []byte(epochAuthenticatorLabel))
	raw := make([]byte, 16)
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return ""
	}
	return renderDigitCode(raw, 30, 5)
}

// SigningKey returns the session's own ed25519 signature key pair.
func (s *Session) SigningKey() (ed25519.PublicKey, ed25519.PrivateKey) {
	return s.sigPub, s.sigPriv
}

// PairwiseFingerprint computes the symmetric pairwise verification code
// between this session's identity and another user's: build the
// two identity blobs, sort them lexicographically, concatenate, and run
// scrypt. Must be invoked off the caller's hot path — this function blocks
// for the scrypt computation (CPU-heavy, ~hundreds of ms); callers run it in
// a goroutine (see the facade's GetUserPrivacyCode).
func PairwiseFingerprint(myUserID uint64, myPub ed25519.PublicKey, theirUserID uint64, theirPub ed25519.PublicKey) (string, error) {
	mine := identityBlob(myPub, myUserID)
	theirs := identityBlob(theirPub, theirUserID)

	var lo, hi []byte
	if bytes.Compare(mine, theirs) <= 0 {
		lo, hi = mine, theirs
	} else {
		lo, hi = theirs, mine
	}
	combined := append(append([]byte{}, lo...), hi...)

	digest, err := scrypt.Key(combined, fingerprintSalt[:], 16384, 8, 2, 64)
	if err != nil {
		return "", fmt.Errorf("mls: pairwise fingerprint scrypt: %w", err)
	}
	return renderDigitCode(digest, 60, 5), nil
}

// identityBlob builds version(2B) || pubkey || user_id(8B).
func identityBlob(pub ed25519.PublicKey, userID uint64) []byte {
	buf := make([]byte, 2+len(pub)+8)
	binary.BigEndian.PutUint16(buf[0:2], 2)
	copy(buf[2:], pub)
	binary.BigEndian.PutUint64(buf[2+len(pub):], userID)
	return buf
}

// renderDigitCode expands raw bytes into a decimal string of exactly
// digitCount digits, grouped every groupSize digits with spaces.
func renderDigitCode(raw []byte, digitCount, groupSize int) string {
	// Expand raw into enough pseudo-random digits via repeated SHA-256
	// chaining, since raw may be shorter than digitCount/~3.32 bits/digit.
	var digits []byte
	h := raw
	for len(digits) < digitCount {
		sum := sha256.Sum256(h)
		h = sum[:]
		for _, b := range sum {
			if len(digits) >= digitCount {
				break
			}
			digits = append(digits, b%10)
		}
	}
	var out bytes.Buffer
	for i, d := range digits {
		if i > 0 && i%groupSize == 0 {
			out.WriteByte(' ')
		}
		out.WriteByte('0' + d)
	}
	return out.String()
}

// deriveNextEpochSecret derives the new epoch secret from the previous one
// (or a fresh random value for epoch 1) via HKDF, standing in for the real
// MLS tree-based key schedule this narrow layer does not implement.
func deriveNextEpochSecret(prev []byte, epoch uint64) ([]byte, error) {
	if prev == nil {
		fresh := make([]byte, 32)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("mls: seed epoch secret: %w", err)
		}
		return fresh, nil
	}
	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, epoch)
	kdf := hkdf.New(sha256.New, prev, nil, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("mls: derive epoch %d secret: %w", epoch, err)
	}
	return out, nil
}

func cloneRoster(m map[uint64]ed25519.PublicKey) map[uint64]ed25519.PublicKey {
	out := make(map[uint64]ed25519.PublicKey, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedIDs is a small helper used by tests to get deterministic iteration
// order over a roster.
func sortedIDs(m map[uint64]ed25519.PublicKey) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
