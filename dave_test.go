package dvoice

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/kelonet/dvoice/internal/davecrypt"
	"github.com/kelonet/dvoice/internal/leb128"
	"github.com/kelonet/dvoice/internal/mls"
)

func testPublicKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub
}

func testEpochSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("epoch secret: %v", err)
	}
	return secret
}

// newDaveSessionForTest builds a Session with DAVE v1 active and an MLS
// group established through a welcome carrying this user (id 1) and user 2,
// without any network connection.
func newDaveSessionForTest(t *testing.T) (*Session, ed25519.PublicKey) {
	t.Helper()
	s := New(Config{UserID: 1, EnableDAVE: true})
	m, err := mls.New(1, nil)
	if err != nil {
		t.Fatalf("mls.New: %v", err)
	}
	s.mlsSession = m
	s.encryptor = davecrypt.NewEncryptor(nil, time.Now)
	s.daveVersion.Store(1)

	otherPub := testPublicKey(t)
	diff, err := m.ProcessWelcome(mls.Welcome{
		TransitionID: 1,
		Epoch:        1,
		Roster: map[uint64]ed25519.PublicKey{
			1: m.SelfLeafNode().KeyPackage.SignaturePublic,
			2: otherPub,
		},
		EpochSecret: testEpochSecret(t),
	})
	if err != nil {
		t.Fatalf("ProcessWelcome: %v", err)
	}
	s.applyRosterDiff(diff)
	return s, otherPub
}

func TestWelcomeInstallsDecryptorsAndPrivacyCode(t *testing.T) {
	s, _ := newDaveSessionForTest(t)

	s.decryptorsMu.Lock()
	_, hasOther := s.decryptors[2]
	_, hasSelf := s.decryptors[1]
	s.decryptorsMu.Unlock()
	if !hasOther {
		t.Error("expected a decryptor for user 2 after welcome")
	}
	if hasSelf {
		t.Error("own user must get the encryptor, not a decryptor")
	}
	if !s.encryptor.HasKeyRatchet() {
		t.Error("encryptor must have a key ratchet bound after welcome")
	}
	if !s.IsEndToEndEncrypted() {
		t.Error("session should report end-to-end encrypted")
	}
	if s.GetPrivacyCode() == "" {
		t.Error("privacy code should be non-empty once the epoch is established")
	}
}

func TestCommitAddsDecryptorAndChangesPrivacyCode(t *testing.T) {
	s, otherPub := newDaveSessionForTest(t)
	before := s.GetPrivacyCode()

	diff, err := s.mlsSession.ProcessCommit(mls.Commit{
		TransitionID: 2,
		Epoch:        2,
		Roster: map[uint64]ed25519.PublicKey{
			1: s.mlsSession.SelfLeafNode().KeyPackage.SignaturePublic,
			2: otherPub,
			3: testPublicKey(t),
		},
		EpochSecret: testEpochSecret(t),
	})
	if err != nil {
		t.Fatalf("ProcessCommit: %v", err)
	}
	s.applyRosterDiff(diff)

	s.decryptorsMu.Lock()
	_, hasNew := s.decryptors[3]
	s.decryptorsMu.Unlock()
	if !hasNew {
		t.Error("expected a decryptor for user 3 after the commit")
	}
	if after := s.GetPrivacyCode(); after == before {
		t.Error("privacy code should change across epochs")
	}
}

func prepareTransitionFrame(id, version uint64) daveFrame {
	payload := leb128.Write(nil, id)
	payload = leb128.Write(payload, version)
	return daveFrame{Opcode: opDavePrepareTransition, Payload: payload}
}

func TestPrepareTransitionDowngradeAppliesOnExecute(t *testing.T) {
	s, _ := newDaveSessionForTest(t)

	s.handlePrepareTransition(prepareTransitionFrame(5, 0))
	if s.IsEndToEndEncrypted() {
		t.Error("a pending downgrade must clear the end-to-end encrypted state")
	}
	if s.daveVersion.Load() != 1 {
		t.Error("version must not change before EXECUTE_TRANSITION")
	}

	s.handleExecuteTransition(daveFrame{Opcode: opDaveExecuteTransition, Payload: leb128.Write(nil, 5)})
	if got := s.daveVersion.Load(); got != 0 {
		t.Errorf("version after execute = %d, want 0", got)
	}
	if s.IsEndToEndEncrypted() {
		t.Error("downgraded session must not claim end-to-end encryption")
	}
	if s.GetPrivacyCode() != "" {
		t.Error("privacy code must be empty after downgrade")
	}
}

func TestPrepareTransitionUnsupportedVersionIgnored(t *testing.T) {
	s, _ := newDaveSessionForTest(t)

	s.handlePrepareTransition(prepareTransitionFrame(6, 9))

	s.transitionMu.Lock()
	pending := s.pendingTransition.active
	s.transitionMu.Unlock()
	if pending {
		t.Error("an unsupported protocol version must not be stashed")
	}
	if s.daveVersion.Load() != 1 || !s.IsEndToEndEncrypted() {
		t.Error("current version must survive an unsupported prepare transition")
	}
}

func TestExecuteTransitionWithoutPendingRefreshesRatchets(t *testing.T) {
	s, _ := newDaveSessionForTest(t)

	s.handleExecuteTransition(daveFrame{Opcode: opDaveExecuteTransition, Payload: leb128.Write(nil, 7)})

	if !s.encryptor.HasKeyRatchet() {
		t.Error("ratchet refresh must keep the encryptor keyed")
	}
	s.decryptorsMu.Lock()
	_, hasOther := s.decryptors[2]
	s.decryptorsMu.Unlock()
	if !hasOther {
		t.Error("ratchet refresh must keep user 2's decryptor")
	}
	if !s.IsEndToEndEncrypted() {
		t.Error("a same-version execute transition must not drop e2ee")
	}
}

func TestKeyPackageCodecRoundTrip(t *testing.T) {
	kp := mls.KeyPackage{
		UserID:          12345,
		SignaturePublic: testPublicKey(t),
		HPKEPublic:      []byte{1, 2, 3, 4},
	}
	got, used, ok := decodeKeyPackage(encodeKeyPackage(kp))
	if !ok {
		t.Fatal("decodeKeyPackage failed")
	}
	if used != len(encodeKeyPackage(kp)) {
		t.Errorf("consumed %d bytes, want %d", used, len(encodeKeyPackage(kp)))
	}
	if got.UserID != kp.UserID || !bytes.Equal(got.SignaturePublic, kp.SignaturePublic) || !bytes.Equal(got.HPKEPublic, kp.HPKEPublic) {
		t.Errorf("round trip mismatch: got %+v want %+v", got, kp)
	}
}

func TestProposalsCodecRoundTrip(t *testing.T) {
	removeID := uint64(99)
	in := []mls.Proposal{
		{Add: &mls.KeyPackage{UserID: 7, SignaturePublic: testPublicKey(t), HPKEPublic: []byte{9}}},
		{Remove: &removeID},
	}
	out, ok := decodeProposals(encodeProposals(in))
	if !ok {
		t.Fatal("decodeProposals failed")
	}
	if len(out) != 2 {
		t.Fatalf("got %d proposals, want 2", len(out))
	}
	if out[0].Add == nil || out[0].Add.UserID != 7 {
		t.Errorf("first proposal = %+v, want add of user 7", out[0])
	}
	if out[1].Remove == nil || *out[1].Remove != 99 {
		t.Errorf("second proposal = %+v, want remove of user 99", out[1])
	}
}

func TestCommitCodecRoundTrip(t *testing.T) {
	in := mls.Commit{
		TransitionID: 0x0102,
		Epoch:        3,
		Roster:       map[uint64]ed25519.PublicKey{5: testPublicKey(t)},
		EpochSecret:  testEpochSecret(t),
	}
	got, ok := decodeCommit(encodeCommit(in))
	if !ok {
		t.Fatal("decodeCommit failed")
	}
	if got.TransitionID != in.TransitionID || got.Epoch != in.Epoch || !bytes.Equal(got.EpochSecret, in.EpochSecret) {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if !reflect.DeepEqual(got.Roster, in.Roster) {
		t.Errorf("roster mismatch: got %v want %v", got.Roster, in.Roster)
	}
}

func TestWelcomeCodecRoundTrip(t *testing.T) {
	in := mls.Welcome{
		TransitionID:   0x0203,
		Epoch:          1,
		Roster:         map[uint64]ed25519.PublicKey{8: testPublicKey(t)},
		EpochSecret:    testEpochSecret(t),
		ExternalSender: testPublicKey(t),
	}
	got, ok := decodeWelcome(encodeWelcome(in))
	if !ok {
		t.Fatal("decodeWelcome failed")
	}
	if got.TransitionID != in.TransitionID || got.Epoch != in.Epoch {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if !bytes.Equal(got.ExternalSender, in.ExternalSender) {
		t.Error("external sender mismatch")
	}
	if !reflect.DeepEqual(got.Roster, in.Roster) {
		t.Errorf("roster mismatch: got %v want %v", got.Roster, in.Roster)
	}
}

func TestClientsConnectTracksRecognizedUsers(t *testing.T) {
	s := New(Config{UserID: 1})

	raw, err := json.Marshal(clientsConnectPayload{UserIDs: []string{"21", "22"}})
	if err != nil {
		t.Fatal(err)
	}
	s.handleJSONMessage(mustEnvelope(t, opClientsConnect, raw))

	s.recognizedMu.Lock()
	recognized := s.recognized[21] && s.recognized[22]
	s.recognizedMu.Unlock()
	if !recognized {
		t.Fatal("clients connect must add both users to the recognized set")
	}

	raw, err = json.Marshal(clientDisconnectPayload{UserID: "21"})
	if err != nil {
		t.Fatal(err)
	}
	s.handleJSONMessage(mustEnvelope(t, opClientDisconnect, raw))

	s.recognizedMu.Lock()
	stillRecognized := s.recognized[21]
	pendingRemove := s.pendingRemove[21]
	s.recognizedMu.Unlock()
	if stillRecognized {
		t.Error("disconnect must drop the user from the recognized set")
	}
	if !pendingRemove {
		t.Error("disconnect must mark the user for pending MLS removal")
	}

	raw, err = json.Marshal(clientsConnectPayload{UserIDs: []string{"21"}})
	if err != nil {
		t.Fatal(err)
	}
	s.handleJSONMessage(mustEnvelope(t, opClientsConnect, raw))

	s.recognizedMu.Lock()
	pendingRemove = s.pendingRemove[21]
	s.recognizedMu.Unlock()
	if pendingRemove {
		t.Error("reconnect must clear the pending removal mark")
	}
}

func mustEnvelope(t *testing.T, op int, d json.RawMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(gatewayMessage{Op: op, D: d})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
