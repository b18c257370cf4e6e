package cryptormanager

import (
	"testing"
	"time"

	"github.com/kelonet/dvoice/internal/ratchet"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGetCipherAdmitsWithinGenerationGap(t *testing.T) {
	now := time.Now()
	m := New(ratchet.New([]byte("secret")), fixedClock(now))
	m.newestGeneration = 10

	if c := m.GetCipher(10 + MaxGenerationGap); c == nil {
		t.Fatal("generation exactly newest+MaxGenerationGap must be admitted")
	}
}

func TestGetCipherRejectsBeyondGenerationGap(t *testing.T) {
	now := time.Now()
	m := New(ratchet.New([]byte("secret")), fixedClock(now))
	m.newestGeneration = 10

	if c := m.GetCipher(10 + MaxGenerationGap + 1); c != nil {
		t.Fatal("generation newest+MaxGenerationGap+1 must be rejected")
	}
}

func TestReportCipherSuccessRejectsReplay(t *testing.T) {
	now := time.Now()
	m := New(ratchet.New([]byte("secret")), fixedClock(now))

	if !m.CanProcessNonce(0, 5) {
		t.Fatal("first nonce should be processable")
	}
	m.ReportCipherSuccess(0, 5)

	if m.CanProcessNonce(0, 5) {
		t.Fatal("replayed (generation, nonce) must be rejected after success is reported")
	}
}

func TestReportCipherSuccessTracksGapsAsRecoverable(t *testing.T) {
	now := time.Now()
	m := New(ratchet.New([]byte("secret")), fixedClock(now))

	m.ReportCipherSuccess(0, 1)
	// Nonce 2 is skipped (lost packet), then 3 arrives.
	m.ReportCipherSuccess(0, 3)

	if !m.CanProcessNonce(0, 2) {
		t.Fatal("gap nonce 2 should still be recoverable")
	}
	if m.CanProcessNonce(0, 1) {
		t.Fatal("nonce 1 is older than newest and not a tracked gap, must be rejected")
	}
}

func TestComputeWrappedGeneration(t *testing.T) {
	// oldest=0 means remainder=0, factor=0; generation 5 stays 5.
	if g := ComputeWrappedGeneration(0, 5); g != 5 {
		t.Fatalf("got %d want 5", g)
	}
	// oldest=260 (factor=1, remainder=4); generation=2 < remainder so wraps
	// into the next block: factor+1=2 -> 2*256+2=514.
	if g := ComputeWrappedGeneration(260, 2); g != 514 {
		t.Fatalf("got %d want 514", g)
	}
}

func TestCipherExpiresAfterNewerGenerationReported(t *testing.T) {
	now := time.Now()
	clock := now
	m := New(ratchet.New([]byte("secret")), func() time.Time { return clock })
	// Age the ratchet two days so the lifetime cap admits generation 1:
	// (170 * 172,800) >> 24 = 1.
	m.ratchetCreation = now.Add(-48 * time.Hour)

	if c := m.GetCipher(0); c == nil {
		t.Fatal("expected cipher for generation 0")
	}
	// A success can only be reported for a generation whose cipher exists.
	if c := m.GetCipher(1); c == nil {
		t.Fatal("expected cipher for generation 1")
	}
	m.ReportCipherSuccess(1, 1)

	clock = now.Add(CipherExpiry + time.Second)
	// Triggers cleanupExpiredCiphers via GetCipher; generation 0 should be gone.
	if _, ok := m.ciphers[0]; !ok {
		t.Fatal("generation 0 cipher should still exist before cleanup runs")
	}
	m.GetCipher(1)
	if _, ok := m.ciphers[0]; ok {
		t.Fatal("generation 0 cipher should have expired and been cleaned up")
	}
}
