package tokenvault

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/filament-chat/filament-server/internal/idkit"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16)); err != ErrKeySize {
		t.Fatalf("expected ErrKeySize, got %v", err)
	}
}

func TestMintOpenRoundTrip(t *testing.T) {
	v := testVault(t)
	userID := idkit.New()
	sessionID := idkit.New()

	token, err := v.Mint(userID, sessionID)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := v.Open(token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("UserID mismatch: got %s, want %s", claims.UserID, userID)
	}
	if claims.SessionID != sessionID {
		t.Fatalf("SessionID mismatch: got %s, want %s", claims.SessionID, sessionID)
	}
}

func TestOpenRejectsTamperedToken(t *testing.T) {
	v := testVault(t)
	token, err := v.Mint(idkit.New(), idkit.New())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := v.Open(string(tampered)); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	v := testVault(t)
	if _, err := v.Open("not-base64!!!"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestOpenRejectsExpiredToken(t *testing.T) {
	v := testVault(t)
	issued := time.Now().Add(-time.Hour)
	expired := issued.Add(time.Minute)

	token, err := v.mintAt(idkit.New(), idkit.New(), issued, expired)
	if err != nil {
		t.Fatalf("mintAt: %v", err)
	}

	if _, err := v.Open(token); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestDifferentKeysCannotDecryptEachOther(t *testing.T) {
	a := testVault(t)
	b := testVault(t)

	token, err := a.Mint(idkit.New(), idkit.New())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := b.Open(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken across keys, got %v", err)
	}
}

func TestMintProducesDistinctTokensForSameClaims(t *testing.T) {
	v := testVault(t)
	userID, sessionID := idkit.New(), idkit.New()

	t1, _ := v.Mint(userID, sessionID)
	t2, _ := v.Mint(userID, sessionID)

	if bytes.Equal([]byte(t1), []byte(t2)) {
		t.Fatal("expected distinct tokens due to random nonce")
	}
}
