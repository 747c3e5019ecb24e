package vault

import (
	"crypto/rand"
	"testing"
)

func randomPreimage(t *testing.T) [32]byte {
	t.Helper()
	var p [32]byte
	if _, err := rand.Read(p[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return p
}

func TestMintWithSecretAndReveal(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)

	if _, err := v.MintWithSecret("swap-1", preimage); err != nil {
		t.Fatalf("MintWithSecret: %v", err)
	}

	got, err := v.Reveal("swap-1")
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if got != preimage {
		t.Errorf("revealed preimage mismatch")
	}
}

func TestMintWithSecretDuplicate(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)

	if _, err := v.MintWithSecret("swap-1", preimage); err != nil {
		t.Fatalf("first mint: %v", err)
	}
	if _, err := v.MintWithSecret("swap-1", preimage); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMintThenRevealNotYetKnown(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)
	hashlock := HashPreimage(preimage)

	if err := v.Mint("swap-1", hashlock); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := v.Reveal("swap-1"); err != ErrNotRevealed {
		t.Errorf("expected ErrNotRevealed, got %v", err)
	}
	if v.IsKnown("swap-1") {
		t.Error("expected IsKnown false before reveal")
	}
}

func TestRecordRevealedValid(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)
	hashlock := HashPreimage(preimage)

	if err := v.Mint("swap-1", hashlock); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := v.RecordRevealed("swap-1", preimage); err != nil {
		t.Fatalf("RecordRevealed: %v", err)
	}

	got, err := v.Reveal("swap-1")
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if got != preimage {
		t.Error("preimage mismatch after RecordRevealed")
	}
}

func TestRecordRevealedHashMismatch(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)
	hashlock := HashPreimage(preimage)
	wrongPreimage := randomPreimage(t)

	if err := v.Mint("swap-1", hashlock); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := v.RecordRevealed("swap-1", wrongPreimage); err != ErrHashMismatch {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
	if v.IsKnown("swap-1") {
		t.Error("expected entry to remain unrevealed after mismatch")
	}
}

func TestRecordRevealedUnknownSwap(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)

	if err := v.RecordRevealed("swap-missing", preimage); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestForgetZeroesAndRemoves(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)
	if _, err := v.MintWithSecret("swap-1", preimage); err != nil {
		t.Fatalf("MintWithSecret: %v", err)
	}

	v.Forget("swap-1")

	if v.IsKnown("swap-1") {
		t.Error("expected entry gone after Forget")
	}
	if _, err := v.Reveal("swap-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after Forget, got %v", err)
	}
}

func TestForgetUnknownSwapIsNoop(t *testing.T) {
	v := New()
	v.Forget("swap-missing") // must not panic
}

func TestRevealUnknownSwap(t *testing.T) {
	v := New()
	if _, err := v.Reveal("swap-missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDistinctSwapsSameHashlockDoNotCollide(t *testing.T) {
	v := New()
	preimage := randomPreimage(t)
	hashlock := HashPreimage(preimage)

	if err := v.Mint("swap-a", hashlock); err != nil {
		t.Fatalf("Mint swap-a: %v", err)
	}
	if err := v.Mint("swap-b", hashlock); err != nil {
		t.Fatalf("Mint swap-b: %v", err)
	}

	if err := v.RecordRevealed("swap-a", preimage); err != nil {
		t.Fatalf("RecordRevealed swap-a: %v", err)
	}
	if v.IsKnown("swap-b") {
		t.Error("expected swap-b to remain unrevealed after swap-a's reveal")
	}
}
