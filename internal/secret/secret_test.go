package secret

import (
	"strings"
	"testing"
)

func TestKeeper_SealOpenRoundtrip(t *testing.T) {
	k := NewKeeper("machine passphrase")
	sealed, err := k.Seal("sk-very-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "enc:v1:") {
		t.Errorf("envelope prefix missing: %q", sealed)
	}
	if strings.Contains(sealed, "very-secret") {
		t.Error("plaintext leaked into the envelope")
	}

	opened, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "sk-very-secret" {
		t.Errorf("got %q", opened)
	}
}

func TestKeeper_SealIsIdempotent(t *testing.T) {
	k := NewKeeper("pw")
	sealed, err := k.Seal("sk-abc")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	again, err := k.Seal(sealed)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if again != sealed {
		t.Error("sealing an envelope changed it")
	}
}

func TestKeeper_EmptySecretPassesThrough(t *testing.T) {
	k := NewKeeper("pw")
	sealed, err := k.Seal("")
	if err != nil || sealed != "" {
		t.Errorf("got %q err=%v, want empty passthrough", sealed, err)
	}
}

func TestKeeper_PlaintextRowsPassThrough(t *testing.T) {
	k := NewKeeper("pw")
	opened, err := k.Open("sk-legacy-plaintext")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "sk-legacy-plaintext" {
		t.Errorf("got %q", opened)
	}
}

func TestKeeper_WrongPassphraseFails(t *testing.T) {
	sealed, err := NewKeeper("right").Seal("sk-abc")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := NewKeeper("wrong").Open(sealed); err == nil {
		t.Error("wrong passphrase opened the envelope")
	}
}

func TestKeeper_MalformedEnvelopeRejected(t *testing.T) {
	k := NewKeeper("pw")
	for _, stored := range []string{
		"enc:v1:not base64!!",
		"enc:v1:QQ==", // shorter than the salt
	} {
		if _, err := k.Open(stored); err == nil {
			t.Errorf("%q opened without error", stored)
		}
	}
}

func TestIsSealed(t *testing.T) {
	if IsSealed("sk-plain") {
		t.Error("plaintext reported sealed")
	}
	k := NewKeeper("pw")
	sealed, _ := k.Seal("sk-plain")
	if !IsSealed(sealed) {
		t.Error("envelope not recognized")
	}
}
