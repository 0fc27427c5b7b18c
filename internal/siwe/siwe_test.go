package siwe

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func sampleMessage() *Message {
	return &Message{
		Domain:         "app.example.com",
		Address:        "0x52908400098527886e0f7030069857d2e4169ee7",
		Statement:      "Sign in to the bridge.",
		URI:            "https://app.example.com",
		ChainID:        1,
		Nonce:          "abcdef1234567890",
		IssuedAt:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ExpirationTime: time.Date(2024, 1, 2, 3, 14, 5, 0, time.UTC),
		Resources:      []string{"https://app.example.com/terms"},
	}
}

func TestStringLayout(t *testing.T) {
	want := strings.Join([]string{
		"app.example.com wants you to sign in with your Ethereum account:",
		"0x52908400098527886E0F7030069857D2E4169EE7",
		"",
		"Sign in to the bridge.",
		"",
		"URI: https://app.example.com",
		"Version: 1",
		"Chain ID: 1",
		"Nonce: abcdef1234567890",
		"Issued At: 2024-01-02T03:04:05Z",
		"Expiration Time: 2024-01-02T03:14:05Z",
		"Resources:",
		"- https://app.example.com/terms",
	}, "\n")
	if got := sampleMessage().String(); got != want {
		t.Fatalf("unexpected message:\n%s\nwant:\n%s", got, want)
	}
}

func TestParseReadsRenderedMessage(t *testing.T) {
	for _, statement := range []string{"Sign in to the bridge.", ""} {
		in := sampleMessage()
		in.Statement = statement
		out, err := Parse(in.String())
		if err != nil {
			t.Fatalf("parse (statement %q): %v", statement, err)
		}
		if out.Domain != in.Domain || out.Statement != statement || out.ChainID != 1 || out.Nonce != in.Nonce {
			t.Fatalf("unexpected parse result %+v", out)
		}
		if !out.IssuedAt.Equal(in.IssuedAt) || !out.ExpirationTime.Equal(in.ExpirationTime) {
			t.Fatalf("unexpected times %+v", out)
		}
		if len(out.Resources) != 1 {
			t.Fatalf("expected resources, got %v", out.Resources)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		strings.Replace(sampleMessage().String(), "Version: 1", "Version: 2", 1),
		strings.Replace(sampleMessage().String(), "Nonce: abcdef1234567890", "Nonce: short", 1),
		strings.Replace(sampleMessage().String(), "0x52908400098527886E0F7030069857D2E4169EE7", "0x1234", 1),
		strings.Replace(sampleMessage().String(), "Chain ID: 1", "Chain ID: x", 1),
	}
	for _, in := range inputs {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected malformed error for %q, got %v", in, err)
		}
	}
}

func TestCheckTime(t *testing.T) {
	m := sampleMessage()
	if err := m.CheckTime(m.IssuedAt.Add(time.Minute)); err != nil {
		t.Fatalf("expected valid window, got %v", err)
	}
	if err := m.CheckTime(m.ExpirationTime); err == nil {
		t.Fatalf("expected expiry to be enforced")
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	msg := sampleMessage()
	msg.Address = addr
	text := msg.String()

	sig, err := Sign(text, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(text, sig, strings.ToLower(addr)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(text+"x", sig, addr); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for tampered message, got %v", err)
	}
	if _, err := RecoverAddress(text, "0x1234"); err == nil {
		t.Fatalf("expected short signature to be rejected")
	}
}

func TestNewNonce(t *testing.T) {
	a, b := NewNonce(), NewNonce()
	if len(a) != 32 || a == b {
		t.Fatalf("unexpected nonces %q %q", a, b)
	}
}
