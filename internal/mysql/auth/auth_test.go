package auth

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func nonce21() (data1, data2 []byte) {
	full := []byte("01234567890123456789")
	return full[:8], append(full[8:], 0x00)
}

func TestClearPasswordReturnsVerbatim(t *testing.T) {
	h := ClearPassword{}
	data1, data2 := nonce21()
	out, err := h.GenerateResponse("hunter2", nil, data1, data2)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	if string(out) != "hunter2" {
		t.Errorf("got %q", out)
	}
}

func TestNativePasswordIsDeterministic(t *testing.T) {
	h := NativePassword{}
	data1, data2 := nonce21()
	a, err := h.GenerateResponse("hunter2", nil, data1, data2)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	b, _ := h.GenerateResponse("hunter2", nil, data1, data2)
	if !bytes.Equal(a, b) {
		t.Error("GenerateResponse should be deterministic for the same inputs")
	}
	if len(a) != sha1.Size {
		t.Errorf("response length = %d, want %d", len(a), sha1.Size)
	}

	other, _ := h.GenerateResponse("different", nil, data1, data2)
	if bytes.Equal(a, other) {
		t.Error("different passwords must not produce the same scramble")
	}
}

func TestNativePasswordFromSHA1Digest(t *testing.T) {
	h := NativePassword{}
	data1, data2 := nonce21()
	sum := sha1.Sum([]byte("hunter2"))

	fromPassword, err := h.GenerateResponse("hunter2", nil, data1, data2)
	if err != nil {
		t.Fatalf("GenerateResponse from password: %v", err)
	}
	fromDigest, err := h.GenerateResponse("", sum[:], data1, data2)
	if err != nil {
		t.Fatalf("GenerateResponse from digest: %v", err)
	}
	if !bytes.Equal(fromPassword, fromDigest) {
		t.Error("password and SHA-1 digest paths should agree")
	}
}

func TestCachingSha2PasswordIsDeterministic(t *testing.T) {
	h := CachingSha2Password{}
	data1, data2 := nonce21()
	a, err := h.GenerateResponse("hunter2", nil, data1, data2)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	b, _ := h.GenerateResponse("hunter2", nil, data1, data2)
	if !bytes.Equal(a, b) {
		t.Error("GenerateResponse should be deterministic")
	}
	if len(a) != 32 {
		t.Errorf("response length = %d, want 32 (SHA-256)", len(a))
	}
}

func TestCachingSha2PasswordFullAuthUnsupported(t *testing.T) {
	h := CachingSha2Password{}
	if err := h.HandlePacket([]byte{0x01, FullAuthRequired}); err != ErrFullAuthUnsupported {
		t.Fatalf("got %v, want ErrFullAuthUnsupported", err)
	}
	if err := h.HandlePacket([]byte{0x01, FastAuthSuccess}); err != nil {
		t.Fatalf("fast-auth-success should not error, got %v", err)
	}
}

func TestEd25519IsDeterministicAndLengthCorrect(t *testing.T) {
	h := Ed25519{}
	data1, data2 := nonce21()
	a, err := h.GenerateResponse("hunter2", nil, data1, data2)
	if err != nil {
		t.Fatalf("GenerateResponse: %v", err)
	}
	b, _ := h.GenerateResponse("hunter2", nil, data1, data2)
	if !bytes.Equal(a, b) {
		t.Error("GenerateResponse should be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("response length = %d, want 64 (R || s)", len(a))
	}
}

func TestMakeHandlerFallsBackToNativeUnlessStrict(t *testing.T) {
	h, err := MakeHandler("some_unknown_plugin", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := h.(NativePassword); !ok {
		t.Errorf("expected fallback to NativePassword, got %T", h)
	}

	if _, err := MakeHandler("some_unknown_plugin", true); err == nil {
		t.Fatal("expected an error in strict mode for an unknown plugin")
	}
}

func TestSplitNonceRejectsWrongLength(t *testing.T) {
	if _, err := splitNonce([]byte("short"), nil); err != ErrMalformedNonce {
		t.Fatalf("got %v, want ErrMalformedNonce", err)
	}
}
