package auth

import "crypto/sha256"

// fast-path / full-auth markers in the server's AuthMoreData packet body
// (the single byte following the 0x01 AuthMoreData header).
const (
	FastAuthSuccess    byte = 0x03
	FullAuthRequired   byte = 0x04
)

// CachingSha2Password implements caching_sha2_password:
// SHA256(T || data1 || data2) XOR S, where S = SHA256(password),
// T = SHA256(S). Mirrors NativePassword with SHA-256 throughout.
//
// The server may additionally reply with AuthMoreData signaling either
// the fast-path cache hit (FastAuthSuccess) or a demand for full
// authentication (FullAuthRequired), which normally proceeds by either
// sending the password over a secure channel or RSA-encrypting it
// against the server's public key. This proxy implements neither TLS nor
// RSA key exchange on the backend-facing side (§ Non-goals), so
// HandlePacket reports ErrFullAuthUnsupported rather than silently
// failing authentication with a misleading error.
type CachingSha2Password struct{}

func (CachingSha2Password) Name() string { return "caching_sha2_password" }

func (CachingSha2Password) GenerateResponse(password string, passwordSHA1, data1, data2 []byte) ([]byte, error) {
	if password == "" && len(passwordSHA1) > 0 {
		return nil, ErrNeedClearPassword
	}

	nonce, err := splitNonce(data1, data2)
	if err != nil {
		return nil, err
	}

	s := sha256.Sum256([]byte(password))
	t := sha256.Sum256(s[:])

	h := sha256.New()
	h.Write(t[:])
	h.Write(nonce)
	scramble := h.Sum(nil)

	out := make([]byte, len(scramble))
	for i := range out {
		out[i] = scramble[i] ^ s[i]
	}
	return out, nil
}

// HandlePacket interprets an AuthMoreData packet received after the
// initial scramble response.
func (CachingSha2Password) HandlePacket(payload []byte) error {
	if len(payload) < 2 || payload[0] != 0x01 {
		return nil
	}
	switch payload[1] {
	case FastAuthSuccess:
		return nil
	case FullAuthRequired:
		return ErrFullAuthUnsupported
	default:
		return nil
	}
}
