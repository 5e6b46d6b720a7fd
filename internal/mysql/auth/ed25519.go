package auth

import (
	"crypto/sha512"

	"filippo.io/edwards25519"
)

// Ed25519 implements MariaDB's client_ed25519 plugin. Unlike the other
// three algorithms this is pure elliptic-curve signing rather than a
// hash-and-XOR scheme: the nonce m = data1||data2 is signed with a
// deterministic nonce derived from the password, in the same manner as
// the reference libsodium implementation this plugin was built against.
//
// az = SHA512(password); az is clamped and split into az_first (the
// scalar, low 32 bytes) and az_second (high 32 bytes, used only to
// derive the per-message nonce r). A = az_first*B. r = SHA512(az_second
// || m) mod L. R = r*B. k = SHA512(R || A || m) mod L.
// s = r + k*az_first mod L. Response is R || s, 64 bytes.
type Ed25519 struct{}

func (Ed25519) Name() string { return "client_ed25519" }

func (Ed25519) GenerateResponse(password string, passwordSHA1 []byte, data1, data2 []byte) ([]byte, error) {
	if password == "" && len(passwordSHA1) > 0 {
		return nil, ErrNeedClearPassword
	}

	m := make([]byte, 0, len(data1)+len(data2))
	m = append(m, data1...)
	m = append(m, data2...)

	az := sha512.Sum512([]byte(password))

	azFirst, err := edwards25519.NewScalar().SetBytesWithClamping(az[:32])
	if err != nil {
		return nil, err
	}
	azSecond := az[32:64]

	A := edwards25519.NewIdentityPoint().ScalarBaseMult(azFirst)

	rInput := append(append([]byte{}, azSecond...), m...)
	rHash := sha512.Sum512(rInput)
	r, err := edwards25519.NewScalar().SetUniformBytes(rHash[:])
	if err != nil {
		return nil, err
	}

	R := edwards25519.NewIdentityPoint().ScalarBaseMult(r)

	kInput := make([]byte, 0, 32+32+len(m))
	kInput = append(kInput, R.Bytes()...)
	kInput = append(kInput, A.Bytes()...)
	kInput = append(kInput, m...)
	kHash := sha512.Sum512(kInput)
	k, err := edwards25519.NewScalar().SetUniformBytes(kHash[:])
	if err != nil {
		return nil, err
	}

	s := edwards25519.NewScalar().MultiplyAdd(k, azFirst, r)

	out := make([]byte, 0, 64)
	out = append(out, R.Bytes()...)
	out = append(out, s.Bytes()...)
	return out, nil
}
