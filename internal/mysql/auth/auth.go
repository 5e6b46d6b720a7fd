// Package auth implements the four client-side password-authentication
// algorithms this proxy can speak to a backend server: clear-password,
// mysql_native_password, caching_sha2_password, and MariaDB's ed25519.
// Each is represented as a small concrete type implementing Handler
// rather than a class hierarchy, the direct Go analogue of the tagged
// sum the algorithm selection in the handshake calls for.
package auth

import "errors"

var (
	// ErrNeedClearPassword is returned when an algorithm that can only
	// operate on the clear-text password was given just its digest.
	ErrNeedClearPassword = errors.New("auth: need clear-text password")

	// ErrMalformedNonce is returned when the server's auth_plugin_data
	// does not have the expected 21-byte (20 + trailing NUL) shape.
	ErrMalformedNonce = errors.New("auth: malformed auth_plugin_data")

	// ErrFullAuthUnsupported is returned by caching_sha2_password when
	// the server demands RSA-encrypted full authentication; this proxy
	// does not implement the RSA key exchange.
	ErrFullAuthUnsupported = errors.New("auth: caching_sha2_password full authentication requires RSA, not supported")
)

// Handler generates a client auth response for one password algorithm.
//
// passwordSHA1, when non-nil, lets a caller that only has the SHA-1
// digest of the password (never the clear text) still authenticate with
// algorithms that can operate on the digest alone.
type Handler interface {
	Name() string
	GenerateResponse(password string, passwordSHA1, data1, data2 []byte) ([]byte, error)
}

// splitNonce validates and normalizes the server nonce into its 20
// effective bytes, stripping the trailing NUL the protocol appends to
// whichever of data1/data2 is the last non-empty piece.
func splitNonce(data1, data2 []byte) ([]byte, error) {
	last := data2
	if len(last) == 0 {
		last = data1
	}
	if len(data1)+len(data2) != 21 || len(last) == 0 || last[len(last)-1] != 0x00 {
		return nil, ErrMalformedNonce
	}
	nonce := make([]byte, 0, 20)
	nonce = append(nonce, data1...)
	if len(data2) > 0 {
		nonce = append(nonce, data2[:len(data2)-1]...)
	} else {
		nonce = nonce[:len(nonce)-1]
	}
	return nonce, nil
}
