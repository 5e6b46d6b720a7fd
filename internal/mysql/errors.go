// Package mysql implements the wire-level pieces of the MySQL/MariaDB
// client-server protocol shared by both halves of a proxied connection:
// packet framing, typed field encoding, handshake and result packets.
package mysql

import "errors"

var (
	// ErrMalformedPacket is returned when a packet violates the protocol's
	// length, encoding, or trailing-data rules.
	ErrMalformedPacket = errors.New("mysql: malformed packet")

	// ErrPacketTooLarge is returned by a builder whose payload would not
	// fit a single logical packet's length field.
	ErrPacketTooLarge = errors.New("mysql: packet too large")

	// ErrUnsupportedProtocol is returned when a handshake advertises a
	// protocol version this proxy does not speak.
	ErrUnsupportedProtocol = errors.New("mysql: unsupported protocol version")

	// ErrNeedClearPassword names the case of an auth algorithm that requires
	// the clear-text password but was only given its SHA-1 digest. The
	// algorithms in package auth report it as auth.ErrNeedClearPassword;
	// nothing in this module returns this value.
	ErrNeedClearPassword = errors.New("mysql: auth algorithm needs clear-text password")

	// ErrFullAuthUnsupported names the case of the server demanding
	// caching_sha2_password's RSA-encrypted full-auth exchange, which this
	// proxy does not implement. Package auth reports it as
	// auth.ErrFullAuthUnsupported; nothing in this module returns this value.
	ErrFullAuthUnsupported = errors.New("mysql: caching_sha2_password full authentication requires RSA, not supported")
)

// MaxPayloadLen is the largest payload a single physical packet can carry;
// a logical packet larger than this is split across consecutive sequence
// IDs with a final fragment shorter than MaxPayloadLen.
const MaxPayloadLen = 1<<24 - 1
