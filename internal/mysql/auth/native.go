package auth

import "crypto/sha1"

// NativePassword implements mysql_native_password:
// SHA1(password) XOR SHA1(data1 || data2 || SHA1(SHA1(password))).
type NativePassword struct{}

func (NativePassword) Name() string { return "mysql_native_password" }

func (NativePassword) GenerateResponse(password string, passwordSHA1, data1, data2 []byte) ([]byte, error) {
	nonce, err := splitNonce(data1, data2)
	if err != nil {
		return nil, err
	}

	s := passwordSHA1
	if len(s) == 0 {
		sum := sha1.Sum([]byte(password))
		s = sum[:]
	}

	ss := sha1.Sum(s)

	h := sha1.New()
	h.Write(nonce)
	h.Write(ss[:])
	scramble := h.Sum(nil)

	out := make([]byte, len(scramble))
	for i := range out {
		out[i] = scramble[i] ^ s[i]
	}
	return out, nil
}
