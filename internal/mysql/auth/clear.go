package auth

// ClearPassword implements the mysql_clear_password plugin: the response
// is simply the password, verbatim, sent over a channel the caller is
// trusted to have already secured (TLS, or a trusted loopback backend).
type ClearPassword struct{}

func (ClearPassword) Name() string { return "mysql_clear_password" }

func (ClearPassword) GenerateResponse(password string, passwordSHA1, _, _ []byte) ([]byte, error) {
	if password == "" && len(passwordSHA1) > 0 {
		return nil, ErrNeedClearPassword
	}
	return []byte(password), nil
}
