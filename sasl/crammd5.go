package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
)

// CramMD5 implements the CRAM-MD5 SASL mechanism (RFC 2195): a
// challenge-response exchange using HMAC-MD5 keyed with the password
// over the server-issued challenge. The password never crosses the
// wire, which makes this the preferred mechanism on unencrypted
// connections.
type CramMD5 struct {
	login    string
	password string
	done     bool
}

// NewCramMD5 creates a new CRAM-MD5 mechanism handler.
func NewCramMD5(login, password string) *CramMD5 {
	return &CramMD5{login: login, password: password}
}

// Name returns "CRAM-MD5".
func (c *CramMD5) Name() string {
	return "CRAM-MD5"
}

// Start returns no initial response; the server speaks first with its
// challenge.
func (c *CramMD5) Start() ([]byte, error) {
	return nil, nil
}

// Next computes the response for the server challenge:
// "login SP hex(HMAC-MD5(password, challenge))".
func (c *CramMD5) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, ErrUnexpectedChallenge
	}
	c.done = true

	mac := hmac.New(md5.New, []byte(c.password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))

	resp := make([]byte, 0, len(c.login)+1+len(digest))
	resp = append(resp, c.login...)
	resp = append(resp, ' ')
	resp = append(resp, digest...)
	return resp, nil
}
