package sasl

// Plain implements the PLAIN SASL mechanism (RFC 4616).
// Use only over TLS - passwords are transmitted in clear text.
type Plain struct {
	login    string
	password string
}

// NewPlain creates a new PLAIN mechanism handler.
func NewPlain(login, password string) *Plain {
	return &Plain{login: login, password: password}
}

// Name returns "PLAIN".
func (p *Plain) Name() string {
	return "PLAIN"
}

// Start returns the initial response: authzid NUL authcid NUL passwd,
// with an empty authorization identity.
func (p *Plain) Start() ([]byte, error) {
	resp := make([]byte, 0, len(p.login)+len(p.password)+2)
	resp = append(resp, 0)
	resp = append(resp, p.login...)
	resp = append(resp, 0)
	resp = append(resp, p.password...)
	return resp, nil
}

// Next rejects any further challenge; PLAIN is a single round trip.
func (p *Plain) Next(challenge []byte) ([]byte, error) {
	return nil, ErrUnexpectedChallenge
}
