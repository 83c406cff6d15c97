package sasl

// Login state constants
const (
	loginStateUsername = iota
	loginStatePassword
	loginStateDone
)

// Login implements the LOGIN SASL mechanism.
// DEPRECATED by the protocol in favor of PLAIN, but still the only
// mechanism some legacy servers advertise.
type Login struct {
	state    int
	login    string
	password string
}

// NewLogin creates a new LOGIN mechanism handler.
func NewLogin(login, password string) *Login {
	return &Login{
		state:    loginStateUsername,
		login:    login,
		password: password,
	}
}

// Name returns "LOGIN".
func (l *Login) Name() string {
	return "LOGIN"
}

// Start returns no initial response; LOGIN waits for the server's
// "Username:" challenge.
func (l *Login) Start() ([]byte, error) {
	return nil, nil
}

// Next answers the Username:/Password: challenges in order. The
// challenge text itself is not inspected; servers disagree on its
// exact wording.
func (l *Login) Next(challenge []byte) ([]byte, error) {
	switch l.state {
	case loginStateUsername:
		l.state = loginStatePassword
		return []byte(l.login), nil
	case loginStatePassword:
		l.state = loginStateDone
		return []byte(l.password), nil
	default:
		return nil, ErrUnexpectedChallenge
	}
}
