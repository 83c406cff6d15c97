package corvus

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/corvusmta/corvus/sasl"
)

// Capabilities records what one live connection has negotiated: the
// encryption state and the capability lines parsed from the last EHLO
// reply. The set is discarded and re-parsed after STARTTLS, since an
// active attacker could have forged the plaintext claims.
type Capabilities struct {
	TLS             bool     // connection is encrypted
	StartTLSDone    bool     // STARTTLS was performed on this connection
	StartTLSOffered bool     // server advertised STARTTLS
	AuthMechs       []string // advertised AUTH mechanisms
}

// Session drives the SMTP client protocol over one connection to one
// remote host. It is used by the delivery engine for a single
// MAIL/RCPT/DATA transaction covering the recipients that share the
// host, then closed.
type Session struct {
	config *Config
	log    *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// serverName is the hostname used for the TLS handshake and
	// credential lookup.
	serverName string

	caps  Capabilities
	esmtp bool

	// redactWrites suppresses command logging during the AUTH
	// exchange; the lines carry encoded credentials.
	redactWrites bool
}

// Reply is a parsed SMTP server reply, possibly multi-line.
type Reply struct {
	Code    int
	Message string
	Lines   []string
}

// IsSuccess returns true if the reply indicates success (2xx).
func (r *Reply) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate returns true if the reply is intermediate (3xx).
func (r *Reply) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// Err returns the reply as an error if it indicates failure.
func (r *Reply) Err() error {
	if r.IsSuccess() || r.IsIntermediate() {
		return nil
	}
	return &SMTPError{Code: r.Code, Message: r.Message}
}

// DialSession connects to addr with a bounded timeout and consumes the
// server greeting. serverName is the logical hostname of the peer,
// used for TLS and credential lookup; addr may be a resolved ip:port.
func DialSession(ctx context.Context, config *Config, log *slog.Logger, serverName, addr string) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}

	dialer := &net.Dialer{Timeout: ConTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	s := &Session{
		config:     config,
		log:        log,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		serverName: serverName,
	}

	reply, err := s.readReply()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if !reply.IsSuccess() {
		conn.Close()
		return nil, fmt.Errorf("greeting: %w", reply.Err())
	}

	return s, nil
}

// Capabilities returns the connection's negotiated capability set.
func (s *Session) Capabilities() Capabilities {
	return s.caps
}

// Hello sends EHLO, falling back to HELO on a permanent rejection
// unless the fallback is disabled. The capability set is re-parsed
// from the reply; a HELO downgrade leaves it empty.
func (s *Session) Hello() error {
	if err := s.writeCommand("EHLO %s", s.config.MailName); err != nil {
		return err
	}

	reply, err := s.readReply()
	if err != nil {
		return err
	}

	if reply.IsSuccess() {
		s.esmtp = true
		s.parseCapabilities(reply.Lines)
		return nil
	}

	if s.config.NoHELOFallback {
		return fmt.Errorf("EHLO rejected: %w", reply.Err())
	}

	if err := s.writeCommand("HELO %s", s.config.MailName); err != nil {
		return err
	}
	reply, err = s.readReply()
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return fmt.Errorf("HELO rejected: %w", reply.Err())
	}

	s.esmtp = false
	tlsActive := s.caps.TLS
	tlsDone := s.caps.StartTLSDone
	s.caps = Capabilities{TLS: tlsActive, StartTLSDone: tlsDone}
	return nil
}

// parseCapabilities extracts the flag set from EHLO reply lines.
func (s *Session) parseCapabilities(lines []string) {
	caps := Capabilities{TLS: s.caps.TLS, StartTLSDone: s.caps.StartTLSDone}

	for _, line := range lines[1:] { // skip greeting line
		keyword, params, _ := strings.Cut(line, " ")
		switch strings.ToUpper(keyword) {
		case "STARTTLS":
			caps.StartTLSOffered = true
		case "AUTH":
			for _, mech := range strings.Fields(params) {
				caps.AuthMechs = append(caps.AuthMechs, strings.ToUpper(mech))
			}
		}
	}

	s.caps = caps
}

// StartTLS upgrades the connection with a fresh TLS handshake over the
// same socket. The caller must re-issue Hello afterwards; the previous
// capability set is discarded here.
func (s *Session) StartTLS() error {
	if s.caps.TLS {
		return nil
	}
	if !s.caps.StartTLSOffered {
		return ErrTLSNotSupported
	}

	if err := s.writeCommand("STARTTLS"); err != nil {
		return err
	}
	reply, err := s.readReply()
	if err != nil {
		return err
	}
	if !reply.IsSuccess() {
		return fmt.Errorf("STARTTLS rejected: %w", reply.Err())
	}

	tlsConfig, err := s.config.TLSConfig(s.serverName)
	if err != nil {
		return err
	}

	tlsConn := tls.Client(s.conn, tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(ConTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	tlsConn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.caps = Capabilities{TLS: true, StartTLSDone: true}
	s.esmtp = false

	return nil
}

// Auth authenticates using the strongest mechanism both sides support:
// CRAM-MD5 over LOGIN over PLAIN. The plaintext mechanisms are only
// considered when the connection is encrypted or the operator allows
// insecure authentication.
func (s *Session) Auth(user AuthUser) error {
	plaintextOK := s.caps.TLS || s.config.AllowInsecureAuth
	mech := sasl.Strongest(s.caps.AuthMechs, user.Login, user.Password, plaintextOK)
	if mech == nil {
		return ErrNoAuthMechanism
	}

	s.redactWrites = true
	defer func() { s.redactWrites = false }()

	initial, err := mech.Start()
	if err != nil {
		return err
	}

	if initial != nil {
		err = s.writeCommand("AUTH %s %s", mech.Name(), base64.StdEncoding.EncodeToString(initial))
	} else {
		err = s.writeCommand("AUTH %s", mech.Name())
	}
	if err != nil {
		return err
	}

	for {
		reply, err := s.readReply()
		if err != nil {
			return err
		}

		switch {
		case reply.Code == 334:
			challenge, err := base64.StdEncoding.DecodeString(reply.Message)
			if err != nil {
				return fmt.Errorf("%w: bad challenge encoding", ErrAuthFailed)
			}
			response, err := mech.Next(challenge)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			if err := s.writeCommand("%s", base64.StdEncoding.EncodeToString(response)); err != nil {
				return err
			}
		case reply.IsSuccess():
			return nil
		default:
			// Carry the reply code so the failure classifies as
			// temporary (4xx) or permanent (5xx).
			return fmt.Errorf("%w: %w", ErrAuthFailed, reply.Err())
		}
	}
}

// Quit ends the session politely and closes the connection.
func (s *Session) Quit() error {
	if s.conn == nil {
		return nil
	}
	if err := s.writeCommand("QUIT"); err == nil {
		s.readReply()
	}
	return s.Close()
}

// Close tears the connection down without protocol niceties.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// writeCommand sends one command line under the connection deadline.
func (s *Session) writeCommand(format string, args ...any) error {
	if s.conn == nil {
		return ErrNoConnection
	}
	cmd := fmt.Sprintf(format, args...)

	if s.config.Verbose {
		line := cmd
		if s.redactWrites {
			line = "(authentication data elided)"
		}
		s.log.Debug("smtp send", "host", s.serverName, "line", line)
	}

	s.conn.SetWriteDeadline(time.Now().Add(ConTimeout))
	if _, err := s.writer.WriteString(cmd + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}

// readReply reads one possibly multi-line server reply under the
// connection deadline.
func (s *Session) readReply() (*Reply, error) {
	if s.conn == nil {
		return nil, ErrNoConnection
	}

	var lines []string
	var code int

	for {
		s.conn.SetReadDeadline(time.Now().Add(ConTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if s.config.Verbose {
			s.log.Debug("smtp recv", "host", s.serverName, "line", line)
		}

		if len(line) < 3 {
			return nil, fmt.Errorf("%w: line too short: %q", ErrUnexpectedResponse, line)
		}

		lineCode, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid code: %q", ErrUnexpectedResponse, line)
		}

		if code == 0 {
			code = lineCode
		} else if lineCode != code {
			return nil, fmt.Errorf("%w: inconsistent codes", ErrUnexpectedResponse)
		}

		message := ""
		if len(line) > 4 {
			message = line[4:]
		}
		lines = append(lines, message)

		// A space after the code marks the final line; a dash marks
		// continuation.
		if len(line) == 3 || line[3] == ' ' {
			break
		}
	}

	return &Reply{
		Code:    code,
		Message: strings.Join(lines, "\n"),
		Lines:   lines,
	}, nil
}
