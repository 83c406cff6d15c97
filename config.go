package corvus

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Fixed operational constants. These are contract values, not tunables:
// the retry pacing and the five-day expiry window are what senders on
// this host can rely on.
const (
	// MinRetry is the minimum interval between delivery attempts for
	// one item.
	MinRetry = 5 * time.Minute

	// MaxRetry caps the retry backoff so stalled items are still
	// attempted at least every few hours.
	MaxRetry = 3 * time.Hour

	// MaxTimeout is the age at which an undeliverable item is bounced.
	MaxTimeout = 5 * 24 * time.Hour

	// SleepTimeout is the queue runner's idle poll interval.
	SleepTimeout = 30 * time.Second

	// ConTimeout bounds every connect, read and write on an SMTP
	// session (RFC 5321 section 4.5.3.2).
	ConTimeout = 5 * time.Minute

	// DefaultPort is the default SMTP port.
	DefaultPort = 25
)

// Config holds the resolved operational parameters. It is immutable
// after load and shared read-only by all components.
type Config struct {
	// Smarthost, when set, replaces MX resolution entirely: all remote
	// mail is relayed through this host.
	Smarthost string `toml:"smarthost"`

	// Port is the SMTP port used for outbound connections.
	Port int `toml:"port"`

	// SpoolDir is the durable queue directory.
	SpoolDir string `toml:"spool_dir"`

	// AliasesPath points at the alias file consumed by the submission
	// path.
	AliasesPath string `toml:"aliases"`

	// AuthPath points at the credential file for remote SMTP
	// authentication.
	AuthPath string `toml:"auth_file"`

	// CertPath optionally names a PEM file with a client certificate
	// and key presented during STARTTLS.
	CertPath string `toml:"cert_file"`

	// MailName is the hostname used in EHLO and in generated headers.
	// Defaults to the OS hostname.
	MailName string `toml:"mail_name"`

	// MasqueradeHost and MasqueradeUser rewrite the envelope sender of
	// submitted mail.
	MasqueradeHost string `toml:"masquerade_host"`
	MasqueradeUser string `toml:"masquerade_user"`

	// Feature flags.
	Verbose           bool `toml:"verbose"`
	RequireTLS        bool `toml:"require_tls"`         // mandatory STARTTLS
	OpportunisticTLS  bool `toml:"opportunistic_tls"`   // STARTTLS when advertised
	NoHELOFallback    bool `toml:"no_helo_fallback"`    // don't retry EHLO failures with HELO
	Defer             bool `toml:"defer"`               // queue only, deliver on explicit flush
	AllowInsecureAuth bool `toml:"allow_insecure_auth"` // plaintext auth without TLS
	FullBounce        bool `toml:"full_bounce"`         // include complete original body in bounces

	// Auth holds the credentials loaded from AuthPath.
	Auth []AuthUser `toml:"-"`
}

// AuthUser is one stored credential for remote SMTP authentication.
// An empty Host matches any destination.
type AuthUser struct {
	Login    string
	Password string
	Host     string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Config{
		Port:             DefaultPort,
		SpoolDir:         "/var/spool/corvus",
		MailName:         hostname,
		OpportunisticTLS: true,
	}
}

// LoadConfig reads a TOML configuration file and the credential file it
// references. A missing config file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("config: invalid port %d", config.Port)
	}

	if config.AuthPath != "" {
		config.Auth, err = LoadAuthFile(config.AuthPath)
		if err != nil {
			return nil, err
		}
	}

	return config, nil
}

// LoadAuthFile parses the credential file. Each line holds one record
// in the form "login|host:password"; the host part may be omitted
// ("login:password") to match any destination. Blank lines and lines
// starting with # are ignored.
func LoadAuthFile(path string) ([]AuthUser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open auth file: %w", err)
	}
	defer f.Close()

	var users []AuthUser
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		spec, password, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("config: auth file line %d: missing password separator", lineno)
		}

		login, host, _ := strings.Cut(spec, "|")
		if login == "" {
			return nil, fmt.Errorf("config: auth file line %d: empty login", lineno)
		}

		users = append(users, AuthUser{
			Login:    login,
			Password: password,
			Host:     host,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read auth file: %w", err)
	}

	return users, nil
}

// CredentialsFor returns the stored credential for a destination host,
// preferring an exact host match over a wildcard entry.
func (c *Config) CredentialsFor(host string) (AuthUser, bool) {
	var wildcard AuthUser
	haveWildcard := false
	for _, u := range c.Auth {
		if strings.EqualFold(u.Host, host) {
			return u, true
		}
		if u.Host == "" && !haveWildcard {
			wildcard = u
			haveWildcard = true
		}
	}
	return wildcard, haveWildcard
}

// TLSConfig builds the client TLS configuration for a session to the
// given server name, loading the configured client certificate if any.
func (c *Config) TLSConfig(serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		// Opportunistic TLS still beats plaintext when the peer has a
		// self-signed certificate; verification is only enforced when
		// TLS is mandatory.
		InsecureSkipVerify: !c.RequireTLS,
	}
	if c.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.CertPath)
		if err != nil {
			return nil, fmt.Errorf("config: load certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// IsLocal reports whether an address is delivered on this host rather
// than relayed: either it has no domain part, or the domain is the
// configured mail name.
func (c *Config) IsLocal(addr string) bool {
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return true
	}
	return strings.EqualFold(domain, c.MailName) || strings.EqualFold(domain, "localhost")
}
