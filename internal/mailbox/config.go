package mailbox

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Security selects how the connection is protected.
type Security int

const (
	// SecurityTLS uses implicit TLS from the first byte.
	SecurityTLS Security = iota
	// SecurityStartTLS upgrades a plaintext connection with STARTTLS.
	SecurityStartTLS
	// SecurityNone sends everything in plaintext. Only suitable for local
	// bridges and tests.
	SecurityNone
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityStartTLS:
		return "starttls"
	case SecurityNone:
		return "none"
	}
	return "unknown"
}

// Config holds everything needed to open a session.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool

	DialTimeout time.Duration

	// OpTimeout bounds each remote operation after login.
	OpTimeout time.Duration
}

// ConfigFor builds a session config for acc.
func ConfigFor(acc model.Account, password string, imapCfg model.IMAPConfig) Config {
	sec := SecurityNone
	switch {
	case acc.IMAPTLS:
		sec = SecurityTLS
	case acc.IMAPStartTLS:
		sec = SecurityStartTLS
	}

	return Config{
		Host:               acc.IMAPHost,
		Port:               acc.IMAPPort,
		Username:           acc.Login(),
		Password:           password,
		Security:           sec,
		InsecureSkipVerify: imapCfg.InsecureSkipVerify,
		DialTimeout:        imapCfg.DialTimeout,
		OpTimeout:          imapCfg.OpTimeout,
	}
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = model.DefaultDialTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = model.DefaultOpTimeout
	}
	return c
}
