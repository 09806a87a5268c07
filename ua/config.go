package ua

import (
	"os"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/eddyslarez/sip-library-sub001/sip"
)

// Default configuration values.
const (
	DefaultRegisterExpires = 3600
	DefaultCallFailGrace   = 10 * time.Second
	DefaultUserAgent       = "sip-library/1.0"
)

// AccountConfig holds the credentials of one SIP account.
type AccountConfig struct {
	// Username is the SIP user part, e.g. "alice".
	Username string `yaml:"username"`
	// Password is the digest authentication secret.
	Password string `yaml:"password"`
	// Domain overrides [Config.Domain] for this account.
	Domain string `yaml:"domain,omitempty"`
	// DisplayName is put on the From header, optional.
	DisplayName string `yaml:"display_name,omitempty"`
}

// URI returns the account address-of-record, e.g. "sip:alice@example.com".
func (a AccountConfig) URI(defaultDomain string) string {
	domain := a.Domain
	if domain == "" {
		domain = defaultDomain
	}
	return "sip:" + a.Username + "@" + domain
}

// Key returns the registry key for the account: user@domain.
func (a AccountConfig) Key(defaultDomain string) string {
	domain := a.Domain
	if domain == "" {
		domain = defaultDomain
	}
	return a.Username + "@" + domain
}

// Config holds the engine configuration.
type Config struct {
	// TransportURL is the WebSocket endpoint, ws:// or wss://.
	TransportURL string `yaml:"transport_url"`
	// Domain is the default SIP domain for accounts and call targets.
	Domain string `yaml:"domain"`
	// Accounts are the SIP accounts the engine can register.
	Accounts []AccountConfig `yaml:"accounts"`

	// RegisterExpires is the requested registration lifetime in seconds.
	// If 0, [DefaultRegisterExpires] is used.
	RegisterExpires int `yaml:"register_expires,omitempty"`
	// KeepaliveInterval is the transport ping cadence.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval,omitempty"`
	// GraceWindow is the keepalive grace window.
	GraceWindow time.Duration `yaml:"grace_window,omitempty"`
	// InitialBackoff is the first reconnect delay.
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty"`
	// CallFailGrace is how long active calls survive a transport drop
	// before they are failed. If 0, [DefaultCallFailGrace] is used.
	CallFailGrace time.Duration `yaml:"call_fail_grace,omitempty"`
	// UserAgent is put on outgoing requests.
	// If empty, [DefaultUserAgent] is used.
	UserAgent string `yaml:"user_agent,omitempty"`
	// SDPAddress is the connection address announced in session
	// descriptions. The media stack, an external collaborator, is
	// expected to rewrite it. If empty, "127.0.0.1" is used.
	SDPAddress string `yaml:"sdp_address,omitempty"`
	// SDPPort is the media port announced in session descriptions.
	// If 0, 9 (the discard port) is used.
	SDPPort int `yaml:"sdp_port,omitempty"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}

// Validate checks the config for required fields.
func (c *Config) Validate() error {
	if c.TransportURL == "" {
		return errtrace.Wrap(sip.NewInvalidArgumentError("transport_url required"))
	}
	if c.Domain == "" {
		return errtrace.Wrap(sip.NewInvalidArgumentError("domain required"))
	}
	for _, acc := range c.Accounts {
		if acc.Username == "" {
			return errtrace.Wrap(sip.NewInvalidArgumentError("account without username"))
		}
	}
	return nil
}

func (c *Config) registerExpires() int {
	if c.RegisterExpires == 0 {
		return DefaultRegisterExpires
	}
	return c.RegisterExpires
}

func (c *Config) callFailGrace() time.Duration {
	if c.CallFailGrace == 0 {
		return DefaultCallFailGrace
	}
	return c.CallFailGrace
}

func (c *Config) userAgent() string {
	if c.UserAgent == "" {
		return DefaultUserAgent
	}
	return c.UserAgent
}

func (c *Config) sdpAddress() string {
	if c.SDPAddress == "" {
		return "127.0.0.1"
	}
	return c.SDPAddress
}

func (c *Config) sdpPort() int {
	if c.SDPPort == 0 {
		return 9
	}
	return c.SDPPort
}
