package config

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/emx-mail/msgserver/pkgs/transport"
)

const (
	// EnvConfigPath is the env var that points to the config file used when
	// no --config flag is given.
	EnvConfigPath = "EMX_MAIL_CONFIG"
	// EnvPrefix prefixes environment overrides such as EMX_MAIL_MAIL_LOG_LEVEL.
	EnvPrefix = "EMX_MAIL"
)

// Kind selects the client implementation serving an account.
type Kind string

const (
	KindIMAP    Kind = "imap"
	KindPOP     Kind = "pop"
	KindSMTP    Kind = "smtp"
	KindSMS     Kind = "sms"
	KindMMS     Kind = "mms"
	KindInstant Kind = "instant"
	KindSystem  Kind = "system"
)

// SMTP authentication modes.
const (
	AuthNone          = "none"
	AuthPlain         = "plain"
	AuthLogin         = "login"
	AuthPOPBeforeSMTP = "pop-before-smtp"
)

// ProtocolSettings holds connection settings common to IMAP, POP3 and SMTP.
type ProtocolSettings struct {
	Host     string `mapstructure:"host" yaml:"host,omitempty" json:"host"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty" json:"port"`
	Username string `mapstructure:"username" yaml:"username,omitempty" json:"username"`
	// Password may be left empty and stored in the keyring instead.
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"password,omitempty"`

	// SSL enables implicit TLS (connect directly over TLS).
	SSL bool `mapstructure:"ssl" yaml:"ssl,omitempty" json:"ssl"`
	// StartTLS enables opportunistic TLS upgrade after connecting in plaintext.
	StartTLS bool `mapstructure:"starttls" yaml:"starttls,omitempty" json:"starttls"`
	// Insecure skips certificate verification.
	Insecure bool `mapstructure:"insecure" yaml:"insecure,omitempty" json:"insecure,omitempty"`

	// Auth is the SMTP authentication mode.
	Auth string `mapstructure:"auth" yaml:"auth,omitempty" json:"auth,omitempty"`
	// Paired names the retrieval account used for pop-before-smtp.
	Paired string `mapstructure:"paired" yaml:"paired,omitempty" json:"paired,omitempty"`
}

// Configured reports whether a host is set.
func (p ProtocolSettings) Configured() bool { return p.Host != "" }

// Encryption maps the TLS flags onto a transport mode.
func (p ProtocolSettings) Encryption() transport.Encryption {
	switch {
	case p.SSL:
		return transport.EncryptSSL
	case p.StartTLS:
		return transport.EncryptTLS
	}
	return transport.EncryptNone
}

// GatewaySettings configure the HTTP relay used by SMS, MMS and instant
// messaging accounts.
type GatewaySettings struct {
	URL      string `mapstructure:"url" yaml:"url,omitempty" json:"url"`
	Username string `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"password,omitempty"`
	// MaxSMSSize is the largest text sent as SMS; longer content goes as MMS.
	MaxSMSSize int `mapstructure:"max_sms_size" yaml:"max_sms_size,omitempty" json:"max_sms_size,omitempty"`
}

// AccountConfig holds one account.
type AccountConfig struct {
	Name     string `mapstructure:"name" yaml:"name,omitempty" json:"name"`
	Email    string `mapstructure:"email" yaml:"email,omitempty" json:"email"`
	FromName string `mapstructure:"from_name" yaml:"from_name,omitempty" json:"from_name,omitempty"`
	Kind     Kind   `mapstructure:"kind" yaml:"kind,omitempty" json:"kind"`

	IMAP    ProtocolSettings `mapstructure:"imap" yaml:"imap,omitempty" json:"imap"`
	POP3    ProtocolSettings `mapstructure:"pop3" yaml:"pop3,omitempty" json:"pop3"`
	SMTP    ProtocolSettings `mapstructure:"smtp" yaml:"smtp,omitempty" json:"smtp"`
	Gateway GatewaySettings  `mapstructure:"gateway" yaml:"gateway,omitempty" json:"gateway"`

	// Push enables IMAP IDLE.
	Push bool `mapstructure:"push" yaml:"push,omitempty" json:"push"`
	// CheckInterval is the poll interval in minutes; zero disables polling.
	CheckInterval int `mapstructure:"check_interval" yaml:"check_interval,omitempty" json:"check_interval"`
	// RoamingCheck keeps polling while the device is roaming.
	RoamingCheck bool `mapstructure:"roaming_check" yaml:"roaming_check,omitempty" json:"roaming_check"`
	// DeleteOnServer pushes local deletions to the server.
	DeleteOnServer bool `mapstructure:"delete_on_server" yaml:"delete_on_server,omitempty" json:"delete_on_server"`
	// MaxMailSize (KiB) bounds bodies fetched automatically by interval
	// checks. Zero or less fetches every body.
	MaxMailSize int `mapstructure:"max_mail_size" yaml:"max_mail_size,omitempty" json:"max_mail_size"`
	// PreviewSize (bytes) is the POP size up to which a message is fetched
	// whole during the preview pass.
	PreviewSize int `mapstructure:"preview_size" yaml:"preview_size,omitempty" json:"preview_size"`
	// AutoDownload fetches MMS content as soon as it is announced.
	AutoDownload bool `mapstructure:"auto_download" yaml:"auto_download,omitempty" json:"auto_download"`
	// BaseFolder limits IMAP folder listing to a subtree.
	BaseFolder string `mapstructure:"base_folder" yaml:"base_folder,omitempty" json:"base_folder,omitempty"`
	// Timeout (seconds) fails a connection that stays silent this long.
	Timeout int `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Domain returns the domain part of the account email address.
func (a *AccountConfig) Domain() string {
	if idx := strings.Index(a.Email, "@"); idx >= 0 {
		return a.Email[idx+1:]
	}
	return "localhost"
}

// Interval returns the poll interval.
func (a *AccountConfig) Interval() time.Duration {
	return time.Duration(a.CheckInterval) * time.Minute
}

// Retrieval returns the settings of the retrieval protocol.
func (a *AccountConfig) Retrieval() ProtocolSettings {
	if a.Kind == KindPOP {
		return a.POP3
	}
	return a.IMAP
}

// CanTransmit reports whether the account sends mail over SMTP.
func (a *AccountConfig) CanTransmit() bool {
	return a.SMTP.Configured() && (a.Kind == KindIMAP || a.Kind == KindPOP || a.Kind == KindSMTP)
}

// CanRetrieve reports whether the account has a retrieval client.
func (a *AccountConfig) CanRetrieve() bool {
	return a.Kind != KindSMTP
}

// Config holds the application configuration. Accounts is keyed by account
// name; DefaultAccount selects the account when none is specified.
type Config struct {
	Accounts       map[string]AccountConfig `mapstructure:"accounts" yaml:"accounts" json:"accounts"`
	DefaultAccount string                   `mapstructure:"default_account" yaml:"default_account,omitempty" json:"default_account,omitempty"`

	// StorePath is the SQLite database file.
	StorePath string `mapstructure:"store_path" yaml:"store_path,omitempty" json:"store_path,omitempty"`
	// StoreQuotaMB caps the database size; zero means unlimited.
	StoreQuotaMB int `mapstructure:"store_quota_mb" yaml:"store_quota_mb,omitempty" json:"store_quota_mb,omitempty"`
	// EventsDir holds the caller event log.
	EventsDir string `mapstructure:"events_dir" yaml:"events_dir,omitempty" json:"events_dir,omitempty"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// RootConfig wraps the app config under the "mail" key.
type RootConfig struct {
	Mail Config `mapstructure:"mail" yaml:"mail" json:"mail"`
}

// HasEmxConfig returns true when the emx-config CLI is available in PATH.
func HasEmxConfig() bool {
	_, err := exec.LookPath("emx-config")
	return err == nil
}

// DefaultConfigPath returns ~/.emx-mail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".emx-mail", "config.yaml")
}

// ResolvePath picks the config file: the explicit path, then
// EnvConfigPath, then DefaultConfigPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultConfigPath()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home := filepath.Dir(DefaultConfigPath())
	v.SetDefault("mail.store_path", filepath.Join(home, "messages.db"))
	v.SetDefault("mail.events_dir", filepath.Join(home, "events"))
	v.SetDefault("mail.log_level", "info")
	v.SetDefault("mail.store_quota_mb", 0)
	return v
}

// LoadConfig loads configuration.
//
// 1) An explicit path, or EnvConfigPath, is read as YAML or JSON.
// 2) Otherwise, if emx-config exists, `emx-config list --json` is used.
// 3) Otherwise DefaultConfigPath is read.
func LoadConfig(path string) (*Config, error) {
	if path == "" && os.Getenv(EnvConfigPath) == "" && HasEmxConfig() {
		return loadFromEmxConfig()
	}
	return LoadConfigFile(ResolvePath(path))
}

// LoadConfigFile loads configuration from a YAML or JSON file.
func LoadConfigFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return decode(v)
}

// ParseConfig loads configuration from data in the given format
// ("yaml" or "json").
func ParseConfig(data []byte, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	if !v.IsSet("mail.accounts") {
		return nil, fmt.Errorf("missing required key: mail.accounts")
	}
	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg := &root.Mail
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for name, acc := range c.Accounts {
		if acc.Name == "" {
			acc.Name = name
		}
		if acc.Kind == "" {
			switch {
			case acc.IMAP.Configured():
				acc.Kind = KindIMAP
			case acc.POP3.Configured():
				acc.Kind = KindPOP
			case acc.SMTP.Configured():
				acc.Kind = KindSMTP
			}
		}
		if acc.PreviewSize == 0 {
			acc.PreviewSize = 2000
		}
		if acc.SMTP.Auth == "" {
			if acc.SMTP.Password != "" || acc.SMTP.Username != "" {
				acc.SMTP.Auth = AuthPlain
			} else {
				acc.SMTP.Auth = AuthNone
			}
		}
		if acc.Gateway.MaxSMSSize == 0 {
			acc.Gateway.MaxSMSSize = 160
		}
		c.Accounts[name] = acc
	}
}

// SaveConfig writes root as YAML to path.
func SaveConfig(path string, root *RootConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// AccountNames returns the configured account names, sorted.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for k := range c.Accounts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// GetAccount returns an account by name or email.
func (c *Config) GetAccount(identifier string) (*AccountConfig, error) {
	name, err := c.AccountKey(identifier)
	if err != nil {
		return nil, err
	}
	acc := c.Accounts[name]
	return &acc, nil
}

// AccountKey resolves an account name, display name or email address to
// the key of the account. An empty identifier selects the default account.
func (c *Config) AccountKey(identifier string) (string, error) {
	if len(c.Accounts) == 0 {
		return "", fmt.Errorf("no accounts configured")
	}

	if identifier == "" {
		if c.DefaultAccount != "" {
			identifier = c.DefaultAccount
		} else {
			identifier = c.AccountNames()[0]
		}
	}

	if _, ok := c.Accounts[identifier]; ok {
		return identifier, nil
	}
	for _, name := range c.AccountNames() {
		acc := c.Accounts[name]
		if acc.Name == identifier || acc.Email == identifier {
			return name, nil
		}
	}
	return "", fmt.Errorf("account not found: %s", identifier)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	for _, name := range c.AccountNames() {
		acc := c.Accounts[name]
		if err := acc.validate(); err != nil {
			return fmt.Errorf("account %s: %w", name, err)
		}
		if acc.SMTP.Auth == AuthPOPBeforeSMTP && acc.SMTP.Paired != "" {
			paired, ok := c.Accounts[acc.SMTP.Paired]
			if !ok {
				return fmt.Errorf("account %s: paired account not found: %s", name, acc.SMTP.Paired)
			}
			if paired.Kind != KindPOP {
				return fmt.Errorf("account %s: paired account %s is not a pop account", name, acc.SMTP.Paired)
			}
		}
	}

	if c.DefaultAccount != "" {
		if _, ok := c.Accounts[c.DefaultAccount]; !ok {
			return fmt.Errorf("default_account not found: %s", c.DefaultAccount)
		}
	}
	return nil
}

func (a *AccountConfig) validate() error {
	switch a.Kind {
	case KindIMAP:
		if !a.IMAP.Configured() {
			return fmt.Errorf("imap host is required")
		}
	case KindPOP:
		if !a.POP3.Configured() {
			return fmt.Errorf("pop3 host is required")
		}
	case KindSMTP:
		if !a.SMTP.Configured() {
			return fmt.Errorf("smtp host is required")
		}
	case KindSMS, KindMMS, KindInstant:
		if a.Gateway.URL == "" {
			return fmt.Errorf("gateway url is required")
		}
		return nil
	case KindSystem:
		return nil
	case "":
		return fmt.Errorf("at least one of IMAP, POP3 or SMTP must be configured")
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	if a.Email == "" {
		return fmt.Errorf("email is required")
	}
	switch a.SMTP.Auth {
	case AuthNone, AuthPlain, AuthLogin, AuthPOPBeforeSMTP:
	default:
		return fmt.Errorf("unknown smtp auth %q", a.SMTP.Auth)
	}
	if a.SMTP.Auth == AuthPOPBeforeSMTP && a.SMTP.Paired == "" && a.Kind != KindPOP {
		return fmt.Errorf("pop-before-smtp needs a paired pop account")
	}
	if a.CheckInterval < 0 {
		return fmt.Errorf("check_interval must not be negative")
	}
	return nil
}

// ExampleRootConfig returns an example configuration for "init".
func ExampleRootConfig() *RootConfig {
	return &RootConfig{
		Mail: Config{
			DefaultAccount: "work",
			LogLevel:       "info",
			Accounts: map[string]AccountConfig{
				"work": {
					Name:           "Work Account",
					Email:          "user@example.com",
					FromName:       "Your Name",
					Kind:           KindIMAP,
					Push:           true,
					CheckInterval:  15,
					DeleteOnServer: true,
					MaxMailSize:    100,
					IMAP: ProtocolSettings{
						Host:     "imap.example.com",
						Port:     993,
						Username: "user@example.com",
						SSL:      true,
					},
					SMTP: ProtocolSettings{
						Host:     "smtp.example.com",
						Port:     587,
						Username: "user@example.com",
						StartTLS: true,
						Auth:     AuthPlain,
					},
				},
				"home": {
					Email:         "me@example.net",
					Kind:          KindPOP,
					CheckInterval: 30,
					PreviewSize:   2000,
					POP3: ProtocolSettings{
						Host:     "pop3.example.net",
						Port:     995,
						Username: "me@example.net",
						SSL:      true,
					},
					SMTP: ProtocolSettings{
						Host: "smtp.example.net",
						Port: 25,
						Auth: AuthPOPBeforeSMTP,
					},
				},
				"phone": {
					Kind:         KindMMS,
					AutoDownload: true,
					Gateway:      GatewaySettings{URL: "http://mmsc.example.com/gateway"},
				},
			},
		},
	}
}

// --- internal helpers ---

func loadFromEmxConfig() (*Config, error) {
	cmd := exec.Command("emx-config", "list", "--json")
	var out bytes.Buffer
	var errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		stderr := strings.TrimSpace(errOut.String())
		if stderr != "" {
			return nil, fmt.Errorf("emx-config list --json failed: %w: %s", err, stderr)
		}
		return nil, fmt.Errorf("emx-config list --json failed: %w", err)
	}
	return ParseConfig(out.Bytes(), "json")
}
