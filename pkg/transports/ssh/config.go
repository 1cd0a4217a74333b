package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/rollout/pkg/model"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Defaults are the connection settings shared by every host of a build.
// Host declarations override User and Port. Secrets are never stored in
// settings files: PasswordEnv and PassphraseEnv name environment variables.
type Defaults struct {
	User       string     `toml:"user"`
	Port       int        `toml:"port"`
	AuthMethod AuthMethod `toml:"auth_method"`

	PasswordEnv    string `toml:"password_env"`
	PrivateKeyPath string `toml:"private_key_path"`
	PassphraseEnv  string `toml:"passphrase_env"`

	// KnownHostsPath is checked when StrictHostKeyChecking is set.
	KnownHostsPath        string `toml:"known_hosts_path"`
	StrictHostKeyChecking bool   `toml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `toml:"connection_timeout"`

	// CommandTimeout bounds each command; zero leaves it to the caller.
	CommandTimeout time.Duration `toml:"command_timeout"`

	// KeepAliveInterval of zero disables keep-alive requests.
	KeepAliveInterval   time.Duration `toml:"keep_alive_interval"`
	MaxKeepAliveRetries int           `toml:"max_keep_alive_retries"`

	// JumpHost is an optional bastion, as host or host:port.
	JumpHost string `toml:"jump_host"`
	JumpUser string `toml:"jump_user"`
}

// DefaultDefaults returns key authentication against ~/.ssh/known_hosts.
func DefaultDefaults() Defaults {
	return Defaults{
		Port:                  22,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        30 * time.Minute,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks the settings that do not depend on a host.
func (d Defaults) Validate() error {
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("invalid port: %d", d.Port)
	}
	switch d.AuthMethod {
	case AuthMethodPassword, AuthMethodKey, AuthMethodAgent:
	default:
		return fmt.Errorf("unsupported auth method: %s", d.AuthMethod)
	}
	if d.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if d.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative")
	}
	if d.JumpHost != "" {
		if _, _, err := splitHostPort(d.JumpHost, 22); err != nil {
			return fmt.Errorf("invalid jump host: %w", err)
		}
	}
	return nil
}

// ConfigFor builds the connection config of host. Environment variables
// are read through getenv; nil means os.Getenv.
func (d Defaults) ConfigFor(host model.HostInfo, getenv func(string) string) *Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := &Config{
		Host:                  host.Name,
		Port:                  d.Port,
		User:                  d.User,
		AuthMethod:            d.AuthMethod,
		PrivateKeyPath:        d.PrivateKeyPath,
		KnownHostsPath:        d.KnownHostsPath,
		StrictHostKeyChecking: d.StrictHostKeyChecking,
		ConnectionTimeout:     d.ConnectionTimeout,
		CommandTimeout:        d.CommandTimeout,
		KeepAliveInterval:     d.KeepAliveInterval,
		MaxKeepAliveRetries:   d.MaxKeepAliveRetries,
	}
	if host.User != "" {
		c.User = host.User
	}
	if c.User == "" {
		c.User = getenv("USER")
	}
	if host.Port != 0 {
		c.Port = host.Port
	}
	if d.PasswordEnv != "" {
		c.Password = getenv(d.PasswordEnv)
	}
	if d.PassphraseEnv != "" {
		c.PrivateKeyPassphrase = getenv(d.PassphraseEnv)
	}
	if d.JumpHost != "" {
		jumpHost, jumpPort, _ := splitHostPort(d.JumpHost, 22)
		c.ProxyHost = jumpHost
		c.ProxyPort = jumpPort
		c.ProxyUser = d.JumpUser
		if c.ProxyUser == "" {
			c.ProxyUser = c.User
		}
	}
	return c
}

func splitHostPort(s string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port
		return s, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, port, nil
}

// Config is the resolved connection of one host. Build it with
// Defaults.ConfigFor; secrets are already read from the environment.
type Config struct {
	Host       string
	Port       int
	User       string
	AuthMethod AuthMethod

	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// Without it any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	// CommandTimeout of zero leaves command deadlines to the caller.
	CommandTimeout    time.Duration

	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int

	// ProxyHost is an optional jump host, reached with the target's
	// credentials as ProxyUser.
	ProxyHost string
	ProxyPort int
	ProxyUser string
}

// DefaultConfig returns the default connection of host as user.
func DefaultConfig(host string, user string) *Config {
	return DefaultDefaults().ConfigFor(model.HostInfo{Name: host, User: user}, nil)
}

// defaultKeys are tried in order when key authentication names no key.
var defaultKeys = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Validate checks c and fills in a default private key when key
// authentication names none.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return fmt.Errorf("user is required")
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	switch {
	case c.ConnectionTimeout <= 0:
		return fmt.Errorf("connection timeout must be positive")
	case c.CommandTimeout < 0:
		return fmt.Errorf("command timeout must not be negative")
	case c.ProxyHost == "":
		return nil
	case c.ProxyPort <= 0 || c.ProxyPort > 65535:
		return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
	case c.ProxyUser == "":
		return fmt.Errorf("proxy user is required when proxy host is specified")
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, name := range defaultKeys {
				if path := filepath.Join(home, ".ssh", name); fileExists(path) {
					c.PrivateKeyPath = path
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if !fileExists(c.PrivateKeyPath) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig for the target host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.User)
}

// clientConfig is shared by the target and the jump host, which differ
// only in user.
func (c *Config) clientConfig(user string) (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase == "" {
			signer, err = ssh.ParsePrivateKey(pem)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port of the target.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns host:port of the jump host, or "".
func (c *Config) ProxyAddress() string {
	if !c.IsProxyEnabled() {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled reports whether a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
