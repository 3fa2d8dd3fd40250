package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// defaultKeys are tried in order when key authentication has no key path.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config holds the connection settings for a remote Mac running the target
// application.
type Config struct {
	Host string
	Port int

	// User must own the GUI session the application runs in, or automation
	// requests are refused.
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is required when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds the TCP dial and the handshake.
	ConnectionTimeout time.Duration

	// KeepAliveInterval of 0 disables keep-alives. The connection is dropped
	// after MaxKeepAliveRetries consecutive failures.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int

	// RemoteDir is the absolute directory scripts are uploaded to.
	RemoteDir string

	// Command and Args start the bridge; the uploaded script path is appended.
	Command string
	Args    []string

	// KillGrace is the delay between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration
}

// DefaultConfig returns settings for osascript on host, reached as user with
// the user's default key.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		RemoteDir:             "/tmp",
		Command:               "osascript",
		Args:                  []string{"-l", "JavaScript"},
		KillGrace:             100 * time.Millisecond,
	}
}

// Validate reports every problem with the settings. Key authentication
// without a key path picks the first default key that exists.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Host == "" {
		fail("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		fail("invalid port: %d", c.Port)
	}
	if c.User == "" {
		fail("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			fail("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
		}
		if c.PrivateKeyPath == "" {
			fail("private key path is required for key authentication and no default key found")
		} else if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			fail("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		fail("unsupported auth method: %q", c.AuthMethod)
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		fail("strict host key checking needs a known_hosts path")
	}
	if c.ConnectionTimeout <= 0 {
		fail("connection timeout must be positive")
	}
	if c.KeepAliveInterval < 0 || c.MaxKeepAliveRetries < 0 {
		fail("keep-alive settings must not be negative")
	}
	if !path.IsAbs(c.RemoteDir) {
		fail("remote dir must be an absolute path, got %q", c.RemoteDir)
	}
	if c.Command == "" {
		fail("bridge command is required")
	}
	if c.KillGrace < 0 {
		fail("kill grace must not be negative")
	}
	return errors.Join(errs...)
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range defaultKeys {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ClientConfig builds the handshake settings.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// macOS sshd prompts through keyboard-interactive by default.
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
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port, bracketing IPv6 hosts.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
