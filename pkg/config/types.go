package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// Default limits.
const (
	DefaultBridgeTimeoutMs    = 45000
	DefaultMaxScriptSizeBytes = 512 * 1024
	DefaultCacheMaxAgeMs      = 60000
	DefaultReadRetries        = 2
	DefaultRetryBackoffMs     = 250
)

// Config is the complete focusbridge configuration.
type Config struct {
	// BridgeTimeoutMs bounds one bridge process.
	BridgeTimeoutMs int `json:"bridgeTimeoutMs" yaml:"bridgeTimeoutMs" validate:"gt=0"`

	// MaxScriptSizeBytes is the largest script the bridge accepts.
	MaxScriptSizeBytes int `json:"maxScriptSizeBytes" yaml:"maxScriptSizeBytes" validate:"gt=0"`

	// CacheMaxAgeMs is the age at which a cached read stops being served.
	// Zero disables the cache.
	CacheMaxAgeMs int `json:"cacheMaxAgeMs" yaml:"cacheMaxAgeMs" validate:"gte=0"`

	// ReadRetries is how many times a read failing with a retryable bridge
	// failure is retried.
	ReadRetries int `json:"readRetries" yaml:"readRetries" validate:"gte=0,lte=10"`

	// RetryBackoffMs is the initial backoff between read retries.
	RetryBackoffMs int `json:"retryBackoffMs" yaml:"retryBackoffMs" validate:"gte=0"`

	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	SSH       *SSHConfig      `json:"ssh,omitempty" yaml:"ssh,omitempty"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// BridgeConfig selects how scripts reach the target application.
type BridgeConfig struct {
	// Transport is "local" (spawn on this machine) or "ssh".
	Transport string `json:"transport" yaml:"transport" validate:"oneof=local ssh"`

	// Command and Args form the bridge invocation; the script follows Args.
	Command string   `json:"command" yaml:"command" validate:"required"`
	Args    []string `json:"args" yaml:"args"`

	// Application is the scripted application's name.
	Application string `json:"application" yaml:"application" validate:"required"`

	// KillGraceMs is how long a terminated bridge gets before it is killed.
	KillGraceMs int `json:"killGraceMs" yaml:"killGraceMs" validate:"gte=0"`
}

// SSHConfig reaches a bridge on a remote host.
type SSHConfig struct {
	Host                  string `json:"host" yaml:"host" validate:"required"`
	Port                  int    `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User                  string `json:"user" yaml:"user" validate:"required"`
	AuthMethod            string `json:"authMethod" yaml:"authMethod" validate:"omitempty,oneof=password key"`
	Password              string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPath        string `json:"privateKeyPath,omitempty" yaml:"privateKeyPath,omitempty"`
	Passphrase            string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	KnownHostsPath        string `json:"knownHostsPath,omitempty" yaml:"knownHostsPath,omitempty"`
	StrictHostKeyChecking *bool  `json:"strictHostKeyChecking,omitempty" yaml:"strictHostKeyChecking,omitempty"`
	ConnectionTimeoutMs   int    `json:"connectionTimeoutMs" yaml:"connectionTimeoutMs" validate:"gte=0"`
	KeepAliveIntervalMs   int    `json:"keepAliveIntervalMs" yaml:"keepAliveIntervalMs" validate:"gte=0"`
	RemoteDir             string `json:"remoteDir,omitempty" yaml:"remoteDir,omitempty"`
}

// PolicyConfig configures the operation policy gate.
type PolicyConfig struct {
	// Enabled turns the gate on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ReadOnly denies every mutation.
	ReadOnly bool `json:"readOnly" yaml:"readOnly"`

	// Paths lists extra .rego files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `json:"logFormat" yaml:"logFormat" validate:"oneof=console json"`

	MetricsEnabled bool   `json:"metricsEnabled" yaml:"metricsEnabled"`
	MetricsAddress string `json:"metricsAddress" yaml:"metricsAddress" validate:"required_if=MetricsEnabled true"`

	TracingEnabled  bool    `json:"tracingEnabled" yaml:"tracingEnabled"`
	TracingExporter string  `json:"tracingExporter" yaml:"tracingExporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `json:"tracingEndpoint,omitempty" yaml:"tracingEndpoint,omitempty"`
	SamplingRate    float64 `json:"samplingRate" yaml:"samplingRate" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		BridgeTimeoutMs:    DefaultBridgeTimeoutMs,
		MaxScriptSizeBytes: DefaultMaxScriptSizeBytes,
		CacheMaxAgeMs:      DefaultCacheMaxAgeMs,
		ReadRetries:        DefaultReadRetries,
		RetryBackoffMs:     DefaultRetryBackoffMs,
		Bridge: BridgeConfig{
			Transport:   "local",
			Command:     "osascript",
			Args:        []string{"-l", "JavaScript"},
			Application: "OmniFocus",
			KillGraceMs: 100,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsAddress:  ":9090",
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
	}
}

// Limits converts the hot-reloadable bounds to engine limits.
func (c *Config) Limits() engine.Limits {
	return engine.Limits{
		BridgeTimeout: ms(c.BridgeTimeoutMs),
		MaxScriptSize: c.MaxScriptSizeBytes,
		CacheMaxAge:   ms(c.CacheMaxAgeMs),
	}
}

// RetryPolicy converts the retry settings.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	initial := ms(c.RetryBackoffMs)
	return engine.RetryPolicy{
		ReadRetries:    c.ReadRetries,
		InitialBackoff: initial,
		MaxBackoff:     8 * initial,
	}
}

// KillGrace is the bridge termination grace period.
func (c *Config) KillGrace() time.Duration {
	return ms(c.Bridge.KillGraceMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ValidationError is one problem found in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of one source.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}
