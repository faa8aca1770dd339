package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vango-dev/scenesync/internal/errors"
	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "scenesync.json"

	// DefaultHost is the synchronizer host name sent in handshakes.
	DefaultHost = "scenesync"

	// DefaultListen is the default server address.
	DefaultListen = ":7420"

	// DefaultRecordingsDir is used by the disk backend.
	DefaultRecordingsDir = "recordings"
)

// Sentinels wrapped by the diagnostics this package returns.
var (
	ErrNotFound = stderrors.New("config: " + ConfigFileName + " not found")
	ErrInvalid  = stderrors.New("config: invalid configuration")
)

// Recording backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendS3     = "s3"
)

// Config represents the complete scenesync.json configuration.
type Config struct {
	// Name is the project name.
	Name string `json:"name,omitempty"`

	// Host is the name this process announces to peers.
	Host string `json:"host,omitempty"`

	// Listen is the address `scenesync serve` binds to.
	Listen string `json:"listen,omitempty"`

	// Protocol contains wire format settings.
	Protocol ProtocolConfig `json:"protocol,omitempty"`

	// Transport contains buffered transport settings.
	Transport TransportConfig `json:"transport,omitempty"`

	// Link contains connection timing.
	Link LinkConfig `json:"link,omitempty"`

	// Recordings selects where recordings are stored.
	Recordings RecordingsConfig `json:"recordings,omitempty"`

	// Metrics contains Prometheus settings.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Tracing contains OpenTelemetry settings.
	Tracing TracingConfig `json:"tracing,omitempty"`

	// Events contains event bus settings.
	Events EventsConfig `json:"events,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ProtocolConfig contains wire format settings.
type ProtocolConfig struct {
	// Version must match the protocol version of this build.
	Version uint32 `json:"version,omitempty"`

	// VecSize is the vector width written by this process (3 or 4).
	VecSize int `json:"vecSize,omitempty"`

	// MaxHosts caps the number of peers (at most 24).
	MaxHosts int `json:"maxHosts,omitempty"`
}

// TransportConfig contains buffered transport settings.
type TransportConfig struct {
	// BufferSize is the capacity of a pooled buffer in bytes.
	BufferSize int `json:"bufferSize,omitempty"`

	// PoolSize is the number of pooled buffers.
	PoolSize int `json:"poolSize,omitempty"`

	// SendUpdates forwards the fast and update logs (default true).
	SendUpdates *bool `json:"sendUpdates,omitempty"`

	// SendEvents forwards the event log (default true).
	SendEvents *bool `json:"sendEvents,omitempty"`
}

// LinkConfig contains connection timing as duration strings (e.g. "10s").
type LinkConfig struct {
	WriteTimeout     string `json:"writeTimeout,omitempty"`
	PingInterval     string `json:"pingInterval,omitempty"`
	PongTimeout      string `json:"pongTimeout,omitempty"`
	HandshakeTimeout string `json:"handshakeTimeout,omitempty"`
}

// RecordingsConfig selects the recording store.
type RecordingsConfig struct {
	// Backend is "memory", "disk" or "s3".
	Backend string `json:"backend,omitempty"`

	// Dir is the disk backend directory, relative to the config file.
	Dir string `json:"dir,omitempty"`

	// Bucket, Prefix and Region configure the s3 backend.
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`

	// MaxSize limits one recording in bytes (0 = no limit).
	MaxSize int `json:"maxSize,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Namespace prefixes every metric name.
	Namespace string `json:"namespace,omitempty"`

	// Disabled turns the /metrics route off.
	Disabled bool `json:"disabled,omitempty"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	// Name is the tracer name.
	Name string `json:"name,omitempty"`
}

// EventsConfig contains event bus settings.
type EventsConfig struct {
	// Topic is the topic decoded events are published on.
	Topic string `json:"topic,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the specified directory.
// It looks for scenesync.json in the directory.
func Load(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ConfigFileName)
	return LoadFile(configPath)
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("S200").
				WithDetail("No " + ConfigFileName + " found in " + filepath.Dir(path)).
				Wrap(ErrNotFound)
		}
		return nil, errors.New("S201").Wrap(err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("S201").
			WithDetail("Failed to parse " + ConfigFileName + ": " + err.Error()).
			WithSuggestion("Check that " + ConfigFileName + " is valid JSON").
			Wrap(ErrInvalid)
	}

	cfg.configPath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("S201").Wrap(err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.New("S201").Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return "."
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.Protocol.Version == 0 {
		c.Protocol.Version = protocol.CurrentVersion
	}
	if c.Protocol.VecSize == 0 {
		c.Protocol.VecSize = protocol.DefaultVecSize
	}
	if c.Protocol.MaxHosts == 0 {
		c.Protocol.MaxHosts = protocol.MaxHosts
	}

	defaults := bufmess.DefaultConfig()
	if c.Transport.BufferSize == 0 {
		c.Transport.BufferSize = defaults.BufferSize
	}
	if c.Transport.PoolSize == 0 {
		c.Transport.PoolSize = defaults.PoolSize
	}
	if c.Transport.SendUpdates == nil {
		c.Transport.SendUpdates = boolPtr(defaults.SendUpdates)
	}
	if c.Transport.SendEvents == nil {
		c.Transport.SendEvents = boolPtr(defaults.SendEvents)
	}

	if c.Recordings.Backend == "" {
		c.Recordings.Backend = BackendMemory
	}
	if c.Recordings.Backend == BackendDisk && c.Recordings.Dir == "" {
		c.Recordings.Dir = DefaultRecordingsDir
	}
	if c.Recordings.Backend == BackendS3 && c.Recordings.Prefix == "" {
		c.Recordings.Prefix = "recordings/"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "scenesync"
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = "scenesync"
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "scenesync.events"
	}
}

func boolPtr(b bool) *bool { return &b }

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	invalid := func(detail string) error {
		return errors.New("S201").WithDetail(detail).Wrap(ErrInvalid)
	}

	if c.Protocol.Version != protocol.CurrentVersion {
		return invalid(fmt.Sprintf("protocol.version %d is not supported; this build speaks %d",
			c.Protocol.Version, protocol.CurrentVersion))
	}
	if c.Protocol.VecSize != 3 && c.Protocol.VecSize != 4 {
		return invalid("protocol.vecSize must be 3 or 4")
	}
	if c.Protocol.MaxHosts < 1 || c.Protocol.MaxHosts > protocol.MaxHosts {
		return invalid(fmt.Sprintf("protocol.maxHosts must be between 1 and %d", protocol.MaxHosts))
	}
	if err := c.BufmessConfig().Validate(); err != nil {
		return invalid(err.Error())
	}
	if _, err := c.LinkConfig(); err != nil {
		return invalid(err.Error())
	}

	switch c.Recordings.Backend {
	case BackendMemory, BackendDisk:
	case BackendS3:
		if c.Recordings.Bucket == "" {
			return invalid("recordings.bucket is required for the s3 backend")
		}
	default:
		return invalid(fmt.Sprintf("unknown recordings backend %q", c.Recordings.Backend))
	}
	if c.Recordings.MaxSize < 0 {
		return invalid("recordings.maxSize must not be negative")
	}
	return nil
}

// BufmessConfig returns the buffered transport configuration.
func (c *Config) BufmessConfig() *bufmess.Config {
	cfg := bufmess.DefaultConfig()
	cfg.BufferSize = c.Transport.BufferSize
	cfg.PoolSize = c.Transport.PoolSize
	if c.Transport.SendUpdates != nil {
		cfg.SendUpdates = *c.Transport.SendUpdates
	}
	if c.Transport.SendEvents != nil {
		cfg.SendEvents = *c.Transport.SendEvents
	}
	return cfg
}

// LinkConfig parses the link timing over the link defaults.
func (c *Config) LinkConfig() (*link.Config, error) {
	cfg := link.DefaultConfig()
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"link.writeTimeout", c.Link.WriteTimeout, &cfg.WriteTimeout},
		{"link.pingInterval", c.Link.PingInterval, &cfg.PingInterval},
		{"link.pongTimeout", c.Link.PongTimeout, &cfg.PongTimeout},
		{"link.handshakeTimeout", c.Link.HandshakeTimeout, &cfg.HandshakeTimeout},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
		*d.dst = v
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		return nil, fmt.Errorf("link.pongTimeout must exceed link.pingInterval")
	}
	return cfg, nil
}

// RecordingsPath returns the absolute path of the disk backend directory.
func (c *Config) RecordingsPath() string {
	path := c.Recordings.Dir
	if path == "" {
		path = DefaultRecordingsDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir(), path)
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindProjectRoot walks up directories to find the project root.
// Returns the directory containing scenesync.json, or an error if not found.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("S200").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory").
				Wrap(ErrNotFound)
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads configuration from the current working directory,
// falling back to defaults when no project file exists.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root, err := FindProjectRoot(wd)
	if err != nil {
		return New(), nil
	}

	return Load(root)
}
