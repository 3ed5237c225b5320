// Package config loads the DataDash configuration document.
//
// The document is an optional JSON file; every key can also be set through
// a DATADASH_<KEY> environment variable. A missing or malformed document is
// not an error: the defaults apply, so encryption stays off.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Project-Bois/DataDash-codes/discovery"
	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/Project-Bois/DataDash-codes/manifest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Keys of the configuration document.
const (
	KeyEncryption      = "encryption"
	KeyDeviceName      = "device_name"
	KeyDeviceType      = "device_type"
	KeyManifestPath    = "manifest_path"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyDiscoveryScheme = "discovery_scheme"
	KeyConnectTimeout  = "connect_timeout"
	KeyIOTimeout       = "io_timeout"
	KeyWorkers         = "workers"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DATADASH"
)

var (
	ErrInvalidDeviceType     = errors.New("device type must be set")
	ErrInvalidConnectTimeout = errors.New("connect timeout must be positive")
	ErrInvalidIOTimeout      = errors.New("io timeout must not be negative")
	ErrInvalidWorkers        = errors.New("workers must be positive")
	ErrInvalidLogFormat      = errors.New("log format must be text or json")
)

// Config holds the settings read once per session.
type Config struct {
	Encryption      bool
	DeviceName      string
	DeviceType      handshake.DeviceType
	ManifestPath    string
	LogLevel        string
	LogFormat       string
	DiscoveryScheme string
	ConnectTimeout  time.Duration
	IOTimeout       time.Duration
	Workers         int
}

// NewDefaultConfig returns the configuration used when no document exists.
func NewDefaultConfig() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "datadash"
	}
	return &Config{
		Encryption:      false,
		DeviceName:      name,
		DeviceType:      handshake.DevicePython,
		ManifestPath:    manifest.DefaultPath(),
		LogLevel:        "info",
		LogFormat:       "text",
		DiscoveryScheme: "v1",
		ConnectTimeout:  10 * time.Second,
		IOTimeout:       0,
		Workers:         4,
	}
}

// DefaultPath returns <user config dir>/datadash/config.json.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "datadash", "config.json")
}

// Load reads the document at path, or DefaultPath when path is empty, from
// the OS filesystem.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs reads the document at path on fs. Read and parse failures are
// logged and the defaults kept. A value that does not parse or fails
// validation is replaced by its default with a warning.
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	def := NewDefaultConfig()
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyEncryption, def.Encryption)
	v.SetDefault(KeyDeviceName, def.DeviceName)
	v.SetDefault(KeyDeviceType, string(def.DeviceType))
	v.SetDefault(KeyManifestPath, def.ManifestPath)
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.SetDefault(KeyLogFormat, def.LogFormat)
	v.SetDefault(KeyDiscoveryScheme, def.DiscoveryScheme)
	v.SetDefault(KeyConnectTimeout, def.ConnectTimeout)
	v.SetDefault(KeyIOTimeout, def.IOTimeout)
	v.SetDefault(KeyWorkers, def.Workers)

	logger := logrus.WithFields(logrus.Fields{
		"function": "LoadFs",
		"path":     path,
	})

	if err := v.ReadInConfig(); err != nil {
		exists, _ := afero.Exists(fs, path)
		switch {
		case !exists && !explicit:
			logger.Debug("No configuration document, using defaults")
		case !exists:
			logger.Warn("Configuration document not found, using defaults")
		default:
			logger.WithField("error", err.Error()).Warn("Malformed configuration document, using defaults")
		}
	} else {
		logger.Debug("Configuration loaded")
	}

	cfg := &Config{
		Encryption:      v.GetBool(KeyEncryption),
		DeviceName:      v.GetString(KeyDeviceName),
		DeviceType:      handshake.DeviceType(v.GetString(KeyDeviceType)),
		ManifestPath:    v.GetString(KeyManifestPath),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
		DiscoveryScheme: v.GetString(KeyDiscoveryScheme),
		ConnectTimeout:  v.GetDuration(KeyConnectTimeout),
		IOTimeout:       v.GetDuration(KeyIOTimeout),
		Workers:         v.GetInt(KeyWorkers),
	}
	cfg.fallback(def, logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fallback resets every unusable value to the one in def.
func (c *Config) fallback(def *Config, logger *logrus.Entry) {
	reset := func(key string, value interface{}) {
		logger.WithFields(logrus.Fields{
			"key":   key,
			"value": value,
		}).Warn("Invalid configuration value, using default")
	}

	if c.DeviceType == "" {
		reset(KeyDeviceType, c.DeviceType)
		c.DeviceType = def.DeviceType
	}
	if c.DeviceName == "" {
		reset(KeyDeviceName, c.DeviceName)
		c.DeviceName = def.DeviceName
	}
	if c.ManifestPath == "" {
		reset(KeyManifestPath, c.ManifestPath)
		c.ManifestPath = def.ManifestPath
	}
	if _, err := discovery.SchemeByName(c.DiscoveryScheme); err != nil {
		reset(KeyDiscoveryScheme, c.DiscoveryScheme)
		c.DiscoveryScheme = def.DiscoveryScheme
	}
	if c.ConnectTimeout <= 0 {
		reset(KeyConnectTimeout, c.ConnectTimeout.String())
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IOTimeout < 0 {
		reset(KeyIOTimeout, c.IOTimeout.String())
		c.IOTimeout = def.IOTimeout
	}
	if c.Workers <= 0 {
		reset(KeyWorkers, c.Workers)
		c.Workers = def.Workers
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		reset(KeyLogLevel, c.LogLevel)
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		reset(KeyLogFormat, c.LogFormat)
		c.LogFormat = def.LogFormat
	}
}

// Validate checks that the configuration is usable. LoadFs never returns
// an invalid Config; Validate matters after flags override loaded values.
func (c *Config) Validate() error {
	if c.DeviceType == "" {
		return ErrInvalidDeviceType
	}
	if _, err := discovery.SchemeByName(c.DiscoveryScheme); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}
	if c.IOTimeout < 0 {
		return ErrInvalidIOTimeout
	}
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return ErrInvalidLogFormat
	}
	return nil
}

// Scheme returns the configured discovery scheme.
func (c *Config) Scheme() discovery.Scheme {
	s, err := discovery.SchemeByName(c.DiscoveryScheme)
	if err != nil {
		return discovery.SchemeV1
	}
	return s
}

// Descriptor returns the capability descriptor this peer announces.
func (c *Config) Descriptor() handshake.Descriptor {
	d := handshake.DefaultDescriptor()
	d.DeviceType = c.DeviceType
	return d
}

// ApplyLogging sets the level and formatter of l from the configuration.
func (c *Config) ApplyLogging(l *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	switch c.LogFormat {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
