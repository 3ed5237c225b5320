package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/Project-Bois/DataDash-codes/discovery"
	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Document(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/datadash.json", []byte(`{
		"encryption": true,
		"device_name": "laptop",
		"discovery_scheme": "legacy",
		"connect_timeout": "3s",
		"io_timeout": "30s",
		"log_format": "json"
	}`), 0o644))

	cfg, err := LoadFs(fs, "/etc/datadash.json")
	require.NoError(t, err)
	assert.True(t, cfg.Encryption)
	assert.Equal(t, "laptop", cfg.DeviceName)
	assert.Equal(t, discovery.LegacyScheme, cfg.Scheme())
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.IOTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, handshake.DevicePython, cfg.DeviceType)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoad_FallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed json", `{"encryption": tru`},
		{"not an object", `[1, 2, 3]`},
		{"non-boolean flag", `{"encryption": "sometimes"}`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/c.json", []byte(tt.doc), 0o644))

			cfg, err := LoadFs(fs, "/c.json")
			require.NoError(t, err)
			assert.False(t, cfg.Encryption)
			assert.Equal(t, "v1", cfg.DiscoveryScheme)
		})
	}
}

func TestLoad_MissingDocument(t *testing.T) {
	cfg, err := LoadFs(afero.NewMemMapFs(), "/absent.json")
	require.NoError(t, err)

	def := NewDefaultConfig()
	assert.Equal(t, def, cfg)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATADASH_ENCRYPTION", "true")
	t.Setenv("DATADASH_DEVICE_NAME", "from-env")

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json", []byte(`{"device_name": "from-file"}`), 0o644))

	cfg, err := LoadFs(fs, "/c.json")
	require.NoError(t, err)
	assert.True(t, cfg.Encryption)
	assert.Equal(t, "from-env", cfg.DeviceName)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	def := NewDefaultConfig()
	tests := []struct {
		name  string
		doc   string
		check func(t *testing.T, cfg *Config)
	}{
		{"zero connect timeout", `{"connect_timeout": "0s"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.ConnectTimeout, cfg.ConnectTimeout)
		}},
		{"unparsable connect timeout", `{"connect_timeout": "ten"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.ConnectTimeout, cfg.ConnectTimeout)
		}},
		{"negative io timeout", `{"io_timeout": "-1s"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.IOTimeout, cfg.IOTimeout)
		}},
		{"no workers", `{"workers": 0}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.Workers, cfg.Workers)
		}},
		{"unparsable workers", `{"workers": "four"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.Workers, cfg.Workers)
		}},
		{"bad format", `{"log_format": "xml"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.LogFormat, cfg.LogFormat)
		}},
		{"bad level", `{"log_level": "loud"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.LogLevel, cfg.LogLevel)
		}},
		{"unknown scheme", `{"discovery_scheme": "v9"}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.DiscoveryScheme, cfg.DiscoveryScheme)
		}},
		{"empty device type", `{"device_type": ""}`, func(t *testing.T, cfg *Config) {
			assert.Equal(t, def.DeviceType, cfg.DeviceType)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/c.json", []byte(tt.doc), 0o644))

			cfg, err := LoadFs(fs, "/c.json")
			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.NoError(t, cfg.Validate())
			tt.check(t, cfg)
		})
	}
}

func TestLoad_InvalidValuesKeepValidOnes(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/c.json",
		[]byte(`{"encryption": true, "workers": "four", "connect_timeout": "ten"}`), 0o644))

	cfg, err := LoadFs(fs, "/c.json")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.True(t, cfg.Encryption)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}

func TestValidate_SchemeAndLevel(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.DiscoveryScheme = "v9"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}

func TestApplyLogging(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"

	l := logrus.New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	require.NoError(t, cfg.ApplyLogging(l))

	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	l.WithField("function", "test").Debug("hello")
	assert.Contains(t, buf.String(), `"function":"test"`)
}

func TestDescriptor(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.DeviceType = handshake.DeviceJava
	assert.Equal(t, handshake.DeviceJava, cfg.Descriptor().DeviceType)
	assert.NotEmpty(t, cfg.Descriptor().OS)
}
