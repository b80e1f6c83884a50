package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no devices", func(c *Config) { c.Devices = 0 }, ErrInvalidDevices},
		{"no streams", func(c *Config) { c.StreamsPerDevice = -1 }, ErrInvalidStreams},
		{"negative device memory", func(c *Config) { c.DeviceMemoryBytes = -1 }, ErrInvalidDeviceMemory},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, ErrInvalidLogLevel},
		{"no reads", func(c *Config) { c.Reads = 0 }, ErrInvalidReads},
		{"no read length", func(c *Config) { c.ReadLength = 0 }, ErrInvalidReadLength},
		{"short reference", func(c *Config) { c.ReferenceLength = 100 }, ErrInvalidReferenceLength},
		{"error rate", func(c *Config) { c.ErrorRate = 1 }, ErrInvalidErrorRate},
		{"decoys", func(c *Config) { c.Decoys = -2 }, ErrInvalidDecoys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, ValidateConfig(&cfg), tt.want)
		})
	}
}

func TestValidateConfig_LoadedReferenceSkipsLengthCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reference = "ref.fa"
	cfg.ReferenceLength = 0
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfig_StageErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stage.NumBuffers = 0
	err := ValidateConfig(&cfg)
	require.Error(t, err)
	typ, ok := bperrors.TypeOf(err)
	assert.True(t, ok)
	assert.Equal(t, bperrors.ErrorTypeConfiguration, typ)
}

func TestLoadConfig_DefaultsMatchDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BPMSTAGE_STAGE_NUM_BUFFERS", "6")
	t.Setenv("BPMSTAGE_DEVICES", "3")
	t.Setenv("BPMSTAGE_OP_LATENCY", "2ms")
	t.Setenv("BPMSTAGE_ERROR_RATE", "0.1")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Stage.NumBuffers)
	assert.Equal(t, 3, cfg.Devices)
	assert.Equal(t, 2*time.Millisecond, cfg.OpLatency)
	assert.InDelta(t, 0.1, cfg.ErrorRate, 1e-9)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BPMSTAGE_READS=42\nBPMSTAGE_LOG_LEVEL=debug\n"), 0o600))
	// godotenv never overrides variables already set; register them for cleanup
	t.Setenv("BPMSTAGE_READS", "")
	t.Setenv("BPMSTAGE_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("BPMSTAGE_READS"))
	require.NoError(t, os.Unsetenv("BPMSTAGE_LOG_LEVEL"))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Reads)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_BadValue(t *testing.T) {
	t.Setenv("BPMSTAGE_READS", "many")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestBindFlags_OverrideConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reads = 42

	flags := flag.NewFlagSet("test", flag.ContinueOnError)
	BindFlags(flags, &cfg)
	require.NoError(t, flags.Parse([]string{"-read-length", "100", "-bin-size", "4", "-slack", "12", "-output", ""}))

	assert.Equal(t, 42, cfg.Reads, "unset flags keep the loaded value")
	assert.Equal(t, 100, cfg.ReadLength)
	assert.Equal(t, uint32(4), cfg.Stage.QueryBinSize)
	assert.Equal(t, uint32(12), cfg.Slack)
	assert.Empty(t, cfg.Output)
}

func TestBindFlags_RejectsBadUint(t *testing.T) {
	cfg := DefaultConfig()
	flags := flag.NewFlagSet("test", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	BindFlags(flags, &cfg)
	assert.Error(t, flags.Parse([]string{"-slack", "wide"}))
}
