package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/23skdu/bpmstage/internal/stage"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix prefixes every environment variable the command reads.
const envPrefix = "BPMSTAGE"

// Config validation errors
var (
	ErrInvalidDevices         = errors.New("devices must be positive")
	ErrInvalidStreams         = errors.New("streams_per_device must be positive")
	ErrInvalidDeviceMemory    = errors.New("device_memory_bytes cannot be negative")
	ErrInvalidLogFormat       = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel        = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidReads           = errors.New("reads must be positive")
	ErrInvalidReadLength      = errors.New("read_length must be positive")
	ErrInvalidReferenceLength = errors.New("reference_length must cover read_length plus slack")
	ErrInvalidErrorRate       = errors.New("error_rate must be within [0, 1)")
	ErrInvalidDecoys          = errors.New("decoys cannot be negative")
)

// Config holds every setting of a verification run.
type Config struct {
	Stage stage.Config `envconfig:"STAGE"`

	Devices           int           `envconfig:"DEVICES" default:"1"`
	StreamsPerDevice  int           `envconfig:"STREAMS_PER_DEVICE" default:"2"`
	DeviceMemoryBytes int64         `envconfig:"DEVICE_MEMORY_BYTES" default:"0"`
	OpLatency         time.Duration `envconfig:"OP_LATENCY" default:"0s"`

	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`

	Reference       string  `envconfig:"REFERENCE" default:""`
	ReferenceLength int     `envconfig:"REFERENCE_LENGTH" default:"1048576"`
	Reads           int     `envconfig:"READS" default:"10000"`
	ReadLength      int     `envconfig:"READ_LENGTH" default:"150"`
	ErrorRate       float64 `envconfig:"ERROR_RATE" default:"0.02"`
	Decoys          int     `envconfig:"DECOYS" default:"3"`
	Slack           uint32  `envconfig:"SLACK" default:"8"`
	Output          string  `envconfig:"OUTPUT" default:"results.parquet"`
	Seed            int64   `envconfig:"SEED" default:"1"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Stage:            stage.DefaultConfig(),
		Devices:          1,
		StreamsPerDevice: 2,
		LogFormat:        "json",
		LogLevel:         "info",
		ReferenceLength:  1 << 20,
		Reads:            10000,
		ReadLength:       150,
		ErrorRate:        0.02,
		Decoys:           3,
		Slack:            8,
		Output:           "results.parquet",
		Seed:             1,
	}
}

// LoadConfig reads the configuration from the environment after loading
// envFile, if it exists.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if err := cfg.Stage.Validate(); err != nil {
		return err
	}
	if cfg.Devices <= 0 {
		return ErrInvalidDevices
	}
	if cfg.StreamsPerDevice <= 0 {
		return ErrInvalidStreams
	}
	if cfg.DeviceMemoryBytes < 0 {
		return ErrInvalidDeviceMemory
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.Reads <= 0 {
		return ErrInvalidReads
	}
	if cfg.ReadLength <= 0 {
		return ErrInvalidReadLength
	}
	// A loaded reference is checked once it is read.
	if cfg.Reference == "" && cfg.ReferenceLength < cfg.ReadLength+int(cfg.Slack) {
		return ErrInvalidReferenceLength
	}
	if cfg.ErrorRate < 0 || cfg.ErrorRate >= 1 {
		return ErrInvalidErrorRate
	}
	if cfg.Decoys < 0 {
		return ErrInvalidDecoys
	}
	return nil
}

// BindFlags registers a flag per setting, defaulting to the current value of
// cfg so that flags override the environment.
func BindFlags(flags *flag.FlagSet, cfg *Config) {
	flags.IntVar(&cfg.Stage.NumBuffers, "buffers", cfg.Stage.NumBuffers, "Staging buffers per stage")
	flags.IntVar(&cfg.Stage.BufferBytes, "buffer-bytes", cfg.Stage.BufferBytes, "Initial size of each staging buffer")
	flags.Func("bin-size", "Lanes per candidate for uniform-length reads; 0 bins by length", uintFlag(&cfg.Stage.QueryBinSize))
	flags.IntVar(&cfg.Devices, "devices", cfg.Devices, "Simulated devices")
	flags.IntVar(&cfg.StreamsPerDevice, "streams", cfg.StreamsPerDevice, "Streams per device")
	flags.Int64Var(&cfg.DeviceMemoryBytes, "device-memory", cfg.DeviceMemoryBytes, "Device memory budget in bytes; 0 is unlimited")
	flags.DurationVar(&cfg.OpLatency, "op-latency", cfg.OpLatency, "Simulated latency of every stream operation")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or console")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address to serve Prometheus metrics on; empty disables")
	flags.StringVar(&cfg.Reference, "reference", cfg.Reference, "Reference FASTA, optionally gzipped; empty synthesises one")
	flags.IntVar(&cfg.ReferenceLength, "reference-length", cfg.ReferenceLength, "Length of a synthesised reference")
	flags.IntVar(&cfg.Reads, "reads", cfg.Reads, "Reads to sample")
	flags.IntVar(&cfg.ReadLength, "read-length", cfg.ReadLength, "Length of each read")
	flags.Float64Var(&cfg.ErrorRate, "error-rate", cfg.ErrorRate, "Per-base substitution rate of sampled reads")
	flags.IntVar(&cfg.Decoys, "decoys", cfg.Decoys, "Random candidates per read besides the true locus")
	flags.Func("slack", "Extra reference bases in each candidate window", uintFlag(&cfg.Slack))
	flags.StringVar(&cfg.Output, "output", cfg.Output, "Parquet output path; empty discards results")
	flags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
}

func uintFlag(dst *uint32) func(string) error {
	return func(s string) error {
		var v uint32
		if _, err := fmt.Sscan(s, &v); err != nil {
			return err
		}
		*dst = v
		return nil
	}
}
