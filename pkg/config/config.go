// Package config provides configuration loading for the probe agent.
//
// Configuration starts from Default and is layered in this order:
//   - a YAML or TOML file (selected by extension), named by PROBE_CONFIG or passed to Load
//   - the comma separated agent argument string (PROBE_ARGS), e.g.
//     "output=/tmp/run-{time},server=https://collector,token=abc,filePerIndex=50"
//
// The output directory may contain a {time} placeholder which is replaced with
// the start time formatted as 20060102-150405.000.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile = "PROBE_CONFIG"
	EnvArgs       = "PROBE_ARGS"

	timePlaceholder = "{time}"
	timeLayout      = "20060102-150405.000"
	logFileName     = "log.txt"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrUnknownFormat = errors.New("unknown config file format")
)

// Mode selects what the recorder does with events.
type Mode string

const (
	// ModePerThread writes one segment file per producer thread.
	ModePerThread Mode = "perthread"
	// ModeDiscard accepts every call and records nothing.
	ModeDiscard Mode = "discard"
)

// Config is the complete agent configuration.
type Config struct {
	Mode Mode `yaml:"mode" toml:"mode"`

	// OutputDir receives segment files, archives and the weave file.
	OutputDir string `yaml:"output_dir" toml:"output_dir"`

	Segment  SegmentConfig  `yaml:"segment" toml:"segment"`
	Archive  ArchiveConfig  `yaml:"archive" toml:"archive"`
	Upload   UploadConfig   `yaml:"upload" toml:"upload"`
	Identity IdentityConfig `yaml:"identity" toml:"identity"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// SegmentConfig configures per-thread segment files and rotation.
type SegmentConfig struct {
	MaxEventsPerFile int      `yaml:"max_events_per_file" toml:"max_events_per_file"`
	SweepInterval    Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	QueueSize        int      `yaml:"queue_size" toml:"queue_size"`
	EnqueueTimeout   Duration `yaml:"enqueue_timeout" toml:"enqueue_timeout"`
	// SyncOnWrite flushes the mapping after every append.
	SyncOnWrite bool `yaml:"sync_on_write" toml:"sync_on_write"`
}

// ArchiveConfig configures archive building.
type ArchiveConfig struct {
	SegmentsPerArchive int      `yaml:"segments_per_archive" toml:"segments_per_archive"`
	IndexInterval      Duration `yaml:"index_interval" toml:"index_interval"`
	CloserQueueSize    int      `yaml:"closer_queue_size" toml:"closer_queue_size"`
}

// UploadConfig configures the optional remote endpoint. An empty ServerURL
// keeps closed archives on disk.
type UploadConfig struct {
	ServerURL              string   `yaml:"server_url" toml:"server_url"`
	Token                  string   `yaml:"token" toml:"token"`
	SessionID              string   `yaml:"session_id" toml:"session_id"`
	Timeout                Duration `yaml:"timeout" toml:"timeout"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures" toml:"max_consecutive_failures"`
	BreakerCooldown        Duration `yaml:"breaker_cooldown" toml:"breaker_cooldown"`
	AttachLog              bool     `yaml:"attach_log" toml:"attach_log"`
}

// IdentityConfig sizes the identity bloom filter and fact queues.
type IdentityConfig struct {
	BloomCapacity   uint64  `yaml:"bloom_capacity" toml:"bloom_capacity"`
	BloomFPP        float64 `yaml:"bloom_fpp" toml:"bloom_fpp"`
	ResetFPP        float64 `yaml:"reset_fpp" toml:"reset_fpp"`
	FactQueueSize   int     `yaml:"fact_queue_size" toml:"fact_queue_size"`
	MaxStringLength int     `yaml:"max_string_length" toml:"max_string_length"`
}

// LogConfig configures the agent logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// ToFile writes the log to log.txt inside the output directory.
	ToFile bool `yaml:"to_file" toml:"to_file"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Mode:      ModePerThread,
		OutputDir: filepath.Join(home, ".probe", "sessions", "output-"+timePlaceholder),
		Segment: SegmentConfig{
			MaxEventsPerFile: 100000,
			SweepInterval:    Duration(731 * time.Millisecond),
			QueueSize:        1024,
			EnqueueTimeout:   Duration(time.Second),
		},
		Archive: ArchiveConfig{
			SegmentsPerArchive: 100,
			IndexInterval:      Duration(time.Second),
			CloserQueueSize:    100,
		},
		Upload: UploadConfig{
			Timeout:                Duration(5 * time.Minute),
			MaxConsecutiveFailures: 10,
			BreakerCooldown:        Duration(10 * time.Minute),
		},
		Identity: IdentityConfig{
			BloomCapacity:   1 << 22,
			BloomFPP:        0.001,
			ResetFPP:        0.01,
			FactQueueSize:   1 << 20,
			MaxStringLength: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML or TOML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FromEnvironment builds the configuration from PROBE_CONFIG and PROBE_ARGS,
// expands the output directory and validates the result.
func FromEnvironment() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyArgs(os.Getenv(EnvArgs)); err != nil {
		return nil, err
	}
	cfg.ExpandOutputDir(time.Now())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyArgs overrides fields from a comma separated key=value string.
// Unknown keys are ignored.
func (c *Config) ApplyArgs(args string) error {
	var errs []error
	for _, arg := range strings.Split(args, ",") {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		key, value, _ := strings.Cut(arg, "=")
		switch key {
		case "output", "out":
			c.OutputDir = value
		case "server":
			c.Upload.ServerURL = value
		case "token":
			c.Upload.Token = value
		case "session":
			c.Upload.SessionID = value
		case "filePerIndex", "files":
			n, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			c.Archive.SegmentsPerArchive = n
		case "events":
			n, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			c.Segment.MaxEventsPerFile = n
		case "format":
			switch {
			case strings.HasPrefix(value, "discard"):
				c.Mode = ModeDiscard
			default:
				c.Mode = ModePerThread
			}
		case "log":
			c.Log.Level = value
		case "logfile":
			c.Log.ToFile = value == "" || value == "true"
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ExpandOutputDir replaces the {time} placeholder in OutputDir.
func (c *Config) ExpandOutputDir(now time.Time) {
	c.OutputDir = strings.ReplaceAll(c.OutputDir, timePlaceholder, now.Format(timeLayout))
}

// LogPath returns the log file path, or "" when logging to stderr.
func (c *Config) LogPath() string {
	if !c.Log.ToFile {
		return ""
	}
	return filepath.Join(c.OutputDir, logFileName)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Mode != ModePerThread && c.Mode != ModeDiscard {
		errs = append(errs, fmt.Errorf("invalid mode: %q", c.Mode))
	}
	if c.Mode == ModeDiscard {
		return errors.Join(errs...)
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.Segment.MaxEventsPerFile <= 0 {
		errs = append(errs, errors.New("segment.max_events_per_file must be positive"))
	}
	if c.Segment.SweepInterval <= 0 {
		errs = append(errs, errors.New("segment.sweep_interval must be positive"))
	}
	if c.Segment.QueueSize <= 0 {
		errs = append(errs, errors.New("segment.queue_size must be positive"))
	}
	if c.Archive.SegmentsPerArchive <= 0 {
		errs = append(errs, errors.New("archive.segments_per_archive must be positive"))
	}
	if c.Archive.IndexInterval <= 0 {
		errs = append(errs, errors.New("archive.index_interval must be positive"))
	}
	if c.Archive.CloserQueueSize <= 0 {
		errs = append(errs, errors.New("archive.closer_queue_size must be positive"))
	}
	if c.Upload.ServerURL != "" {
		if !strings.HasPrefix(c.Upload.ServerURL, "http://") && !strings.HasPrefix(c.Upload.ServerURL, "https://") {
			errs = append(errs, fmt.Errorf("upload.server_url must be http or https: %q", c.Upload.ServerURL))
		}
		if c.Upload.MaxConsecutiveFailures <= 0 {
			errs = append(errs, errors.New("upload.max_consecutive_failures must be positive"))
		}
	}
	if c.Identity.BloomFPP <= 0 || c.Identity.BloomFPP >= 1 {
		errs = append(errs, fmt.Errorf("identity.bloom_fpp out of range: %v", c.Identity.BloomFPP))
	}
	if c.Identity.ResetFPP <= c.Identity.BloomFPP || c.Identity.ResetFPP >= 1 {
		errs = append(errs, fmt.Errorf("identity.reset_fpp must be between bloom_fpp and 1: %v", c.Identity.ResetFPP))
	}
	if c.Identity.BloomCapacity == 0 {
		errs = append(errs, errors.New("identity.bloom_capacity must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format: %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
