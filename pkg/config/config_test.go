package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.ExpandOutputDir(time.Now())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100000, cfg.Segment.MaxEventsPerFile)
	assert.Equal(t, 731*time.Millisecond, cfg.Segment.SweepInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Upload.BreakerCooldown.Std())
	assert.Equal(t, ModePerThread, cfg.Mode)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "probe.yaml", `
output_dir: /var/probe
segment:
  max_events_per_file: 500
  sweep_interval: 250ms
archive:
  segments_per_archive: 7
upload:
  server_url: https://collector.example.com
  token: abc
  breaker_cooldown: 30s
identity:
  bloom_fpp: 0.0001
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/probe", cfg.OutputDir)
	assert.Equal(t, 500, cfg.Segment.MaxEventsPerFile)
	assert.Equal(t, 250*time.Millisecond, cfg.Segment.SweepInterval.Std())
	assert.Equal(t, 7, cfg.Archive.SegmentsPerArchive)
	assert.Equal(t, "abc", cfg.Upload.Token)
	assert.Equal(t, 30*time.Second, cfg.Upload.BreakerCooldown.Std())
	assert.Equal(t, 0.0001, cfg.Identity.BloomFPP)
	// untouched fields keep defaults
	assert.Equal(t, 1024, cfg.Segment.QueueSize)
	assert.Equal(t, 0.01, cfg.Identity.ResetFPP)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "probe.toml", `
mode = "perthread"
output_dir = "/data/probe"

[segment]
max_events_per_file = 42
enqueue_timeout = "2s"

[upload]
server_url = "http://localhost:8123"
max_consecutive_failures = 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/data/probe", cfg.OutputDir)
	assert.Equal(t, 42, cfg.Segment.MaxEventsPerFile)
	assert.Equal(t, 2*time.Second, cfg.Segment.EnqueueTimeout.Std())
	assert.Equal(t, 3, cfg.Upload.MaxConsecutiveFailures)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "probe.json", "{}"))
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "bad.yaml", "segment:\n  sweep_interval: soon\n"))
	assert.Error(t, err)
}

func TestApplyArgs(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyArgs("output=/tmp/run-{time},server=https://c.example.com,token=t0k,filePerIndex=5,events=9,session=s1,unknown=1,,")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/run-{time}", cfg.OutputDir)
	assert.Equal(t, "https://c.example.com", cfg.Upload.ServerURL)
	assert.Equal(t, "t0k", cfg.Upload.Token)
	assert.Equal(t, "s1", cfg.Upload.SessionID)
	assert.Equal(t, 5, cfg.Archive.SegmentsPerArchive)
	assert.Equal(t, 9, cfg.Segment.MaxEventsPerFile)

	require.NoError(t, cfg.ApplyArgs("format=discard"))
	assert.Equal(t, ModeDiscard, cfg.Mode)

	assert.ErrorIs(t, cfg.ApplyArgs("files=many"), ErrInvalidConfig)
}

func TestExpandOutputDir(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = "/tmp/run-{time}"
	cfg.ExpandOutputDir(time.Date(2024, 3, 9, 14, 5, 6, 789_000_000, time.UTC))
	assert.Equal(t, "/tmp/run-20240309-140506.789", cfg.OutputDir)
}

func TestFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, "probe.yaml", "archive:\n  segments_per_archive: 3\n")
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvArgs, "out="+dir+"/{time},files=4")

	cfg, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Archive.SegmentsPerArchive)
	assert.NotContains(t, cfg.OutputDir, "{time}")
	assert.Equal(t, dir, filepath.Dir(cfg.OutputDir))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Segment.MaxEventsPerFile = 0
	cfg.Identity.ResetFPP = 0.0001
	cfg.Upload.ServerURL = "ftp://nowhere"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_events_per_file")
	assert.Contains(t, err.Error(), "reset_fpp")
	assert.Contains(t, err.Error(), "server_url")
	assert.Contains(t, err.Error(), "log level")

	discard := &Config{Mode: ModeDiscard}
	assert.NoError(t, discard.Validate())
}

func TestDuration_YAMLInteger(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1500"), &out))
	assert.Equal(t, Duration(1500), out.D)

	data, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(3 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 3s\n", string(data))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger, closer, err := cfg.NewLogger(&buf)
	require.NoError(t, err)
	defer closer.Close()
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestNewLogger_ToFile(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = t.TempDir()
	cfg.Log.ToFile = true

	logger, closer, err := cfg.NewLogger(nil)
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
