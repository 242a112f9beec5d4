package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysqlevp/internal/checkpoint"
	"mysqlevp/internal/config"
	"mysqlevp/internal/engine"
	"mysqlevp/internal/models"
	"mysqlevp/internal/sink/console"
	"mysqlevp/internal/stream"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"generic", errors.New("boom"), exitGeneric},
		{"config", &configError{errors.New("bad yaml")}, exitConfig},
		{"retries exhausted", &engine.RetriesExhaustedError{Attempts: 3, Err: errors.New("refused")}, exitUnrecoverable},
		{"unrecoverable", fmt.Errorf("open: %w", stream.Unrecoverable("purged", errors.New("1236"))), exitUnrecoverable},
		{"classification", &engine.ClassificationError{Kind: "TRUNCATE", Reason: "unknown"}, exitClassification},
		{"handler", &engine.HandlerError{EventID: "f:1", Attempts: 1, Err: errors.New("sink down")}, exitHandler},
		{"checkpoint", &engine.CheckpointError{Op: "save", Err: errors.New("disk full")}, exitCheckpoint},
		{"locked", fmt.Errorf("x: %w", checkpoint.ErrLocked), exitCheckpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := &config.Config{
		Retry:        config.RetryConfig{MaxAttempts: -1, InitialBackoff: time.Second, MaxBackoff: time.Minute},
		HandlerRetry: config.HandlerRetryConfig{MaxRetries: 2, Backoff: 3 * time.Second},
	}

	opts := engineOptions(cfg)
	assert.Equal(t, 0, opts.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, opts.Reconnect.InitialBackoff)
	assert.Equal(t, time.Minute, opts.Reconnect.MaxBackoff)
	assert.Equal(t, 2, opts.HandlerRetry.MaxRetries)
	assert.Equal(t, 3*time.Second, opts.HandlerRetry.Backoff)

	cfg.Retry.MaxAttempts = 5
	assert.Equal(t, 5, engineOptions(cfg).Reconnect.MaxAttempts)
}

func TestBuildSink_Console(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h, err := buildSink(config.SinkConfig{Name: "out", Type: "console", EvTZ: "UTC", DtColTZ: "UTC"}, io.Discard, logger)
	require.NoError(t, err)
	assert.IsType(t, &console.Sink{}, h)

	_, err = buildSink(config.SinkConfig{Type: "console", EvTZ: "Nowhere/Invalid", DtColTZ: "UTC"}, io.Discard, logger)
	assert.Error(t, err)

	_, err = buildSink(config.SinkConfig{Type: "carrier-pigeon", EvTZ: "UTC", DtColTZ: "UTC"}, io.Discard, logger)
	assert.ErrorContains(t, err, "unknown sink type")
}

func writeConfig(t *testing.T, positionFile string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
mysql:
  host: 127.0.0.1
  user: repl
  server_id: 1001
binlog:
  position_file: %s
tables:
  tr: [a]
logging:
  level: error
`, positionFile)), 0o644))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPositionCommand(t *testing.T) {
	positionFile := filepath.Join(t.TempDir(), "mysqlevp.position")
	configPath := writeConfig(t, positionFile)

	out, err := runCommand(t, "position", "--config", configPath)
	require.NoError(t, err)
	assert.Equal(t, "no checkpoint stored\n", out)

	store, err := checkpoint.NewFileStore(positionFile, logrus.New())
	require.NoError(t, err)
	require.NoError(t, store.Save(models.Position{File: "mysql-bin.000004", Offset: 1540}))
	require.NoError(t, store.Close())

	out, err = runCommand(t, "position", configPath)
	require.NoError(t, err)
	assert.Equal(t, "mysql-bin.000004:1540\n", out)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mysqlevp "+version+"\n", out)
}

func TestMissingConfigIsConfigError(t *testing.T) {
	_, err := runCommand(t, "position", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, exitConfig, exitCode(err))
}
