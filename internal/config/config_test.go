package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:8000/video-stream", cfg.Endpoint.URL)
	assert.Equal(t, "synthetic", cfg.Capture.Source)
	assert.Equal(t, time.Second, cfg.Capture.Interval)
	assert.Equal(t, 30, cfg.Uplink.Capacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, 2.0, cfg.Backoff.Factor)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Cap)
	assert.Equal(t, 10, cfg.Backoff.MaxRetries)
	assert.Equal(t, "/video-stream", cfg.Ingest.Path)
	assert.True(t, cfg.Ingest.Acks)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveuplink.yaml")
	writeFile(t, path, `
stream_id: cam-1
endpoint:
  url: ws://ingest.local:9000/video-stream
capture:
  source: stdin
  interval: 500ms
uplink:
  capacity: 3
backoff:
  base: 100ms
  cap: 2s
  max_retries: 0
log:
  level: debug
  format: json
`)
	t.Setenv("LIVEUPLINK_BACKOFF_MAX_RETRIES", "4")
	t.Setenv("LIVEUPLINK_LOG_OUTPUTS", "stdout,/tmp/liveuplink.log")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cam-1", cfg.StreamID)
	assert.Equal(t, "ws://ingest.local:9000/video-stream", cfg.Endpoint.URL)
	assert.Equal(t, "stdin", cfg.Capture.Source)
	assert.Equal(t, 500*time.Millisecond, cfg.Capture.Interval)
	assert.Equal(t, 3, cfg.Uplink.Capacity)
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, 4, cfg.Backoff.MaxRetries, "env wins over file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"stdout", "/tmp/liveuplink.log"}, cfg.Log.Outputs)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, `
uplink:
  capacity: 0
backoff:
  factor: 0.5
transport:
  queue_size: 4
  low_water: 4
log:
  format: xml
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "uplink.capacity")
	assert.Contains(t, err.Error(), "backoff.factor")
	assert.Contains(t, err.Error(), "transport.low_water")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeFile(t, path, "LIVEUPLINK_TEST_DOTENV=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("LIVEUPLINK_TEST_DOTENV") })

	require.NoError(t, loadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-dotenv", os.Getenv("LIVEUPLINK_TEST_DOTENV"))
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Backoff.MaxRetries = 3
	cfg.Transport.PingInterval = 0

	up := cfg.UplinkConfig("cam")
	assert.Equal(t, "cam", up.Session.StreamID)
	assert.Equal(t, cfg.Uplink.Capacity, up.Capacity)
	assert.Equal(t, 3, up.Backoff.MaxRetries)
	assert.Equal(t, cfg.Transport.QueueSize, up.Session.QueueSize)

	ws := cfg.WebSocketConfig()
	assert.Equal(t, cfg.Endpoint.URL, ws.URL)
	assert.Zero(t, ws.PingInterval)
	assert.Equal(t, "LiveUplink/1.0", ws.UserAgent)

	in := cfg.IngestConfig()
	assert.Equal(t, ":8000", in.Addr)
	assert.Equal(t, "/video-stream", in.Path)

	assert.Equal(t, time.Second, cfg.RecorderConfig().Interval)

	dsn, db := cfg.DatabaseConfig()
	assert.Equal(t, db.DSN(), dsn)
	cfg.Sink.Database.DSN = "postgres://u:p@db:5432/x"
	dsn, _ = cfg.DatabaseConfig()
	assert.Equal(t, "postgres://u:p@db:5432/x", dsn)

	assert.NotEqual(t, cfg.ResolveStreamID(), cfg.ResolveStreamID(), "unset stream id is unique per run")
	cfg.StreamID = "fixed"
	assert.Equal(t, "fixed", cfg.ResolveStreamID())
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveuplink.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	loader, err := NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFile())
	assert.Equal(t, "info", loader.Config().Log.Level)

	changes := make(chan *Config, 8)
	failures := make(chan error, 8)
	loader.OnChange(func(cfg *Config, err error) {
		if err != nil {
			select {
			case failures <- err:
			default:
			}
			return
		}
		select {
		case changes <- cfg:
		default:
		}
	})
	require.True(t, loader.Watch())
	assert.False(t, loader.Watch(), "second watch is a no-op")

	replaceFile(t, path, "log:\n  level: debug\n")
	deadline := time.After(5 * time.Second)
	for observed := false; !observed; {
		select {
		case cfg := <-changes:
			observed = cfg.Log.Level == "debug"
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
	assert.Equal(t, "debug", loader.Config().Log.Level)

	// 无效配置不替换当前配置
	replaceFile(t, path, "uplink:\n  capacity: -1\n")
	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config change not observed")
	}
	assert.Equal(t, "debug", loader.Config().Log.Level)
}

// replaceFile 先写临时文件再改名，避免监控读到半截内容
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	require.NoError(t, os.Rename(tmp, path))
}
