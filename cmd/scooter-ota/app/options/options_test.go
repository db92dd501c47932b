package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Options, *pflag.FlagSet) {
	t.Helper()
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return o, fs
}

func TestDefaultsAreValid(t *testing.T) {
	o, fs := parse(t)
	require.NoError(t, o.Load(fs))
	assert.NoError(t, o.Validate())
	assert.Equal(t, TransportBLE, o.Transport.Kind)
	assert.Equal(t, time.Second, o.Session.SettleDelay)
	assert.Equal(t, 128, o.Upload.ChunkSize)
}

func TestLoadLayersFileEnvAndFlags(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
transport:
  kind: sim
  scan-timeout: 3s
upload:
  chunk-size: 64
redis:
  addr: redis:6379
`), 0o600))
	t.Setenv("SCOOTER_OTA_UPLOAD_CHUNK_SIZE", "96")
	t.Setenv("SCOOTER_OTA_MQTT_BROKER_URL", "mqtt://broker:1883")

	o, fs := parse(t, "--config", cfg, "--redis.addr", "localhost:6380")
	require.NoError(t, o.Load(fs))
	require.NoError(t, o.Validate())

	assert.Equal(t, TransportSimulator, o.Transport.Kind)
	assert.Equal(t, 3*time.Second, o.Transport.ScanTimeout)
	assert.Equal(t, 96, o.Upload.ChunkSize, "environment overrides the file")
	assert.Equal(t, "localhost:6380", o.Redis.Addr, "flags override the file")
	assert.Equal(t, "mqtt://broker:1883", o.MQTT.BrokerURL)
	assert.Equal(t, "info", o.Log.Level)
}

func TestLoadMissingConfigFile(t *testing.T) {
	o, fs := parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, o.Load(fs))
}

func TestValidateCollectsErrors(t *testing.T) {
	o, _ := parse(t,
		"--transport.kind", "carrier-pigeon",
		"--session.max-attempts", "0",
		"--upload.chunk-size", "0",
	)
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--transport.kind")
	assert.Contains(t, err.Error(), "--session.max-attempts")
	assert.Contains(t, err.Error(), "--upload.chunk-size")
}

func TestEngineOptions(t *testing.T) {
	o := NewUploadOptions()
	assert.Len(t, o.EngineOptions(), 5)
	assert.Equal(t, 10, NewSessionOptions().Config().MaxAttempts)
}
