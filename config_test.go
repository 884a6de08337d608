package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	config, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":3001", config.HTTP.Listen)
	assert.Equal(t, []string{"*"}, config.HTTP.AllowedOrigins)
	assert.Equal(t, "can0", config.CAN.Interface)
	assert.Equal(t, uint32(500000), config.CAN.Bitrate)
	assert.Equal(t, 30*time.Second, config.CAN.RetryInterval)
	assert.Equal(t, 10*time.Second, config.CAN.MonitorInterval)
	assert.Equal(t, probeIP, config.CAN.Probe)
	assert.Equal(t, 256, config.Stream.Buffer)
	assert.False(t, config.MQTT.Enabled)
	assert.Equal(t, "json", config.MQTT.Encoding)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
http:
  listen: "127.0.0.1:8080"
can:
  interface: vcan0
  bitrate: 250000
  probe: netlink
  retry_interval: 5s
  monitor_interval: 2s
stream:
  buffer: 64
mqtt:
  enabled: true
  broker: tcp://broker:1883
  encoding: cbor
  qos: 0
logging:
  level: debug
  pretty: true
`)

	config, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", config.HTTP.Listen)
	assert.Equal(t, "vcan0", config.CAN.Interface)
	assert.Equal(t, uint32(250000), config.CAN.Bitrate)
	assert.Equal(t, probeNetlink, config.CAN.Probe)
	assert.Equal(t, 5*time.Second, config.CAN.RetryInterval)
	assert.Equal(t, 2*time.Second, config.CAN.MonitorInterval)
	assert.Equal(t, 64, config.Stream.Buffer)
	assert.True(t, config.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", config.MQTT.Broker)
	assert.Equal(t, "cbor", config.MQTT.Encoding)
	assert.Equal(t, byte(0), config.MQTT.QoS)
	assert.Equal(t, "car/can", config.MQTT.DataTopic)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.True(t, config.Logging.Pretty)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DASHBOARD_CAN_INTERFACE", "can1")
	t.Setenv("DASHBOARD_CAN_BITRATE", "125000")
	t.Setenv("DASHBOARD_HTTP_LISTEN", ":9000")

	config, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "can1", config.CAN.Interface)
	assert.Equal(t, uint32(125000), config.CAN.Bitrate)
	assert.Equal(t, ":9000", config.HTTP.Listen)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidProbe(t *testing.T) {
	path := writeConfig(t, "can:\n  probe: sysfs\n")
	_, err := loadConfig(path)
	assert.ErrorContains(t, err, "invalid can.probe")
}

func TestLoadConfigMQTTNeedsBroker(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  enabled: true\n  broker: \"\"\n")
	_, err := loadConfig(path)
	assert.ErrorContains(t, err, "mqtt.broker")
}
