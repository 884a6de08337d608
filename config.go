package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"can-dashboard/broadcast"
	"can-dashboard/mqtt"
	"can-dashboard/supervisor"
	"can-dashboard/web"
)

const (
	probeIP      = "ip"
	probeNetlink = "netlink"
)

// Config is the application configuration.
type Config struct {
	HTTP    web.Config    `mapstructure:"http"`
	CAN     CANConfig     `mapstructure:"can"`
	Stream  StreamConfig  `mapstructure:"stream"`
	MQTT    mqtt.Config   `mapstructure:"mqtt"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StreamConfig sizes the per-subscriber event queues.
type StreamConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// CANConfig is the supervisor configuration plus the probe backend.
type CANConfig struct {
	supervisor.Config `mapstructure:",squash"`
	Probe             string `mapstructure:"probe"`
}

func setDefaults(v *viper.Viper) {
	httpDef := web.DefaultConfig()
	v.SetDefault("http.listen", httpDef.Listen)
	v.SetDefault("http.allowed_origins", httpDef.AllowedOrigins)
	v.SetDefault("http.access_log", httpDef.AccessLog)

	canDef := supervisor.DefaultConfig()
	v.SetDefault("can.interface", canDef.Interface)
	v.SetDefault("can.bitrate", canDef.Bitrate)
	v.SetDefault("can.retry_interval", canDef.RetryInterval)
	v.SetDefault("can.monitor_interval", canDef.MonitorInterval)
	v.SetDefault("can.probe", probeIP)

	v.SetDefault("stream.buffer", broadcast.DefaultBuffer)

	mqttDef := mqtt.DefaultConfig()
	v.SetDefault("mqtt.enabled", mqttDef.Enabled)
	v.SetDefault("mqtt.broker", mqttDef.Broker)
	v.SetDefault("mqtt.username", mqttDef.Username)
	v.SetDefault("mqtt.password", mqttDef.Password)
	v.SetDefault("mqtt.client_id", mqttDef.ClientID)
	v.SetDefault("mqtt.data_topic", mqttDef.DataTopic)
	v.SetDefault("mqtt.command_topic", mqttDef.CommandTopic)
	v.SetDefault("mqtt.qos", mqttDef.QoS)
	v.SetDefault("mqtt.keep_alive", mqttDef.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mqttDef.ConnectTimeout)
	v.SetDefault("mqtt.auto_reconnect", mqttDef.AutoReconnect)
	v.SetDefault("mqtt.encoding", mqttDef.Encoding)
	v.SetDefault("mqtt.publish_frames", mqttDef.PublishFrames)
	v.SetDefault("mqtt.command_timeout", mqttDef.CommandTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// loadConfig reads the configuration. With an empty path config.yaml is
// looked up in the working directory and may be missing. Every key can be
// overridden from the environment, e.g. DASHBOARD_CAN_INTERFACE.
func loadConfig(path string) (Config, error) {
	var config Config

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return config, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) validate() error {
	switch c.CAN.Probe {
	case probeIP, probeNetlink:
	default:
		return fmt.Errorf("invalid can.probe %q: want %q or %q", c.CAN.Probe, probeIP, probeNetlink)
	}
	if c.CAN.Interface == "" {
		return errors.New("can.interface must not be empty")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker must be set when mqtt is enabled")
	}
	return nil
}
