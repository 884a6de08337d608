// Package mqtt mirrors the dashboard's status and frames to an MQTT broker
// and accepts remote send commands.
package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"can-dashboard/broadcast"
	"can-dashboard/common"
	"can-dashboard/service"
)

// Config is the MQTT client configuration.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`          // e.g. "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // optional
	Password       string        `mapstructure:"password"`        // optional
	ClientID       string        `mapstructure:"client_id"`       // generated when empty
	DataTopic      string        `mapstructure:"data_topic"`      // base topic for status and frames
	CommandTopic   string        `mapstructure:"command_topic"`   // base topic for commands
	QoS            byte          `mapstructure:"qos"`             // 0, 1 or 2
	KeepAlive      int           `mapstructure:"keep_alive"`      // seconds
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	Encoding       string        `mapstructure:"encoding"` // "json" or "cbor"
	PublishFrames  bool          `mapstructure:"publish_frames"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// generateClientID returns a random client id.
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "can-dashboard-" + hex.EncodeToString(bytes)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "car/can",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		Encoding:       EncodingJSON,
		PublishFrames:  true,
		CommandTimeout: 5 * time.Second,
	}
}

// CommandMessage is an incoming command.
type CommandMessage = common.CommandMessage

// CommandResponse is the answer to a command.
type CommandResponse = common.CommandResponse

const (
	CommandSend   = "send"
	CommandStatus = "status"
)

// CAN is the part of the query interface the mirror uses.
type CAN interface {
	Status() common.ConnectionStatus
	Subscribe() *broadcast.Subscription
	Send(ctx context.Context, id uint32, data []byte) error
}

// Client is the MQTT mirror.
type Client struct {
	config     Config
	mqttClient mqttLib.Client
	can        CAN
	codec      Codec
	responses  chan CommandResponse
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// NewClient creates a client. It fails only for an unknown encoding.
func NewClient(config Config, can CAN, logger zerolog.Logger) (*Client, error) {
	codec, err := NewCodec(config.Encoding)
	if err != nil {
		return nil, err
	}
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	return &Client{
		config:    config,
		can:       can,
		codec:     codec,
		responses: make(chan CommandResponse, 16),
		stopChan:  make(chan struct{}),
		logger:    logger,
	}, nil
}

// Start connects to the broker and starts the publish loops.
func (c *Client) Start() error {
	c.logger.Info().Str("broker", c.config.Broker).Msg("starting MQTT client")

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info().Msg("MQTT authentication enabled")
	} else {
		c.logger.Info().Msg("MQTT authentication disabled (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = mqttLib.NewClient(opts)

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.startLoops()
	c.logger.Info().Msg("MQTT client started")
	return nil
}

func (c *Client) startLoops() {
	c.wg.Add(2)
	go c.publishEventsLoop()
	go c.publishResponsesLoop()
}

// Stop stops the loops and disconnects.
func (c *Client) Stop() error {
	c.logger.Info().Msg("stopping MQTT client")

	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(1000)
		c.logger.Info().Msg("MQTT client disconnected")
	}
	return nil
}

// onConnectHandler (re)subscribes to the command topic after every connect.
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info().Msg("connected to MQTT broker")

	topic := c.requestTopic()
	if token := client.Subscribe(topic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("failed to subscribe to command topic")
		return
	}
	c.logger.Info().Str("topic", topic).Msg("subscribed to command topic")

	// The retained status may be stale after a broker restart.
	if err := c.publishStatus(c.can.Status()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to publish status")
	}
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Info().Msg("reconnecting to MQTT broker")
}

// onCommandReceived decodes and runs one command, then queues the response.
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("received command")

	var cmd CommandMessage
	if err := c.codec.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("failed to decode command")
		c.PublishCommandResponse("", "", nil, fmt.Errorf("invalid command payload: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.CommandTimeout)
	defer cancel()

	result, err := c.handleCommand(ctx, cmd)
	c.PublishCommandResponse(cmd.CorrelationID, "success", result, err)
}

// handleCommand executes a command against the CAN service.
func (c *Client) handleCommand(ctx context.Context, cmd CommandMessage) (interface{}, error) {
	c.logger.Info().Str("command", cmd.Command).Str("correlation_id", cmd.CorrelationID).Msg("processing command")

	switch cmd.Command {
	case CommandSend:
		payload, err := service.Payload(cmd.Data)
		if err != nil {
			return nil, err
		}
		if err := c.can.Send(ctx, cmd.ID, payload); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": common.FormatID(cmd.ID), "data": cmd.Data}, nil
	case CommandStatus:
		return c.can.Status(), nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
}

// publishEventsLoop mirrors broadcaster events. A subscription dropped for
// falling behind is replaced.
func (c *Client) publishEventsLoop() {
	defer c.wg.Done()
	c.logger.Debug().Msg("event publish loop started")

	sub := c.can.Subscribe()
	defer func() { sub.Close() }()

	for {
		select {
		case <-c.stopChan:
			c.logger.Debug().Msg("event publish loop stopped")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				c.logger.Warn().Msg("event subscription dropped, resubscribing")
				sub = c.can.Subscribe()
				continue
			}
			if err := c.publishEvent(ev); err != nil {
				c.logger.Debug().Err(err).Msg("failed to publish event")
			}
		}
	}
}

// publishResponsesLoop publishes queued command responses.
func (c *Client) publishResponsesLoop() {
	defer c.wg.Done()
	c.logger.Debug().Msg("response publish loop started")

	for {
		select {
		case <-c.stopChan:
			c.logger.Debug().Msg("response publish loop stopped")
			return
		case response := <-c.responses:
			if err := c.publishCommandResponse(response); err != nil {
				c.logger.Warn().Err(err).Msg("failed to publish command response")
			}
		}
	}
}

func (c *Client) publishEvent(ev broadcast.Event) error {
	switch ev.Type {
	case broadcast.EventStatus:
		if ev.Status == nil {
			return nil
		}
		return c.publishStatus(*ev.Status)
	case broadcast.EventFrame:
		if ev.Frame == nil {
			return nil
		}
		if c.config.PublishFrames {
			if err := c.publish(c.frameTopic(ev.Frame.ID), false, ev.Frame); err != nil {
				return err
			}
		}
		for key, value := range ev.Decoded {
			if err := c.publish(c.signalTopic(key), false, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) publishStatus(st common.ConnectionStatus) error {
	return c.publish(c.statusTopic(), true, st)
}

func (c *Client) publishCommandResponse(response CommandResponse) error {
	if err := c.publish(c.responseTopic(), false, response); err != nil {
		return err
	}
	c.logger.Debug().Str("correlation_id", response.CorrelationID).Str("status", response.Status).Msg("published command response")
	return nil
}

func (c *Client) publish(topic string, retained bool, v interface{}) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := c.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", topic, err)
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (c *Client) statusTopic() string {
	return c.config.DataTopic + "/status"
}

func (c *Client) frameTopic(id string) string {
	return c.config.DataTopic + "/frames/" + id
}

func (c *Client) signalTopic(key string) string {
	return c.config.DataTopic + "/signals/" + key
}

func (c *Client) requestTopic() string {
	return strings.TrimSuffix(c.config.CommandTopic, "/") + "/+/request"
}

func (c *Client) responseTopic() string {
	return strings.TrimSuffix(c.config.CommandTopic, "/") + "/response"
}

// IsConnected reports whether the client is connected to the broker.
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// PublishCommandResponse queues a response for publishing. A non-nil err
// turns it into an error response.
func (c *Client) PublishCommandResponse(correlationID, status string, result interface{}, err error) {
	response := CommandResponse{
		CorrelationID: correlationID,
		Status:        status,
		Result:        result,
		Timestamp:     time.Now(),
	}
	if err != nil {
		response.Status = "error"
		response.Result = nil
		response.Error = err.Error()
	}

	select {
	case c.responses <- response:
	case <-time.After(time.Second):
		c.logger.Warn().Str("correlation_id", correlationID).Msg("timeout queueing command response")
	}
}
