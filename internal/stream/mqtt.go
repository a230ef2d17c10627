package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kylemclaren/device-tasks/internal/config"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// ErrMQTTConnect indicates the broker could not be reached
var ErrMQTTConnect = errors.New("stream: mqtt connection failed")

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTSink mirrors task updates to an MQTT broker on <topic>/<task id>
type MQTTSink struct {
	client mqttPublisher
	topic  string
	qos    byte
	closer func()
}

// ConnectMQTT connects to the broker from cfg
func ConnectMQTT(cfg config.MQTTConfig) (*MQTTSink, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}

	sink := newMQTTSink(client, cfg.Topic, byte(cfg.QoS))
	sink.closer = func() { client.Disconnect(250) }
	return sink, nil
}

func newMQTTSink(client mqttPublisher, topic string, qos byte) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, qos: qos}
}

// Publish sends msg to <topic>/<task id>, or <topic> when the message has no task
func (s *MQTTSink) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	topic := s.topic
	if msg.TaskID != 0 {
		topic += "/" + strconv.FormatInt(msg.TaskID, 10)
	}

	token := s.client.Publish(topic, s.qos, false, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out after %v", topic, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	if s.closer != nil {
		s.closer()
	}
}
