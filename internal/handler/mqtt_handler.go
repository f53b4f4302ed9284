package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"patient-monitor/internal/config"
)

const (
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 250
)

// MessageRouter consumes raw broker deliveries.
type MessageRouter interface {
	HandleMessage(ctx context.Context, topic string, payload []byte)
}

func NewMessageHandler(ctx context.Context, router MessageRouter, logger *zap.Logger) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		logger.Debug("Received message", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))
		router.HandleMessage(ctx, msg.Topic(), msg.Payload())
	}
}

func newConnectHandler(topics []string, qos byte, onMessage mqtt.MessageHandler, logger *zap.Logger) mqtt.OnConnectHandler {
	return func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker")
		subscribeToTopics(client, topics, qos, onMessage, logger)
	}
}

func newConnectionLostHandler(logger *zap.Logger) mqtt.ConnectionLostHandler {
	return func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}
}

func newReconnectingHandler(logger *zap.Logger) mqtt.ReconnectHandler {
	return func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("Reconnecting to MQTT broker")
	}
}

// InitializeMQTT connects to the broker and subscribes on every (re)connect.
// The client keeps retrying in the background, so a broker that is down at
// startup does not keep the service from serving HTTP.
func InitializeMQTT(ctx context.Context, cfg *config.Config, router MessageRouter, logger *zap.Logger) (mqtt.Client, error) {
	logger = logger.With(zap.String("component", "mqtt"), zap.String("broker", cfg.MQTTBroker))
	onMessage := NewMessageHandler(ctx, router, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.MQTTClientID, uuid.NewString()[:8]))
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(cfg.MQTTConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.MQTTReconnectInterval)
	opts.SetMaxReconnectInterval(cfg.MQTTMaxReconnectInterval)
	opts.SetDefaultPublishHandler(onMessage)
	opts.OnConnect = newConnectHandler(cfg.MQTTTopics, cfg.MQTTQoS, onMessage, logger)
	opts.OnConnectionLost = newConnectionLostHandler(logger)
	opts.OnReconnecting = newReconnectingHandler(logger)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.MQTTConnectTimeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in background")
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

func subscribeToTopics(client mqtt.Client, topics []string, qos byte, onMessage mqtt.MessageHandler, logger *zap.Logger) {
	for _, topic := range topics {
		token := client.Subscribe(topic, qos, onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
			continue
		}
		logger.Info("Subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", qos))
	}
}

// DisconnectMQTT closes the client after letting in-flight work settle.
func DisconnectMQTT(client mqtt.Client, logger *zap.Logger) {
	if client == nil {
		return
	}
	logger.Info("Shutting down MQTT client...")
	client.Disconnect(disconnectQuiesce)
}

const fallbackPublishTopic = "patient_monitoring/vitals/%s"

// MQTTPublisher publishes test payloads onto the broker.
type MQTTPublisher struct {
	client       mqtt.Client
	qos          byte
	topics       []string
	sensorPrefix string
}

func NewMQTTPublisher(client mqtt.Client, cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		client:       client,
		qos:          cfg.MQTTQoS,
		topics:       cfg.MQTTTopics,
		sensorPrefix: cfg.MQTTSensorPrefix,
	}
}

// TopicFor picks the topic a JSON vitals payload for patientID is published
// on: the first subscribed JSON-dialect filter with its wildcard replaced by
// the patient id. Filters inside the sensor namespace are skipped since that
// dialect does not carry JSON.
func (p *MQTTPublisher) TopicFor(patientID string) string {
	for _, topic := range p.topics {
		if p.sensorPrefix != "" && strings.HasPrefix(topic, p.sensorPrefix) {
			continue
		}
		switch {
		case strings.Contains(topic, "+"):
			return strings.Replace(topic, "+", patientID, 1)
		case strings.HasSuffix(topic, "#"):
			return strings.TrimSuffix(topic, "#") + patientID
		}
	}
	return fmt.Sprintf(fallbackPublishTopic, patientID)
}

func (p *MQTTPublisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
