package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bimmercode/ecucoder/models"
)

// MQTTConfig configures the MQTT audit sink.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker string

	// ClientID identifies this client to the broker. Default "ecucoder".
	ClientID string

	// Topic receives the audit entries. Default "ecucoder/audit".
	Topic string
}

// Publisher publishes each audit entry as a JSON message to an MQTT topic,
// for workshops that aggregate coding activity across bays. Publishing is
// best-effort: a broker outage drops entries (the in-memory log and any
// file sink still hold them) and auto-reconnect picks back up.
type Publisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger
}

// NewPublisher connects to the broker and returns a ready sink.
func NewPublisher(cfg MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ecucoder"
	}
	if cfg.Topic == "" {
		cfg.Topic = "ecucoder/audit"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("audit: connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("audit: MQTT connection lost", "error", err.Error())
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("audit: connect MQTT broker %q: %w", cfg.Broker, token.Error())
	}
	return &Publisher{cfg: cfg, client: client, logger: logger}, nil
}

// Record publishes entry to the configured topic.
func (p *Publisher) Record(entry models.AuditEntry) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("audit: MQTT client not connected")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	token := p.client.Publish(p.cfg.Topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("audit: publish: %w", token.Error())
	}
	p.logger.Debug("audit: published entry", "topic", p.cfg.Topic, "type", string(entry.Type), "bytes", len(data))
	return nil
}

// Close disconnects from the broker, allowing 250ms for in-flight messages.
func (p *Publisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
