// Package publish pushes stored readings to an MQTT broker so downstream
// collaborators (dashboards, aggregators) can react without polling the
// database.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flow-monitor/internal/fetcher"
	"flow-monitor/internal/monitor"
)

// Options parameterise the MQTT publisher.
type Options struct {
	BrokerURL      string
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTPublisher publishes change events over MQTT.
type MQTTPublisher struct {
	client mqtt.Client
	opts   Options
	logger zerolog.Logger
}

// NewMQTTPublisher connects to the broker, retrying with exponential backoff
// so a slow-starting broker does not kill the monitor at boot.
func NewMQTTPublisher(ctx context.Context, opts Options, logger zerolog.Logger) (*MQTTPublisher, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("publish: broker url required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "flowmon"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "flowmon/readings"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetCleanSession(true)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)

	log := logger.With().Str("component", "mqtt_publisher").Logger()

	var client mqtt.Client
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(clientOpts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Str("broker", opts.BrokerURL).Msg("mqtt connect failed; retrying")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("publish: connect to broker: %w", err)
	}

	log.Info().Str("broker", opts.BrokerURL).Msg("connected to mqtt broker")
	return &MQTTPublisher{client: client, opts: opts, logger: log}, nil
}

type readingEvent struct {
	DeviceID   string           `json:"device_id"`
	DeviceName string           `json:"device_name"`
	Timestamp  time.Time        `json:"timestamp"`
	DepthMM    *decimal.Decimal `json:"depth_mm,omitempty"`
	VelocityMS *decimal.Decimal `json:"velocity_mps,omitempty"`
	FlowLPS    *decimal.Decimal `json:"flow_lps,omitempty"`
	Strategy   string           `json:"strategy,omitempty"`
}

// PublishReading implements monitor.Publisher.
func (p *MQTTPublisher) PublishReading(ctx context.Context, device monitor.Device, reading fetcher.Reading) error {
	payload, err := encodeReading(device, reading)
	if err != nil {
		return err
	}

	topic := p.opts.TopicPrefix + "/" + device.ID
	token := p.client.Publish(topic, p.opts.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Debug().Msg("mqtt client disconnected")
	}
}

func encodeReading(device monitor.Device, reading fetcher.Reading) ([]byte, error) {
	event := readingEvent{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Timestamp:  reading.Timestamp,
		Strategy:   reading.Strategy,
	}
	if v, ok := reading.Value(fetcher.FieldDepth); ok {
		event.DepthMM = &v
	}
	if v, ok := reading.Value(fetcher.FieldVelocity); ok {
		event.VelocityMS = &v
	}
	if v, ok := reading.Value(fetcher.FieldFlow); ok {
		event.FlowLPS = &v
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode reading event: %w", err)
	}
	return payload, nil
}

var _ monitor.Publisher = (*MQTTPublisher)(nil)
