// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

// Package broker is the publish/subscribe channel: telemetry, status, and
// alerts go out over NATS JetStream; actuator commands come back in on a
// durable consumer with at-least-once delivery.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/metrics"
	"github.com/mycelio/chamberlink/internal/models"
)

// Topic layout under the device namespace.
func sensorsTopic(deviceID string) string { return "devices." + deviceID + ".sensors" }
func statusTopic(deviceID string) string  { return "devices." + deviceID + ".status" }
func alertsTopic(deviceID string) string  { return "devices." + deviceID + ".alerts" }
func commandsTopic(deviceID string) string {
	return "devices." + deviceID + ".commands"
}

// Publisher publishes gateway events to the broker. A circuit breaker sits
// in front of every publish so a dead broker fails fast instead of holding
// up the sync cycle for its full timeout, attempt after attempt.
type Publisher struct {
	pub      message.Publisher
	cb       *gobreaker.CircuitBreaker[any]
	deviceID string
	log      zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPublisher connects a JetStream publisher per the broker config.
func NewPublisher(cfg config.BrokerConfig, deviceID string) (*Publisher, error) {
	log := logging.With().Str("component", "broker.publisher").Logger()
	wmLogger := newLoggerAdapter(log)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("broker disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("broker reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("broker: create publisher: %w", err)
	}

	return newPublisherWith(pub, deviceID, log), nil
}

func newPublisherWith(pub message.Publisher, deviceID string, log zerolog.Logger) *Publisher {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "broker-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Publisher{
		pub:      pub,
		cb:       cb,
		deviceID: deviceID,
		log:      log,
	}
}

type sensorsEvent struct {
	Room        models.Room `json:"room"`
	Temperature float64     `json:"temperature"`
	Humidity    float64     `json:"humidity"`
	CO2         float64     `json:"co2"`
	Timestamp   time.Time   `json:"timestamp"`
}

// PublishReading publishes one reading to the device's sensors topic.
func (p *Publisher) PublishReading(r models.SensorReading) error {
	return p.publish("sensors", sensorsTopic(p.deviceID), sensorsEvent{
		Room:        r.Room,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		CO2:         r.CO2,
		Timestamp:   r.Timestamp,
	})
}

type statusEvent struct {
	Status    string            `json:"status"`
	Relays    models.RelayState `json:"relays,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// PublishStatus publishes the device lifecycle status with the current
// actuator states attached.
func (p *Publisher) PublishStatus(status string, relays models.RelayState) error {
	return p.publish("status", statusTopic(p.deviceID), statusEvent{
		Status:    status,
		Relays:    relays,
		Timestamp: time.Now().UTC(),
	})
}

type alertEvent struct {
	Room      models.Room          `json:"room"`
	Type      string               `json:"type"`
	Severity  models.AlertSeverity `json:"severity"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// PublishAlert publishes one alert to the device's alerts topic.
func (p *Publisher) PublishAlert(a models.ActiveAlert) error {
	return p.publish("alert", alertsTopic(p.deviceID), alertEvent{
		Room:      a.Room,
		Type:      a.Type,
		Severity:  a.Severity,
		Message:   a.Message,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(kind, topic string, payload any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("broker: publisher closed")
	}
	p.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: encode %s event: %w", kind, err)
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	msg.Metadata.Set("device_id", p.deviceID)

	_, err = p.cb.Execute(func() (any, error) {
		return nil, p.pub.Publish(topic, msg)
	})
	if err != nil {
		metrics.BrokerPublishes.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}

	metrics.BrokerPublishes.WithLabelValues(kind, "ok").Inc()
	return nil
}

// Close shuts the publisher down. Further publishes fail fast.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pub.Close()
}
