// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package broker

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"

	"github.com/mycelio/chamberlink/internal/config"
	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/metrics"
	"github.com/mycelio/chamberlink/internal/models"
)

// Command is one actuator instruction received from the broker.
type Command struct {
	ID       string          `json:"id"`
	Actuator models.Actuator `json:"actuator"`
	State    string          `json:"state"`
}

// On reports whether the command turns its actuator on.
func (c Command) On() bool { return c.State == "ON" }

// CommandHandler processes one broker command. A returned error nacks the
// message so JetStream redelivers it; delivery is at-least-once and the
// handler must tolerate duplicates.
type CommandHandler func(ctx context.Context, cmd Command) error

// Commands consumes the device's command topic on a durable queue-group
// consumer, so commands published during an outage are delivered once the
// gateway reconnects.
type Commands struct {
	sub      message.Subscriber
	deviceID string
	handler  CommandHandler
	log      zerolog.Logger
}

// NewCommands connects a durable JetStream subscriber per the broker config.
func NewCommands(cfg config.BrokerConfig, deviceID string, handler CommandHandler) (*Commands, error) {
	log := logging.With().Str("component", "broker.commands").Logger()
	wmLogger := newLoggerAdapter(log)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("command subscriber disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("command subscriber reconnected")
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.AckWait(cfg.AckWait),
		natsgo.MaxDeliver(5),
	}
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("broker: create subscriber: %w", err)
	}

	return newCommandsWith(sub, deviceID, handler, log), nil
}

func newCommandsWith(sub message.Subscriber, deviceID string, handler CommandHandler, log zerolog.Logger) *Commands {
	return &Commands{
		sub:      sub,
		deviceID: deviceID,
		handler:  handler,
		log:      log,
	}
}

func (c *Commands) String() string { return "broker.commands" }

// Serve consumes commands until ctx is cancelled. Malformed envelopes and
// unknown actuators are protocol faults: they are logged, counted, and
// acked so they never redeliver. Handler failures nack for redelivery.
func (c *Commands) Serve(ctx context.Context) error {
	messages, err := c.sub.Subscribe(ctx, commandsTopic(c.deviceID))
	if err != nil {
		return fmt.Errorf("broker: subscribe commands: %w", err)
	}
	defer c.sub.Close()

	c.log.Info().Str("topic", commandsTopic(c.deviceID)).Msg("consuming broker commands")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("broker: command stream closed")
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Commands) handle(ctx context.Context, msg *message.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		metrics.RemoteCommandsForwarded.WithLabelValues("invalid").Inc()
		c.log.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping malformed command")
		msg.Ack()
		return
	}
	if _, err := models.ParseActuator(string(cmd.Actuator)); err != nil {
		metrics.RemoteCommandsForwarded.WithLabelValues("invalid").Inc()
		c.log.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping command for unknown actuator")
		msg.Ack()
		return
	}

	if err := c.handler(ctx, cmd); err != nil {
		c.log.Warn().Err(err).Str("command", cmd.ID).Msg("command handling failed, redelivering")
		msg.Nack()
		return
	}
	msg.Ack()
}
