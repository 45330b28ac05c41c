// Chamberlink - Cultivation Chamber Edge Gateway
// Copyright 2026 Mycelio Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mycelio/chamberlink

package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mycelio/chamberlink/internal/logging"
	"github.com/mycelio/chamberlink/internal/models"
)

func newMemoryPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
}

func TestPublishReading(t *testing.T) {
	pubsub := newMemoryPubSub()
	defer pubsub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	messages, err := pubsub.Subscribe(ctx, "devices.gw-1.sensors")
	if err != nil {
		t.Fatal(err)
	}

	p := newPublisherWith(pubsub, "gw-1", logging.Logger())
	r := models.SensorReading{
		Room:        models.RoomFruiting,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Temperature: 21.5,
		Humidity:    88,
		CO2:         850,
	}
	if err := p.PublishReading(r); err != nil {
		t.Fatalf("PublishReading: %v", err)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		var got sensorsEvent
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.Room != models.RoomFruiting || got.CO2 != 850 {
			t.Errorf("payload = %+v", got)
		}
		if msg.Metadata.Get("device_id") != "gw-1" {
			t.Errorf("device_id metadata = %q", msg.Metadata.Get("device_id"))
		}
	case <-ctx.Done():
		t.Fatal("reading never published")
	}
}

func TestPublishAfterClose(t *testing.T) {
	pubsub := newMemoryPubSub()
	p := newPublisherWith(pubsub, "gw-1", logging.Logger())

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishStatus("ONLINE", nil); err == nil {
		t.Error("publish after close succeeded, want error")
	}
}

type failingPublisher struct {
	calls atomic.Int32
}

func (f *failingPublisher) Publish(topic string, messages ...*message.Message) error {
	f.calls.Add(1)
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	failing := &failingPublisher{}
	p := newPublisherWith(failing, "gw-1", logging.Logger())

	for i := 0; i < 5; i++ {
		if err := p.PublishStatus("ONLINE", nil); err == nil {
			t.Fatalf("publish %d succeeded, want error", i)
		}
	}

	// Breaker is now open; further publishes fail without hitting the broker.
	err := p.PublishStatus("ONLINE", nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("publish with open breaker = %v, want ErrOpenState", err)
	}
	if got := failing.calls.Load(); got != 5 {
		t.Errorf("broker saw %d publishes, want 5", got)
	}
}

func TestCommandsDispatch(t *testing.T) {
	pubsub := newMemoryPubSub()
	defer pubsub.Close()

	handled := make(chan Command, 1)
	cmds := newCommandsWith(pubsub, "gw-1", func(ctx context.Context, cmd Command) error {
		handled <- cmd
		return nil
	}, logging.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- cmds.Serve(ctx) }()

	// Give the subscription a moment to attach.
	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(Command{ID: "cmd-1", Actuator: models.ActuatorMistMaker, State: "ON"})
	if err := pubsub.Publish("devices.gw-1.commands", message.NewMessage("m-1", payload)); err != nil {
		t.Fatal(err)
	}

	select {
	case cmd := <-handled:
		if cmd.ID != "cmd-1" || !cmd.On() {
			t.Errorf("handled command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never handled")
	}

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestCommandsDropUnknownActuator(t *testing.T) {
	pubsub := newMemoryPubSub()
	defer pubsub.Close()

	var handledCount atomic.Int32
	handled := make(chan Command, 1)
	cmds := newCommandsWith(pubsub, "gw-1", func(ctx context.Context, cmd Command) error {
		handledCount.Add(1)
		handled <- cmd
		return nil
	}, logging.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cmds.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	bad, _ := json.Marshal(Command{ID: "cmd-bad", Actuator: "TOASTER", State: "ON"})
	pubsub.Publish("devices.gw-1.commands", message.NewMessage("m-1", bad))
	pubsub.Publish("devices.gw-1.commands", message.NewMessage("m-2", []byte("not json")))
	good, _ := json.Marshal(Command{ID: "cmd-ok", Actuator: models.ActuatorFruitingLED, State: "OFF"})
	pubsub.Publish("devices.gw-1.commands", message.NewMessage("m-3", good))

	select {
	case cmd := <-handled:
		if cmd.ID != "cmd-ok" {
			t.Errorf("handled %q, protocol faults leaked through", cmd.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid command never handled")
	}
	if got := handledCount.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestCommandsRedeliverOnHandlerError(t *testing.T) {
	pubsub := newMemoryPubSub()
	defer pubsub.Close()

	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	cmds := newCommandsWith(pubsub, "gw-1", func(ctx context.Context, cmd Command) error {
		// Fail the first delivery; at-least-once must retry it.
		if attempts.Add(1) == 1 {
			return errors.New("serial link down")
		}
		done <- struct{}{}
		return nil
	}, logging.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cmds.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(Command{ID: "cmd-1", Actuator: models.ActuatorMistMaker, State: "ON"})
	if err := pubsub.Publish("devices.gw-1.commands", message.NewMessage("m-1", payload)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never redelivered after handler failure")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}
