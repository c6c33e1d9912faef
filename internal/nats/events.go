package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ThommysArt/better-chat/internal/model"
	"github.com/ThommysArt/better-chat/pkg/metrics"
)

const (
	// EventStreamName is the name of the turn event fan-out stream.
	EventStreamName = "CHAT_EVENTS"

	// EventSubjectPrefix is the prefix for all turn event subjects.
	EventSubjectPrefix = "chat"
)

// EventBus publishes and subscribes to in-flight turn events. Durable history
// lives in the store; this stream only carries live fan-out, so retention is
// short.
type EventBus struct {
	client *Client
}

// NewEventBus creates an event bus over an established client.
func NewEventBus(client *Client) *EventBus {
	return &EventBus{client: client}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (b *EventBus) EnsureStream(ctx context.Context) error {
	js := b.client.JetStream()

	_, err := js.Stream(ctx, EventStreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        EventStreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", EventSubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      time.Hour,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
		Description: "Live turn streaming events",
	})
	if err != nil {
		return fmt.Errorf("failed to create event stream: %w", err)
	}

	return nil
}

// ReportStats refreshes the stream gauges on a fixed cadence until the
// context is done.
func (b *EventBus) ReportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refreshStats(ctx)
		}
	}
}

func (b *EventBus) refreshStats(ctx context.Context) {
	stream, err := b.client.JetStream().Stream(ctx, EventStreamName)
	if err != nil {
		return
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return
	}
	metrics.NATSStreamMessages.WithLabelValues(EventStreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(EventStreamName).Set(float64(info.State.Bytes))
}

// TurnSubject returns the subject for a turn's events.
func TurnSubject(conversationID, turnID uuid.UUID) string {
	return fmt.Sprintf("%s.%s.turn.%s", EventSubjectPrefix, conversationID, turnID)
}

// ConversationFilter returns the filter subject for all events in a conversation.
func ConversationFilter(conversationID uuid.UUID) string {
	return fmt.Sprintf("%s.%s.>", EventSubjectPrefix, conversationID)
}

// Publish publishes a turn event. Failures are fire-and-forget for callers:
// fan-out loss never fails a turn.
func (b *EventBus) Publish(ctx context.Context, event *model.TurnEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = b.client.JetStream().Publish(ctx, TurnSubject(event.ConversationID, event.TurnID), data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe delivers a conversation's live events to the handler until the
// context is done. Delivery starts at new events only.
func (b *EventBus) Subscribe(ctx context.Context, conversationID uuid.UUID, handler func(*model.TurnEvent)) error {
	js := b.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, EventStreamName, jetstream.ConsumerConfig{
		FilterSubject: ConversationFilter(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event model.TurnEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			return
		}
		handler(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to consume events: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}
