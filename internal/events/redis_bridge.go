package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge republishes client-facing events onto Redis pub/sub channels
// so WebSocket gateways in other processes can relay them. Delivery is
// fire-and-forget; consumers reconcile by ticket version.
type RedisBridge struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBridge creates the bridge.
func NewRedisBridge(client *redis.Client, prefix string, logger *zap.Logger) *RedisBridge {
	if prefix == "" {
		prefix = "events"
	}
	return &RedisBridge{client: client, prefix: prefix, logger: logger}
}

// Attach subscribes the bridge to the gateway-relevant event types.
func (b *RedisBridge) Attach(dispatcher Dispatcher) {
	if b == nil || b.client == nil {
		return
	}
	dispatcher.Subscribe(EventTicketUpdated, b.relay)
	dispatcher.Subscribe(EventMessageReceived, b.relay)
	dispatcher.Subscribe(EventTicketEscalated, b.relay)
}

func (b *RedisBridge) relay(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	channel := fmt.Sprintf("%s:%s", b.prefix, event.OrganizationID)
	if err := b.client.Publish(ctx, channel, encoded).Err(); err != nil {
		b.logger.Warn("event relay failed",
			zap.String("type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
