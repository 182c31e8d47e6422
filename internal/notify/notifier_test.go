package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/events"
)

func TestEmailReplyPostsToGatewayWebhook(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{
		EmailFrom:       "support@example.com",
		EmailWebhookURL: srv.URL,
	}, zap.NewNop())

	d := events.NewInMemoryDispatcher()
	n.Attach(d)

	require.NoError(t, d.Publish(context.Background(), events.Event{
		Type:     events.EventOutboundReply,
		TicketID: "t-1",
		Payload: events.OutboundReplyPayload{
			Channel:   domain.ChannelEmail,
			ThreadKey: "email:msg-1",
			Body:      "all set",
		},
	}))

	assert.Equal(t, "support@example.com", got["from"])
	assert.Equal(t, "t-1", got["ticket_id"])
	assert.Equal(t, "email:msg-1", got["thread_key"])
	assert.Equal(t, "all set", got["body"])
}

func TestTelegramReplyTargetsChatFromThreadKey(t *testing.T) {
	var path string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{TelegramBotToken: "bot-token"}, zap.NewNop())
	n.telegramBaseURL = srv.URL

	err := n.sendTelegram(context.Background(), events.OutboundReplyPayload{
		Channel:   domain.ChannelTelegram,
		ThreadKey: "tg:987",
		Body:      "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "/botbot-token/sendMessage", path)
	assert.Equal(t, "987", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
}

func TestUnconfiguredTransportsAreSilentlySkipped(t *testing.T) {
	n := NewNotifier(config.NotifyConfig{}, zap.NewNop())

	assert.NoError(t, n.sendEmail(context.Background(), "t-1", events.OutboundReplyPayload{}))
	assert.NoError(t, n.sendTelegram(context.Background(), events.OutboundReplyPayload{ThreadKey: "tg:1"}))
}

func TestDeliveryFailureDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{EmailWebhookURL: srv.URL}, zap.NewNop())
	d := events.NewInMemoryDispatcher()
	n.Attach(d)

	err := d.Publish(context.Background(), events.Event{
		Type:    events.EventOutboundReply,
		Payload: events.OutboundReplyPayload{Channel: domain.ChannelEmail, Body: "x"},
	})
	assert.NoError(t, err)
}
