// Package notify delivers outbound replies back to the channel the customer
// wrote in on. Delivery is best effort: a failed send is logged, never
// retried, and never blocks the transition that produced the reply.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/events"
)

const sendTimeout = 10 * time.Second

// Notifier relays reply.outbound events to the per-channel transports.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	logger *zap.Logger

	telegramBaseURL string
}

// NewNotifier creates a notifier from the outbound transport settings.
func NewNotifier(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	return &Notifier{
		cfg:             cfg,
		client:          &http.Client{Timeout: sendTimeout},
		logger:          logger,
		telegramBaseURL: "https://api.telegram.org",
	}
}

// Attach subscribes the notifier to outbound reply events.
func (n *Notifier) Attach(dispatcher events.Dispatcher) {
	dispatcher.Subscribe(events.EventOutboundReply, n.handle)
}

func (n *Notifier) handle(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.OutboundReplyPayload)
	if !ok {
		return nil
	}

	var err error
	switch payload.Channel {
	case domain.ChannelEmail:
		err = n.sendEmail(ctx, event.TicketID, payload)
	case domain.ChannelTelegram:
		err = n.sendTelegram(ctx, payload)
	default:
		// webhook callers collect replies through the ticket API
		return nil
	}
	if err != nil {
		n.logger.Warn("outbound reply delivery failed",
			zap.String("ticket_id", event.TicketID),
			zap.String("channel", string(payload.Channel)),
			zap.Error(err),
		)
	}
	return nil
}

func (n *Notifier) sendEmail(ctx context.Context, ticketID string, payload events.OutboundReplyPayload) error {
	if n.cfg.EmailWebhookURL == "" {
		return nil
	}
	body := map[string]string{
		"from":       n.cfg.EmailFrom,
		"ticket_id":  ticketID,
		"thread_key": payload.ThreadKey,
		"body":       payload.Body,
	}
	return n.post(ctx, n.cfg.EmailWebhookURL, body)
}

func (n *Notifier) sendTelegram(ctx context.Context, payload events.OutboundReplyPayload) error {
	if n.cfg.TelegramBotToken == "" {
		return nil
	}
	chatID := strings.TrimPrefix(payload.ThreadKey, "tg:")
	if chatID == "" || chatID == payload.ThreadKey {
		return fmt.Errorf("thread key %q is not a telegram chat", payload.ThreadKey)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramBaseURL, n.cfg.TelegramBotToken)
	return n.post(ctx, url, map[string]string{
		"chat_id": chatID,
		"text":    payload.Body,
	})
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport returned status %d", resp.StatusCode)
	}
	return nil
}
