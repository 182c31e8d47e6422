package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// VerifySignature checks the hex HMAC-SHA256 of the raw request body against
// the tenant's shared secret. The header value may carry a "sha256=" prefix.
// Comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return util.NewAuthenticityError("webhook secret not configured")
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return util.NewAuthenticityError("missing signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return util.NewAuthenticityError("signature mismatch")
	}
	return nil
}

// webhookPayload is the generic webhook delivery format.
type webhookPayload struct {
	MessageID string `json:"message_id"`
	ThreadKey string `json:"thread_key"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// ParseWebhook decodes a verified generic webhook body into the canonical
// inbound form.
func ParseWebhook(routingKey string, raw []byte) (domain.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InboundMessage{}, util.NewValidationError("malformed webhook payload", nil)
	}
	return domain.InboundMessage{
		Channel:           domain.ChannelWebhook,
		ExternalMessageID: payload.MessageID,
		RoutingKey:        routingKey,
		ThreadKey:         payload.ThreadKey,
		SenderIdentity:    payload.Sender,
		Subject:           payload.Subject,
		Body:              payload.Body,
		ArrivedAt:         parseTimestamp(payload.Timestamp),
	}, nil
}

// emailPayload is the inbound email delivery format posted by the mail
// gateway. Threading follows In-Reply-To when present so replies join the
// original conversation.
type emailPayload struct {
	MessageID string `json:"message_id"`
	InReplyTo string `json:"in_reply_to"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	TextBody  string `json:"text_body"`
	Timestamp string `json:"timestamp"`
}

// ParseEmail decodes a verified inbound email delivery.
func ParseEmail(routingKey string, raw []byte) (domain.InboundMessage, error) {
	var payload emailPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InboundMessage{}, util.NewValidationError("malformed email payload", nil)
	}
	threadKey := payload.InReplyTo
	if threadKey == "" {
		threadKey = payload.MessageID
	}
	return domain.InboundMessage{
		Channel:           domain.ChannelEmail,
		ExternalMessageID: payload.MessageID,
		RoutingKey:        routingKey,
		ThreadKey:         "email:" + threadKey,
		SenderIdentity:    payload.From,
		Subject:           payload.Subject,
		Body:              payload.TextBody,
		ArrivedAt:         parseTimestamp(payload.Timestamp),
	}, nil
}

func parseTimestamp(value string) time.Time {
	if value != "" {
		if parsed, err := time.Parse(time.RFC3339, value); err == nil {
			return parsed
		}
	}
	return time.Now().UTC()
}
