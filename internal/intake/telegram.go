package intake

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// VerifyTelegramSecret checks the X-Telegram-Bot-Api-Secret-Token header set
// when the webhook was registered.
func VerifyTelegramSecret(secret, token string) error {
	if secret == "" {
		return util.NewAuthenticityError("telegram secret not configured")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(token)) != 1 {
		return util.NewAuthenticityError("telegram secret mismatch")
	}
	return nil
}

// telegramUpdate mirrors the subset of the Bot API update object the
// pipeline consumes.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		Date      int64 `json:"date"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

// ParseTelegram decodes a verified Bot API update. The chat id keys the
// conversation thread; chat id plus message id dedups redelivered updates.
func ParseTelegram(routingKey string, raw []byte) (domain.InboundMessage, error) {
	var update telegramUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return domain.InboundMessage{}, util.NewValidationError("malformed telegram update", nil)
	}
	if update.Message == nil {
		return domain.InboundMessage{}, util.NewValidationError("update carries no message", nil)
	}

	msg := update.Message
	sender := msg.From.Username
	if sender == "" {
		sender = fmt.Sprintf("tg-user-%d", msg.From.ID)
	}
	arrivedAt := time.Now().UTC()
	if msg.Date > 0 {
		arrivedAt = time.Unix(msg.Date, 0).UTC()
	}
	return domain.InboundMessage{
		Channel:           domain.ChannelTelegram,
		ExternalMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		RoutingKey:        routingKey,
		ThreadKey:         fmt.Sprintf("tg:%d", msg.Chat.ID),
		SenderIdentity:    sender,
		Body:              msg.Text,
		ArrivedAt:         arrivedAt,
	}, nil
}
