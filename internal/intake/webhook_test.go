package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"message_id":"m-1"}`)

	require.NoError(t, VerifySignature("s3cret", body, sign("s3cret", body)))
	require.NoError(t, VerifySignature("s3cret", body, "sha256="+sign("s3cret", body)))

	assert.Error(t, VerifySignature("s3cret", body, sign("other", body)))
	assert.Error(t, VerifySignature("s3cret", body, ""))
	assert.Error(t, VerifySignature("", body, sign("s3cret", body)))
	// body tamper
	assert.Error(t, VerifySignature("s3cret", []byte(`{}`), sign("s3cret", body)))
}

func TestParseWebhook(t *testing.T) {
	raw := []byte(`{"message_id":"m-7","thread_key":"case-42","sender":"jo@example.com","subject":"Billing","body":"Charged twice","timestamp":"2026-08-20T10:00:00Z"}`)

	inbound, err := ParseWebhook("acme", raw)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelWebhook, inbound.Channel)
	assert.Equal(t, "m-7", inbound.ExternalMessageID)
	assert.Equal(t, "case-42", inbound.ThreadKey)
	assert.Equal(t, "acme", inbound.RoutingKey)
	assert.Equal(t, 2026, inbound.ArrivedAt.Year())

	_, err = ParseWebhook("acme", []byte("not json"))
	assert.Error(t, err)
}

func TestParseEmailThreadsByInReplyTo(t *testing.T) {
	reply := []byte(`{"message_id":"<b@mail>","in_reply_to":"<a@mail>","from":"jo@example.com","subject":"Re: Billing","text_body":"still broken"}`)
	inbound, err := ParseEmail("acme", reply)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelEmail, inbound.Channel)
	assert.Equal(t, "email:<a@mail>", inbound.ThreadKey)

	fresh := []byte(`{"message_id":"<a@mail>","from":"jo@example.com","subject":"Billing","text_body":"charged twice"}`)
	inbound, err = ParseEmail("acme", fresh)
	require.NoError(t, err)
	assert.Equal(t, "email:<a@mail>", inbound.ThreadKey)
}

func TestParseTelegram(t *testing.T) {
	raw := []byte(`{"update_id":10,"message":{"message_id":55,"date":1755600000,"text":"help me","chat":{"id":987},"from":{"id":12,"username":"jo"}}}`)

	inbound, err := ParseTelegram("acme", raw)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelTelegram, inbound.Channel)
	assert.Equal(t, "987:55", inbound.ExternalMessageID)
	assert.Equal(t, "tg:987", inbound.ThreadKey)
	assert.Equal(t, "jo", inbound.SenderIdentity)
	assert.Equal(t, "help me", inbound.Body)

	_, err = ParseTelegram("acme", []byte(`{"update_id":11}`))
	assert.Error(t, err)
}

func TestVerifyTelegramSecret(t *testing.T) {
	require.NoError(t, VerifyTelegramSecret("tok", "tok"))
	assert.Error(t, VerifyTelegramSecret("tok", "nope"))
	assert.Error(t, VerifyTelegramSecret("", "tok"))
}
