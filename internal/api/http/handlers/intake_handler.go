package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-pipeline/internal/api/dto"
	"github.com/spec-kit/support-pipeline/internal/auth"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/intake"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

// IntakeHandler terminates the channel webhooks. Authenticity is checked
// before any payload parsing; a verified duplicate still returns 200 so the
// channel stops retrying.
type IntakeHandler struct {
	adapter       *intake.Adapter
	organizations repository.OrganizationRepository
}

// NewIntakeHandler constructs handler.
func NewIntakeHandler(adapter *intake.Adapter, organizations repository.OrganizationRepository) *IntakeHandler {
	return &IntakeHandler{adapter: adapter, organizations: organizations}
}

// Webhook POST /intake/webhook/:routing_key.
func (h *IntakeHandler) Webhook(c *fiber.Ctx) error {
	org, err := h.resolveOrg(c)
	if err != nil {
		return err
	}
	body := c.Body()
	if err := intake.VerifySignature(org.WebhookSecret, body, c.Get("X-Signature")); err != nil {
		return err
	}
	inbound, err := intake.ParseWebhook(org.RoutingKey, body)
	if err != nil {
		return err
	}
	return h.ingest(c, inbound)
}

// Email POST /intake/email/:routing_key.
func (h *IntakeHandler) Email(c *fiber.Ctx) error {
	org, err := h.resolveOrg(c)
	if err != nil {
		return err
	}
	body := c.Body()
	if err := intake.VerifySignature(org.WebhookSecret, body, c.Get("X-Signature")); err != nil {
		return err
	}
	inbound, err := intake.ParseEmail(org.RoutingKey, body)
	if err != nil {
		return err
	}
	return h.ingest(c, inbound)
}

// Telegram POST /intake/telegram/:routing_key.
func (h *IntakeHandler) Telegram(c *fiber.Ctx) error {
	org, err := h.resolveOrg(c)
	if err != nil {
		return err
	}
	if err := intake.VerifyTelegramSecret(org.TelegramSecret, c.Get("X-Telegram-Bot-Api-Secret-Token")); err != nil {
		return err
	}
	inbound, err := intake.ParseTelegram(org.RoutingKey, c.Body())
	if err != nil {
		return err
	}
	return h.ingest(c, inbound)
}

// APIIngest POST /intake/api. First-party clients authenticate with the
// same bearer tokens agents use; the tenant comes from the token.
func (h *IntakeHandler) APIIngest(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return util.NewUnauthorized("authentication required")
	}
	var req dto.APIIngestRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}

	org, err := h.organizations.GetByID(c.UserContext(), principal.OrganizationID)
	if err != nil {
		return util.MapError(err)
	}

	inbound := domain.InboundMessage{
		Channel:           domain.ChannelAPI,
		ExternalMessageID: req.ExternalMessageID,
		RoutingKey:        org.RoutingKey,
		ThreadKey:         req.ThreadKey,
		SenderIdentity:    req.Sender,
		Subject:           req.Subject,
		Body:              req.Body,
		ArrivedAt:         time.Now().UTC(),
	}
	return h.ingest(c, inbound)
}

func (h *IntakeHandler) ingest(c *fiber.Ctx, inbound domain.InboundMessage) error {
	ref, err := h.adapter.Ingest(c.UserContext(), inbound)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if ref.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": dto.IngestResponse{
		TicketID:  ref.TicketID,
		MessageID: ref.MessageID,
		Created:   ref.Created,
		Duplicate: ref.Duplicate,
	}})
}

func (h *IntakeHandler) resolveOrg(c *fiber.Ctx) (*domain.Organization, error) {
	routingKey := c.Params("routing_key")
	org, err := h.organizations.GetByRoutingKey(c.UserContext(), routingKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, util.NewUnknownTenantError(routingKey)
		}
		return nil, util.MapError(err)
	}
	if !org.Active {
		return nil, util.NewUnknownTenantError(routingKey)
	}
	return org, nil
}
