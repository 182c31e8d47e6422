package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/api/http/handlers"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/intake"
	"github.com/spec-kit/support-pipeline/internal/repository"
)

// deadlineCheckingOrgs records whether repository calls run under a context
// deadline.
type deadlineCheckingOrgs struct {
	*repository.MemoryOrganizationRepository
	sawDeadline bool
}

func (r *deadlineCheckingOrgs) GetByRoutingKey(ctx context.Context, routingKey string) (*domain.Organization, error) {
	if _, ok := ctx.Deadline(); ok {
		r.sawDeadline = true
	}
	return r.MemoryOrganizationRepository.GetByRoutingKey(ctx, routingKey)
}

type noopProducer struct{}

func (noopProducer) Enqueue(context.Context, domain.PipelineTask) error { return nil }

func TestRequestTimeoutBoundsHandlerCalls(t *testing.T) {
	orgs := &deadlineCheckingOrgs{MemoryOrganizationRepository: repository.NewMemoryOrganizationRepository()}
	orgs.Put(domain.Organization{ID: "org-1", Name: "Acme", RoutingKey: "acme", WebhookSecret: "s3cret", Active: true})

	adapter := intake.NewAdapter(intake.Dependencies{
		Organizations: orgs,
		Tickets:       repository.NewMemoryTicketRepository(),
		Messages:      repository.NewMemoryMessageRepository(),
		Producer:      noopProducer{},
		Logger:        zap.NewNop(),
	})

	app := fiber.New()
	app.Use(requestTimeoutMiddleware(5 * time.Second))
	app.Post("/intake/webhook/:routing_key", handlers.NewIntakeHandler(adapter, orgs).Webhook)

	body := []byte(`{"message_id":"m-1","thread_key":"w:1","sender":"cust","subject":"Help","body":"It broke"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)

	req := httptest.NewRequest(fiber.MethodPost, "/intake/webhook/acme", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.True(t, orgs.sawDeadline, "repository calls should run under the request deadline")
}
