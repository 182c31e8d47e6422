package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-pipeline/internal/api/http/handlers"
	"github.com/spec-kit/support-pipeline/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Intake         *handlers.IntakeHandler
	Tickets        *handlers.TicketsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	intakeGroup := app.Group("/intake")
	intakeGroup.Post("/webhook/:routing_key", cfg.Intake.Webhook)
	intakeGroup.Post("/email/:routing_key", cfg.Intake.Email)
	intakeGroup.Post("/telegram/:routing_key", cfg.Intake.Telegram)
	intakeGroup.Post("/api", cfg.AuthMiddleware.Handle, cfg.Intake.APIIngest)

	agentGroup := app.Group("/agent", cfg.AuthMiddleware.Handle)
	agentGroup.Get("/tickets", cfg.Tickets.ListTickets)
	agentGroup.Get("/tickets/:id", cfg.Tickets.GetTicket)
	agentGroup.Post("/tickets/:id/reply", cfg.Tickets.Reply)
	agentGroup.Post("/tickets/:id/start", cfg.Tickets.StartProgress)
	agentGroup.Post("/tickets/:id/resolve", cfg.Tickets.Resolve)
	agentGroup.Post("/tickets/:id/close", cfg.Tickets.CloseTicket)
}
