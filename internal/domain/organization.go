package domain

import "time"

// Organization is the tenant boundary. RoutingKey identifies the tenant in
// channel metadata; WebhookSecret signs generic webhook deliveries.
type Organization struct {
	ID             string
	Name           string
	RoutingKey     string
	WebhookSecret  string
	TelegramSecret string
	AgentTicketCap int
	Active         bool
	CreatedAt      time.Time
}
