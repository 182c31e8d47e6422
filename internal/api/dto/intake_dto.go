package dto

// IngestResponse acknowledges a channel delivery. Duplicate deliveries get
// the same ticket id as the original so channel retries are observable
// no-ops.
type IngestResponse struct {
	TicketID  string `json:"ticket_id"`
	MessageID string `json:"message_id"`
	Created   bool   `json:"created"`
	Duplicate bool   `json:"duplicate"`
}

// APIIngestRequest is the authenticated first-party intake payload.
type APIIngestRequest struct {
	ExternalMessageID string `json:"external_message_id"`
	ThreadKey         string `json:"thread_key"`
	Sender            string `json:"sender"`
	Subject           string `json:"subject"`
	Body              string `json:"body"`
}
