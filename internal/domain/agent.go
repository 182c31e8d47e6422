package domain

import "time"

// Agent is a human operator eligible for ticket assignment. The ticket
// counter is shared mutable state across workers and is only ever changed
// through conditional updates paired with assignment and resolution
// transitions.
type Agent struct {
	ID                 string
	OrganizationID     string
	Name               string
	Email              string
	Active             bool
	CategoryIDs        []string
	CurrentTicketCount int
	LastAssignedAt     *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCategory reports whether the agent covers the given category. Agents
// with no explicit assignments cover everything.
func (a *Agent) HasCategory(categoryID string) bool {
	if len(a.CategoryIDs) == 0 {
		return true
	}
	for _, id := range a.CategoryIDs {
		if id == categoryID {
			return true
		}
	}
	return false
}
