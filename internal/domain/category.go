package domain

import "time"

// Category is a read model owned by an external CRUD surface. The pipeline
// consumes its SLA policy and routing hints only.
type Category struct {
	ID                   string
	OrganizationID       string
	Name                 string
	Keywords             string
	PriorityLevel        int
	ResponseSLAMinutes   int
	ResolutionSLAMinutes int
	AutoAssignEnabled    bool
	IsActive             bool
	CreatedAt            time.Time
}
