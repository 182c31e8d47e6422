// Package capability defines the contracts for the external AI capabilities
// the pipeline depends on. Each capability is a single synchronous call with
// a bounded timeout; internals (multi-step reasoning, model choice) are
// implementation details behind the interface.
package capability

import (
	"context"

	"github.com/spec-kit/support-pipeline/internal/domain"
)

// Classifier assigns criticality, category and a confidence score to a
// ticket from its title and description.
type Classifier interface {
	Classify(ctx context.Context, title, description string) (domain.ClassificationResult, error)
}

// Retriever returns ranked reference snippets from the organization's
// knowledge base for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query, organizationID string, k int) ([]domain.Snippet, error)
}

// GenerationInput carries everything the generator needs for one pass.
// A non-empty Draft requests the stylistic enhancement pass instead of
// drafting from snippets.
type GenerationInput struct {
	TicketTitle       string
	TicketDescription string
	Snippets          []domain.Snippet
	Draft             string
	Tone              string
}

// Generator produces reply text. Invoked twice per auto-resolution: once to
// draft from retrieved snippets, once to enhance the draft.
type Generator interface {
	Generate(ctx context.Context, input GenerationInput) (string, error)
}
