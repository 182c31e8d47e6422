package domain

// ClassificationResult is the classifier capability output. It is not
// persisted on its own; the orchestrator folds it into the ticket.
type ClassificationResult struct {
	Criticality Criticality
	CategoryID  *string
	Confidence  float64
}

// Snippet is a ranked knowledge-base reference returned by the retriever.
type Snippet struct {
	DocumentID string
	Content    string
	Score      float64
}
