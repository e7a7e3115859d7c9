package ports

import (
	"context"

	"github.com/aretw0/parley/pkg/domain"
)

// Retriever performs similarity search over a named set of documents.
type Retriever interface {
	// Search returns at most limit results ranked by relevance.
	Search(ctx context.Context, query string, documentIDs []string, limit int) ([]domain.Document, error)
}
