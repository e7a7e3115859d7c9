// Package bleve implements ports.Retriever on a bleve full-text index.
// Documents are split into passages; each passage is indexed with the id
// of the document it belongs to so searches can be scoped.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/aretw0/parley/pkg/domain"
)

const (
	fieldContent  = "content"
	fieldDocument = "document_id"
	fieldSource   = "source"
)

// passage is the indexed unit.
type passage struct {
	Content    string `json:"content"`
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
}

// Retriever searches passages indexed with Add.
type Retriever struct {
	index bleve.Index
}

// Open opens the index at path, creating it when missing.
func Open(path string) (*Retriever, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		index, err := bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
		return &Retriever{index: index}, nil
	}
	index, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}
	return &Retriever{index: index}, nil
}

// NewMemory creates a volatile index.
func NewMemory() (*Retriever, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Retriever{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true

	doc.AddFieldMappingsAt(fieldContent, text)
	doc.AddFieldMappingsAt(fieldDocument, keyword)
	doc.AddFieldMappingsAt(fieldSource, keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Add indexes the passages of a document, replacing passages previously
// indexed under the same positions.
func (r *Retriever) Add(ctx context.Context, documentID, source string, passages []string) error {
	batch := r.index.NewBatch()
	for i, p := range passages {
		if strings.TrimSpace(p) == "" {
			continue
		}
		id := fmt.Sprintf("%s#%d", documentID, i)
		if err := batch.Index(id, passage{Content: p, DocumentID: documentID, Source: source}); err != nil {
			return fmt.Errorf("failed to index passage %s: %w", id, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index document %s: %w", documentID, err)
	}
	return nil
}

// Search implements ports.Retriever. An empty documentIDs searches every document.
func (r *Retriever) Search(ctx context.Context, text string, documentIDs []string, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		return nil, nil
	}
	match := bleve.NewMatchQuery(text)
	match.SetField(fieldContent)

	var q query.Query = match
	if len(documentIDs) > 0 {
		scopes := make([]query.Query, len(documentIDs))
		for i, id := range documentIDs {
			tq := bleve.NewTermQuery(id)
			tq.SetField(fieldDocument)
			scopes[i] = tq
		}
		q = bleve.NewConjunctionQuery(match, bleve.NewDisjunctionQuery(scopes...))
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{fieldContent, fieldSource}

	res, err := r.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	docs := make([]domain.Document, 0, len(res.Hits))
	for _, hit := range res.Hits {
		content, _ := hit.Fields[fieldContent].(string)
		source, _ := hit.Fields[fieldSource].(string)
		docs = append(docs, domain.Document{Content: content, Source: source})
	}
	return docs, nil
}

// Count returns the number of indexed passages.
func (r *Retriever) Count() (uint64, error) {
	return r.index.DocCount()
}

// Close releases the index.
func (r *Retriever) Close() error {
	return r.index.Close()
}
