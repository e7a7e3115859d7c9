// Package testutils provides scripted fakes of the driven ports for tests.
package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// FakeProvider is a scripted ports.LLMProvider.
// Calls are recorded; when no func is set Complete fails and Stream streams Reply.
type FakeProvider struct {
	CompleteFunc func(ctx context.Context, req ports.ChatRequest) (*ports.ChatResponse, error)
	StreamFunc   func(ctx context.Context, req ports.ChatRequest) (<-chan ports.StreamChunk, error)

	// Reply is streamed in ChunkSize pieces by the default Stream.
	Reply     string
	ChunkSize int

	mu       sync.Mutex
	requests []ports.ChatRequest
}

// Complete implements ports.LLMProvider.
func (p *FakeProvider) Complete(ctx context.Context, req ports.ChatRequest) (*ports.ChatResponse, error) {
	p.record(req)
	if p.CompleteFunc == nil {
		return nil, errors.New("fake provider: no completion scripted")
	}
	return p.CompleteFunc(ctx, req)
}

// Stream implements ports.LLMProvider.
func (p *FakeProvider) Stream(ctx context.Context, req ports.ChatRequest) (<-chan ports.StreamChunk, error) {
	p.record(req)
	if p.StreamFunc != nil {
		return p.StreamFunc(ctx, req)
	}
	return StreamText(p.Reply, p.ChunkSize, nil), nil
}

// Requests returns every request received so far.
func (p *FakeProvider) Requests() []ports.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.ChatRequest(nil), p.requests...)
}

func (p *FakeProvider) record(req ports.ChatRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
}

// ToolReply returns a CompleteFunc answering every call with the given tool arguments.
func ToolReply(args map[string]any) func(context.Context, ports.ChatRequest) (*ports.ChatResponse, error) {
	return func(context.Context, ports.ChatRequest) (*ports.ChatResponse, error) {
		return &ports.ChatResponse{
			Arguments: args,
			Usage:     domain.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}, nil
	}
}

// TextReply returns a CompleteFunc answering every call with text.
func TextReply(text string) func(context.Context, ports.ChatRequest) (*ports.ChatResponse, error) {
	return func(context.Context, ports.ChatRequest) (*ports.ChatResponse, error) {
		return &ports.ChatResponse{
			Text:  text,
			Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

// StreamText returns a closed-on-completion channel yielding text in pieces
// of size bytes (whole text when size <= 0), then a usage chunk, then tail
// as an error chunk when tail is non-nil.
func StreamText(text string, size int, tail error) <-chan ports.StreamChunk {
	if size <= 0 {
		size = len(text)
		if size == 0 {
			size = 1
		}
	}
	ch := make(chan ports.StreamChunk, len(text)/size+2)
	for i := 0; i < len(text); i += size {
		end := min(i+size, len(text))
		ch <- ports.StreamChunk{Text: text[i:end]}
	}
	if tail != nil {
		ch <- ports.StreamChunk{Err: tail}
	} else {
		ch <- ports.StreamChunk{Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: int64(len(text)), TotalTokens: 10 + int64(len(text))}}
	}
	close(ch)
	return ch
}

// Search is one recorded retrieval query.
type Search struct {
	Query       string
	DocumentIDs []string
	Limit       int
}

// FakeRetriever returns canned documents keyed by document id.
type FakeRetriever struct {
	Docs map[string][]domain.Document

	mu       sync.Mutex
	searches []Search
}

// Search implements ports.Retriever. Results are the documents of every
// requested id, in order, truncated to limit.
func (r *FakeRetriever) Search(ctx context.Context, query string, documentIDs []string, limit int) ([]domain.Document, error) {
	r.mu.Lock()
	r.searches = append(r.searches, Search{Query: query, DocumentIDs: documentIDs, Limit: limit})
	r.mu.Unlock()

	var out []domain.Document
	for _, id := range documentIDs {
		out = append(out, r.Docs[id]...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Searches returns every recorded query.
func (r *FakeRetriever) Searches() []Search {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Search(nil), r.searches...)
}

// FakeSynth "synthesizes" each text chunk into BytesPerChar bytes per input byte.
type FakeSynth struct {
	BytesPerChar int
}

// Synthesize implements ports.Synthesizer.
func (s *FakeSynth) Synthesize(ctx context.Context, voice domain.VoiceConfig, text <-chan string) (<-chan ports.AudioChunk, error) {
	n := s.BytesPerChar
	if n <= 0 {
		n = 1
	}
	out := make(chan ports.AudioChunk)
	go func() {
		defer close(out)
		for t := range text {
			data := make([]byte, len(t)*n)
			select {
			case out <- ports.AudioChunk{Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
