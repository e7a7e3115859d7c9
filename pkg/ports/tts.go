package ports

import (
	"context"

	"github.com/aretw0/parley/pkg/domain"
)

// AudioChunk is a piece of synthesized speech.
type AudioChunk struct {
	Data []byte
	Err  error
}

// Synthesizer turns a stream of text chunks into a stream of audio bytes.
// The returned channel is closed once text is closed and drained.
type Synthesizer interface {
	Synthesize(ctx context.Context, voice domain.VoiceConfig, text <-chan string) (<-chan AudioChunk, error)
}
