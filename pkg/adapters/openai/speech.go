package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/openai/openai-go"
)

// readSize bounds each audio chunk read from a speech response.
const readSize = 4096

// Synthesize implements ports.Synthesizer. Text is grouped into sentences and
// each sentence is converted with one speech request, in order.
func (p *Provider) Synthesize(ctx context.Context, voice domain.VoiceConfig, text <-chan string) (<-chan ports.AudioChunk, error) {
	if voice.Voice == "" {
		return nil, errors.New("openai speech: voice is required")
	}
	out := make(chan ports.AudioChunk)
	go func() {
		defer close(out)
		var buf strings.Builder
		speak := func(s string) bool {
			if strings.TrimSpace(s) == "" {
				return true
			}
			if err := p.speak(ctx, voice, s, out); err != nil {
				select {
				case out <- ports.AudioChunk{Err: err}:
				case <-ctx.Done():
				}
				return false
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-text:
				if !ok {
					speak(buf.String())
					return
				}
				buf.WriteString(t)
				if sentence, rest, found := cutSentence(buf.String()); found {
					buf.Reset()
					buf.WriteString(rest)
					if !speak(sentence) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) speak(ctx context.Context, voice domain.VoiceConfig, input string, out chan<- ports.AudioChunk) error {
	model := voice.Model
	if model == "" {
		model = string(openai.SpeechModelTTS1)
	}
	format := voice.Format
	if format == "" {
		format = string(openai.AudioSpeechNewParamsResponseFormatMP3)
	}
	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(model),
		Input:          input,
		Voice:          openai.AudioSpeechNewParamsVoice(voice.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(format),
	})
	if err != nil {
		return fmt.Errorf("openai speech error: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, readSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case out <- ports.AudioChunk{Data: data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai speech read: %w", err)
		}
	}
}

// cutSentence splits s after the last sentence terminator.
func cutSentence(s string) (sentence, rest string, found bool) {
	i := strings.LastIndexAny(s, ".!?\n")
	if i < 0 {
		return "", s, false
	}
	return s[:i+1], s[i+1:], true
}
