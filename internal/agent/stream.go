package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aretw0/parley/internal/steps"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Emission thresholds: a chunk is emitted once this much text or audio has
// accumulated since the previous one.
const (
	TextThreshold  = 16
	AudioThreshold = 4096
)

// mailboxDepth bounds the fan-in of the text and audio tasks.
const mailboxDepth = 10

// piece is one unit received by the mailbox, from either task.
type piece struct {
	text  string
	audio []byte
	usage *domain.Usage
	err   error
}

// stream relays a message to the caller in chunks, persisting it as one
// assistant memory entry. In voice mode the text is also fed to the
// synthesizer and the audio fanned in through the same mailbox.
func (t *turn) stream(step *steps.Step, msg *steps.Message) error {
	a := t.agent
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	mailbox := make(chan piece, mailboxDepth)
	send := func(p piece) {
		select {
		case mailbox <- p:
		case <-ctx.Done():
			a.logger.Debug("dropping stream piece", "step", step.ID(), "err", ctx.Err())
		}
	}

	var speech chan string
	var audio <-chan ports.AudioChunk
	if t.voice != nil {
		speech = make(chan string, mailboxDepth)
		var err error
		audio, err = a.synth.Synthesize(ctx, *t.voice, speech)
		if err != nil {
			return fmt.Errorf("start speech synthesis: %w", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if speech != nil {
			defer close(speech)
		}
		for chunk := range msg.Chunks {
			if chunk.Text != "" && speech != nil {
				select {
				case speech <- chunk.Text:
				case <-ctx.Done():
				}
			}
			send(piece{text: chunk.Text, usage: chunk.Usage, err: chunk.Err})
		}
	}()
	if audio != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range audio {
				send(piece{audio: chunk.Data, err: chunk.Err})
			}
		}()
	}
	go func() {
		wg.Wait()
		close(mailbox)
	}()

	out := &emitter{turn: t, stepID: step.ID()}
	var usage domain.Usage
	var streamErr error
	for p := range mailbox {
		if p.usage != nil {
			usage = usage.Add(*p.usage)
		}
		if p.err != nil {
			if streamErr == nil {
				streamErr = p.err
			}
			continue
		}
		out.text.WriteString(p.text)
		out.pendingText += p.text
		out.pendingAudio = append(out.pendingAudio, p.audio...)
		if len(out.pendingText) >= TextThreshold || len(out.pendingAudio) >= AudioThreshold {
			if err := out.flush(false); err != nil {
				return t.abandon(step, msg, out, err)
			}
		}
	}

	if !usage.IsZero() {
		if err := a.store.IncrementUsage(t.ctx, a.id, usage); err != nil {
			a.logger.Error("failed to record usage", "step", step.ID(), "err", err)
		}
	}

	if streamErr != nil {
		partial := msg.Continued + out.text.String()
		step.SetStatus(domain.StatusError)
		if partial != "" {
			step.SetPending(&partial)
		}
		return &domain.StepExecutionError{StepID: step.ID(), Err: streamErr}
	}

	if msg.SaveTo != nil {
		full := msg.Continued + out.text.String()
		if err := a.env.Slots.Set(t.ctx, *msg.SaveTo, domain.String(full)); err != nil {
			return fmt.Errorf("store reply of %q: %w", step.ID(), err)
		}
	}

	if out.emitted == 0 || out.pendingText != "" || len(out.pendingAudio) > 0 || t.voice != nil {
		// A consumer stopping on the final chunk has received the whole reply.
		if err := out.flush(true); errors.Is(err, errStopped) {
			return err
		} else if err != nil {
			return t.abandon(step, msg, out, err)
		}
	}
	return nil
}

// abandon leaves a reply that was cut short in Error, keeping the text
// produced so far as the pending response the next run continues.
func (t *turn) abandon(step *steps.Step, msg *steps.Message, out *emitter, err error) error {
	a := t.agent
	if out.messageID != "" {
		if uerr := a.store.UpdateMemory(t.ctx, a.id.ConversationID, out.messageID, out.text.String()); uerr != nil {
			a.logger.Error("failed to store partial reply", "step", step.ID(), "err", uerr)
		}
	}
	partial := msg.Continued + out.text.String()
	step.SetStatus(domain.StatusError)
	if partial != "" {
		step.SetPending(&partial)
	}
	return err
}

// emitter tracks what has been shown to the caller and persisted so far.
type emitter struct {
	turn   *turn
	stepID string

	text         strings.Builder
	pendingText  string
	pendingAudio []byte

	messageID string
	emitted   int
}

// flush emits the accumulated suffix. The first flush creates the memory
// entry, later ones update it with the full text so far.
func (e *emitter) flush(final bool) error {
	a := e.turn.agent
	if e.messageID == "" {
		id, err := a.appendMemory(e.turn.ctx, e.stepID, domain.RoleAssistant, e.text.String())
		if err != nil {
			return err
		}
		e.messageID = id
	} else if err := a.store.UpdateMemory(e.turn.ctx, a.id.ConversationID, e.messageID, e.text.String()); err != nil {
		return fmt.Errorf("update memory: %w", err)
	}

	chunk := &domain.Chunk{
		MessageID: e.messageID,
		Text:      e.pendingText,
		Audio:     e.pendingAudio,
		Final:     final,
	}
	e.pendingText = ""
	e.pendingAudio = nil
	e.emitted++
	return e.turn.emit(domain.Event{Type: domain.EventChat, StepID: e.stepID, Chunk: chunk})
}
