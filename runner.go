package parley

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
)

// Runner drives a conversation over line-based IO, one turn per input line.
// It backs the interactive CLI and is convenient in tests.
type Runner struct {
	Input  io.Reader
	Output io.Writer
	// Headless suppresses the banner and the input prompt.
	Headless bool
}

// Run plays turns until the conversation ends, the input is exhausted or the
// user types "exit". A failed turn is reported and the next line retries it.
func (r *Runner) Run(ctx context.Context, engine *Engine, req ChatRequest) error {
	if r.Input == nil {
		return errors.New("input reader must be set (use os.Stdin)")
	}
	if r.Output == nil {
		return errors.New("output writer must be set (use os.Stdout)")
	}
	lines := bufio.NewReader(r.Input)

	if !r.Headless {
		fmt.Fprintf(r.Output, "--- parley: %s ---\n", req.AgentID)
	}

	for {
		ended, err := r.turn(ctx, engine, req)
		if err != nil {
			return err
		}
		if ended {
			return nil
		}

		if !r.Headless {
			fmt.Fprint(r.Output, "> ")
		}
		text, err := lines.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && text != "") {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}
		input := strings.TrimSpace(text)
		if input == "exit" || input == "quit" {
			fmt.Fprintln(r.Output, "Bye!")
			return nil
		}
		req.Message = input
		req.History = false
	}
}

// turn plays one turn and reports whether the conversation ended.
func (r *Runner) turn(ctx context.Context, engine *Engine, req ChatRequest) (bool, error) {
	midLine := false
	for ev := range engine.Chat(ctx, req) {
		switch ev.Type {
		case domain.EventHistory:
			for _, m := range ev.History {
				fmt.Fprintf(r.Output, "[%s] %s\n", m.Role, m.Content)
			}
		case domain.EventChat:
			fmt.Fprint(r.Output, ev.Chunk.Text)
			midLine = !ev.Chunk.Final
			if ev.Chunk.Final {
				fmt.Fprintln(r.Output)
			}
		case domain.EventError:
			if midLine {
				fmt.Fprintln(r.Output)
			}
			fmt.Fprintf(r.Output, "error: %v\n", ev.Err)
			if errors.Is(ev.Err, ErrNoProvider) || errors.Is(ev.Err, domain.ErrAgentNotFound) {
				return true, ev.Err
			}
		case domain.EventConversationEnd:
			return true, nil
		}
	}
	return ctx.Err() != nil, ctx.Err()
}
