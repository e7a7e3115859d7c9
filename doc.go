/*
Package parley runs declaratively configured, multi-step LLM conversations.

An agent is a YAML document listing typed steps: LLM messages, validators,
extractors, summarizers, retrieval, HTTP and event-stream calls, and pure
state steps (set_slot, counter, goto), grouped into chains and combined
steps. The engine compiles each agent once into a step graph and drives every
conversation through its own copy of it.

A turn runs steps until one waits for the user or the graph is exhausted,
streaming the reply as a sequence of events. The conversation position is
persisted after every transition: a turn interrupted by an error, a crash or
a caller that stops listening resumes on the same step, and a reply cut off
mid-stream is continued rather than restarted.

# Usage

	loader := file.NewLoader("./agents")

	eng, err := parley.New(
		parley.WithLoader(loader),
		parley.WithProvider(openai.New(apiKey)),
	)
	if err != nil {
		log.Fatal(err)
	}

	req := parley.ChatRequest{
		AgentID:  "tutor",
		Identity: domain.Identity{UserID: "u1", ConversationID: "c1"},
		Message:  "My name is Ana",
	}
	for ev := range eng.Chat(ctx, req) {
		switch ev.Type {
		case domain.EventChat:
			fmt.Print(ev.Chunk.Text)
		case domain.EventHold:
			// waiting for the next user message
		case domain.EventError:
			log.Println(ev.Err)
		}
	}

Collaborators are ports (see package ports) with adapters under
pkg/adapters: SQLite and Redis persistence, OpenAI and Anthropic providers,
a bleve retriever, a file loader with hot reload, and HTTP and MCP
transports.
*/
package parley
