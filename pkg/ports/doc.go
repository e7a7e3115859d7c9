/*
Package ports defines the driven ports (interfaces) for the parley engine.

These interfaces decouple the step engine from external implementations,
allowing it to work with various storage backends, LLM vendors, retrieval
indexes and definition sources.

# Key Interfaces

  - Persistence: scoped slots, conversation memory, resumable state and token usage.
  - LLMProvider: chat completion (sync and streaming) with tool calling.
  - Retriever: similarity search over named document scopes.
  - Synthesizer: text-to-speech over a stream of text chunks.
  - DefinitionLoader: raw agent definitions (e.g., from a directory or memory).
  - DistributedLocker: distributed locking for concurrent conversation access.
*/
package ports
