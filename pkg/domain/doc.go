/*
Package domain contains the core domain models of the parley engine.

It defines the scoped slot model (SlotPath, Value, Template, Condition), the
step status state machine, the durable per-conversation state and the events
streamed back to callers. This package is kept pure and free of external
dependencies like I/O or persistence, following Hexagonal Architecture
principles.

# Key Entities

  - Value: a dynamically typed slot value with fail-closed comparisons.
  - SlotPath: a (scope, name) address of a piece of state.
  - Template: prompt text with {{scope.name}} placeholders.
  - Condition: a guard evaluated against a slot before a step runs.
  - ConversationState: the only state that survives between turns.
  - Event: what a chat turn emits (History, Typing, Hold, Chat, ConversationEnd, Error).
*/
package domain
