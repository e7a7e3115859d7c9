package ports

import "context"

// DefinitionLoader defines how the engine retrieves agent definitions.
// This allows the storage layer (directory, memory) to be decoupled.
type DefinitionLoader interface {
	// Load retrieves the raw definition of an agent by ID.
	// Returns domain.ErrAgentNotFound if it does not exist.
	Load(ctx context.Context, id string) ([]byte, error)

	// List returns the IDs of all available definitions.
	List(ctx context.Context) ([]string, error)
}

// Watchable defines an interface for loaders that can notify about backend changes.
// This is typically used for hot-reload or dev-mode functionality.
type Watchable interface {
	// Watch returns a channel that receives the id of every changed definition.
	// An empty id means "everything may have changed".
	Watch(ctx context.Context) (<-chan string, error)
}
