// Package middleware wraps a ports.Persistence to add behavior such as
// encryption at rest or redaction of personal data.
package middleware

import "github.com/aretw0/parley/pkg/ports"

// Middleware allows wrapping a Persistence to add behavior.
type Middleware func(ports.Persistence) ports.Persistence

// Chain applies middlewares so that the first one is the outermost.
func Chain(store ports.Persistence, mws ...Middleware) ports.Persistence {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
