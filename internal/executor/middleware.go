// Package executor fans a selected tool set out with bounded concurrency,
// wrapping each invocation in a middleware chain for timeout and retry
// behavior.
package executor

import (
	"context"
	"time"

	"github.com/aegisreview/aegis/internal/model"
)

// Attempt carries one tool invocation's request metadata through the
// middleware chain.
type Attempt struct {
	Context   context.Context
	Tool      *model.Tool
	Workspace string
	StartedAt time.Time
	Number    int
}

// Invoker is the function signature a Tool's underlying analyzer exposes.
type Invoker func(a *Attempt) (*model.ToolResult, error)

// Middleware wraps an Invoker with additional behavior.
type Middleware func(next Invoker) Invoker

// Chain composes middlewares in order; the first middleware is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
