package executor

import (
	"context"
	"time"

	"github.com/aegisreview/aegis/internal/model"
)

// Timeout applies a per-tool or default timeout to the attempt's context.
func Timeout(defaultTimeout time.Duration, perTool map[string]time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(a *Attempt) (*model.ToolResult, error) {
			timeout := defaultTimeout
			if perTool != nil {
				if t, ok := perTool[a.Tool.ID]; ok {
					timeout = t
				}
			}
			if timeout <= 0 {
				return next(a)
			}

			base := a.Context
			if base == nil {
				base = context.Background()
			}
			ctx, cancel := context.WithTimeout(base, timeout)
			defer cancel()

			a.Context = ctx
			return next(a)
		}
	}
}
