package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
)

// Outcome is the settled result of one branch.
type Outcome[T any] struct {
	Value T
	Err   error
}

// settle runs every task concurrently and waits for all of them. A failing
// or panicking branch never cancels its siblings; each failure is reported
// in its own Outcome, in task order.
func settle[T any](ctx context.Context, tasks ...func(context.Context) (T, error)) []Outcome[T] {
	out := make([]Outcome[T], len(tasks))
	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i].Err = apperr.New(apperr.ErrUnknown, fmt.Sprintf("runtime error: %v", r))
				}
			}()
			out[i].Value, out[i].Err = task(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
