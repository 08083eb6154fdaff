// Package dispatch fans pipeline work out to per-table workers. Each table's
// items are processed strictly in arrival order by a dedicated goroutine;
// distinct tables run in parallel. The registry of per-table handles is owned
// by the routing goroutine alone, so a handle always exists before anything
// is sent to it and lives until the router drains.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// QueueSize is the depth of the inbound and per-table channels. A full
// channel blocks the producer, which is the pipeline's backpressure.
const QueueSize = 1000

// Router routes items of type M to one worker goroutine per table.
type Router[M any] struct {
	logger  *slog.Logger
	name    string
	in      chan M
	tableOf func(M) string
	work    func(ctx context.Context, item M) error
}

// NewRouter creates a router that runs work for every item, serialized per
// the table name tableOf extracts.
func NewRouter[M any](logger *slog.Logger, name string, tableOf func(M) string, work func(ctx context.Context, item M) error) *Router[M] {
	return &Router[M]{
		logger:  logger.With("component", "dispatch", "router", name),
		name:    name,
		in:      make(chan M, QueueSize),
		tableOf: tableOf,
		work:    work,
	}
}

// In is the producer side. Producers must stop sending before Close; sending
// after Run has returned panics.
func (r *Router[M]) In() chan<- M {
	return r.in
}

// Close signals that no further items will arrive. Run then drains every
// per-table queue and returns.
func (r *Router[M]) Close() {
	close(r.in)
}

// Run routes until the inbound channel closes and all workers drain, or a
// worker fails. A worker error cancels the remaining workers and is returned
// as-is; queue contents are abandoned on that path.
func (r *Router[M]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	handles := make(map[string]chan M)

	startWorker := func(table string, queue chan M) {
		g.Go(func() error {
			for item := range queue {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := r.work(ctx, item); err != nil {
					return fmt.Errorf("%s %s: %w", r.name, table, err)
				}
			}
			return nil
		})
	}

	for {
		select {
		case <-ctx.Done():
			for _, queue := range handles {
				close(queue)
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()

		case item, ok := <-r.in:
			if !ok {
				for _, queue := range handles {
					close(queue)
				}
				return g.Wait()
			}

			table := r.tableOf(item)
			queue, ok := handles[table]
			if !ok {
				queue = make(chan M, QueueSize)
				handles[table] = queue
				startWorker(table, queue)
				r.logger.Debug("worker started", "table", table)
			}

			select {
			case queue <- item:
			case <-ctx.Done():
				for t, q := range handles {
					if t != table {
						close(q)
					}
				}
				close(queue)
				if err := g.Wait(); err != nil {
					return err
				}
				return ctx.Err()
			}
		}
	}
}
