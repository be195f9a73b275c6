package message

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher pulls non-terminal messages (fresh PENDING ones and those left
// mid-stage by a crash) and fans them out over the processor with bounded
// parallelism. Per-message exclusivity is the processor's job; the dispatcher
// only bounds how many run at once.
type Dispatcher struct {
	repo      Repository
	processor *Processor
	workers   int
	batchSize int
	logger    *zap.Logger
}

func NewDispatcher(repo Repository, processor *Processor, workers, batchSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Dispatcher{
		repo:      repo,
		processor: processor,
		workers:   workers,
		batchSize: batchSize,
		logger:    logger,
	}
}

// ProcessPending claims one batch of unfinished messages and processes them
// concurrently. Individual pipeline failures are terminal per message and do
// not abort the batch; only infrastructure errors (repo, cancellation) do.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	ids, err := d.repo.ListResumable(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := d.processor.Process(gctx, id)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ErrAlreadyProcessing):
				return nil
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				var perr *PipelineError
				if errors.As(err, &perr) {
					// Recorded on the message itself; the batch
					// moves on.
					return nil
				}
				d.logger.Error("dispatch failed",
					zap.String("message_id", id.String()), zap.Error(err))
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}
