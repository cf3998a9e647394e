package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers that poll the queue. Idle workers
// wake early when the queue signals new work.
type Pool struct {
	worker       *Worker
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewPool creates a pool of concurrency pollers sharing worker
func NewPool(worker *Worker, concurrency int, pollInterval time.Duration, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		worker:       worker,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger.Named("pool"),
	}
}

// Run blocks until ctx is cancelled. Attempts already claimed finish
// before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		id := i
		g.Go(func() error {
			p.poll(ctx, id)
			return nil
		})
	}
	p.logger.Info("transfer workers started", zap.Int("concurrency", p.concurrency))
	err := g.Wait()
	p.logger.Info("transfer workers stopped")
	return err
}

func (p *Pool) poll(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.worker.RunOnce(ctx)
		if err != nil {
			p.logger.Debug("transfer attempt ended with error", zap.Int("worker", id), zap.Error(err))
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.worker.queue.Wake():
		case <-ticker.C:
		}
	}
}
