// Package coord elects one leader among worker processes for work that
// must not run twice at once, such as the expiry sweep.
package coord

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// Leader runs fn only while this process holds leadership
type Leader interface {
	RunAsLeader(ctx context.Context, fn func(ctx context.Context)) error
}

// Standalone is always the leader; for single-process deployments
type Standalone struct{}

func (Standalone) RunAsLeader(ctx context.Context, fn func(ctx context.Context)) error {
	fn(ctx)
	return nil
}

// Elector campaigns for leadership through an etcd election
type Elector struct {
	client     *clientv3.Client
	prefix     string
	id         string
	ttl        int
	retryDelay time.Duration
	logger     *zap.Logger
}

// Connect dials etcd
func Connect(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

// NewElector creates an elector. ttlSeconds bounds how long a crashed
// leader keeps the role.
func NewElector(client *clientv3.Client, prefix, id string, ttlSeconds int, logger *zap.Logger) *Elector {
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &Elector{
		client:     client,
		prefix:     prefix,
		id:         id,
		ttl:        ttlSeconds,
		retryDelay: time.Second,
		logger:     logger.Named("election").With(zap.String("candidate", id)),
	}
}

// RunAsLeader blocks until ctx is done. Whenever this process wins the
// election fn runs with a context that is cancelled if leadership is lost.
func (e *Elector) RunAsLeader(ctx context.Context, fn func(ctx context.Context)) error {
	for ctx.Err() == nil {
		if err := e.term(ctx, fn); err != nil && ctx.Err() == nil {
			e.logger.Warn("election round failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(e.retryDelay):
			}
		}
	}
	return nil
}

func (e *Elector) term(ctx context.Context, fn func(ctx context.Context)) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, e.prefix)
	if err := election.Campaign(ctx, e.id); err != nil {
		return fmt.Errorf("campaign failed: %w", err)
	}
	e.logger.Info("elected leader", zap.String("prefix", e.prefix))

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			e.logger.Warn("leadership lost")
			cancel()
		case <-leaderCtx.Done():
		}
	}()

	fn(leaderCtx)

	resignCtx, resignCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer resignCancel()
	if err := election.Resign(resignCtx); err != nil {
		e.logger.Debug("resign failed", zap.Error(err))
	}
	return nil
}
