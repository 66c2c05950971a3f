package discovery

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// Leadership is held while the session lease is alive. Done closes when the
// lease is lost and the holder must stop leader-only work.
type Leadership struct {
	session  *concurrency.Session
	election *concurrency.Election
	logger   *zap.Logger
}

// Campaign blocks until this process is elected under <prefix><name> or ctx
// ends.
func (sd *ServiceDiscovery) Campaign(ctx context.Context, name, candidate string) (*Leadership, error) {
	session, err := concurrency.NewSession(sd.client, concurrency.WithTTL(sd.config.LeaseTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create election session: %w", err)
	}

	election := concurrency.NewElection(session, sd.config.Prefix+name)
	sd.logger.Info("Campaigning for leadership", zap.String("election", name), zap.String("candidate", candidate))
	if err := election.Campaign(ctx, candidate); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to campaign: %w", err)
	}

	sd.logger.Info("Elected leader", zap.String("election", name), zap.String("candidate", candidate))
	return &Leadership{session: session, election: election, logger: sd.logger}, nil
}

func (l *Leadership) Done() <-chan struct{} {
	return l.session.Done()
}

// Resign gives up leadership and closes the session.
func (l *Leadership) Resign(ctx context.Context) error {
	defer l.session.Close()
	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign leadership: %w", err)
	}
	l.logger.Info("Resigned leadership")
	return nil
}

// Leader returns the candidate currently holding the election, or "" when
// nobody does. The holder owns the oldest key under the election prefix.
func (sd *ServiceDiscovery) Leader(ctx context.Context, name string) (string, error) {
	resp, err := sd.client.Get(ctx, sd.config.Prefix+name+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return "", fmt.Errorf("failed to read election: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}
