package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"dtrunner/pkg/coordination"
)

// KeyPrefix namespaces engine locks in etcd.
const KeyPrefix = "/dtrunner/locks/"

// Locker serializes engine runs across processes (and hosts sharing one
// engine installation) with etcd mutexes.
type Locker struct {
	client  *clientv3.Client
	session *concurrency.Session
	// Mutexes on one session are not exclusive among themselves, so
	// goroutines of this process queue locally first.
	local *coordination.LocalLocker
}

func NewLocker(endpoints []string, ttl int) (*Locker, error) {
	// Create the raw etcd client
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session lease keeps locks alive while this process is; a crashed
	// worker's lock expires after ttl seconds.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &Locker{
		client:  cli,
		session: sess,
		local:   coordination.NewLocalLocker(),
	}, nil
}

func (l *Locker) Lock(ctx context.Context, key string) (coordination.Unlock, error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	m := concurrency.NewMutex(l.session, KeyPrefix+key)
	if err := m.Lock(ctx); err != nil {
		unlockLocal(ctx)
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		defer unlockLocal(ctx)
		if err := m.Unlock(ctx); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

func (l *Locker) Close() error {
	if l.session != nil {
		l.session.Close()
	}
	return l.client.Close()
}

var _ coordination.Locker = (*Locker)(nil)
