package contentstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

// Retrying retries transient failures of the wrapped store with exponential
// backoff. Permanent errors are returned on first sight.
type Retrying struct {
	next       Store
	maxElapsed time.Duration
}

func WithRetry(next Store, maxElapsed time.Duration) *Retrying {
	return &Retrying{next: next, maxElapsed: maxElapsed}
}

var _ Store = (*Retrying)(nil)

func (r *Retrying) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(b, ctx)
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	return backoff.RetryNotify(func() error {
		return permanentUnlessTransient(r.next.Put(ctx, key, data))
	}, r.policy(ctx), notify("put", key))
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	return backoff.RetryNotifyWithData(func() ([]byte, error) {
		data, err := r.next.Get(ctx, key)
		return data, permanentUnlessTransient(err)
	}, r.policy(ctx), notify("get", key))
}

func (r *Retrying) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return backoff.RetryNotifyWithData(func() (int, error) {
		n, err := r.next.DeletePrefix(ctx, prefix)
		return n, permanentUnlessTransient(err)
	}, r.policy(ctx), notify("delete", prefix))
}

func permanentUnlessTransient(err error) error {
	if err == nil || appErr.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func notify(op, key string) backoff.Notify {
	return func(err error, wait time.Duration) {
		logger.L().Warn("content store retry", zap.String("op", op), zap.String("key", key), zap.Duration("wait", wait), zap.Error(err))
	}
}
