package ratelimit

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fxrates/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyLiveFetch    = "fxrates:provider:live_fetch"
	keyFullSyncLock = "fxrates:scheduler:full_sync"
)

// ProviderBudget shares the outbound provider call budget and the full sync
// lock between instances through redis. A nil budget allows everything.
type ProviderBudget struct {
	bucket *TokenBucket
	locker *Locker

	rate  float64
	burst int
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

func NewProviderBudget(p Params) (*ProviderBudget, error) {
	addr := strings.TrimSpace(p.Config.RedisAddr)
	if addr == "" {
		p.Log.Info("provider budget disabled, redis not configured")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Config.RedisPassword),
		DB:       p.Config.RedisDB,
	})
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	return NewProviderBudgetWithClient(client, p.Config.Exchange.LiveFetchRate, p.Config.Exchange.LiveFetchBurst), nil
}

func NewProviderBudgetWithClient(client redis.UniversalClient, rate float64, burst int) *ProviderBudget {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &ProviderBudget{
		bucket: NewTokenBucket(client),
		locker: NewLocker(client),
		rate:   rate,
		burst:  burst,
	}
}

func (b *ProviderBudget) Enabled() bool {
	return b != nil && b.bucket != nil
}

// AllowLiveFetch takes one token for a request-path provider call.
func (b *ProviderBudget) AllowLiveFetch(ctx context.Context) (*RateLimitResult, error) {
	if !b.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return b.bucket.Allow(ctx, keyLiveFetch, b.rate, b.burst)
}

// TryLockFullSync claims the cross-instance full sync lock.
func (b *ProviderBudget) TryLockFullSync(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if !b.Enabled() {
		return "", true, nil
	}
	return b.locker.TryLock(ctx, keyFullSyncLock, ttl)
}

func (b *ProviderBudget) ReleaseFullSync(ctx context.Context, token string) error {
	if !b.Enabled() {
		return nil
	}
	return b.locker.Release(ctx, keyFullSyncLock, token)
}
