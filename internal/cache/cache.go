package cache

import (
	"context"
	"time"

	"cardstock/backend/internal/domain"
)

type ProfitCache interface {
	Get(ctx context.Context, key string) (*domain.PurchaseProfit, bool, error)
	Set(ctx context.Context, key string, value *domain.PurchaseProfit, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopProfitCache struct{}

func (NoopProfitCache) Get(_ context.Context, _ string) (*domain.PurchaseProfit, bool, error) {
	return nil, false, nil
}

func (NoopProfitCache) Set(_ context.Context, _ string, _ *domain.PurchaseProfit, _ time.Duration) error {
	return nil
}

func (NoopProfitCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
