// Package seeder provisions a development API key when RUN_SEED is set.
package seeder

import (
	"context"

	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/internal/auth"
)

const (
	DevAPIKey = "dev-api-key-12345"
	DevUserID = "00000000-0000-0000-0000-000000000001"
)

func SeedDevAPIKey(ctx context.Context, store auth.Store, log *zap.Logger) {
	apiKey := &auth.APIKey{
		UserID:  DevUserID,
		KeyHash: auth.HashKey(DevAPIKey),
		Active:  true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		log.Info("dev api key may already exist, skipping", zap.Error(err))
		return
	}
	log.Info("dev api key created", zap.String("key", DevAPIKey), zap.String("user_id", DevUserID))
}
