package seed

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/config"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Development bootstrap values. The API key is well-known on purpose; the
// seed never runs in production.
const (
	demoAPIKey = "sk_test_demo"
)

var demoRestaurantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// EnsureDemoRestaurant seeds a restaurant wired to the mock processor so a
// fresh local environment accepts requests immediately.
func EnsureDemoRestaurant(db *gorm.DB, repo pcdomain.Repository) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	existing, err := repo.Get(ctx, demoRestaurantID)
	if err != nil && !errors.Is(err, pcdomain.ErrConfigNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	return repo.Upsert(ctx, db, &pcdomain.RestaurantPaymentConfig{
		RestaurantID:    demoRestaurantID,
		ProcessorName:   "mock",
		ProcessorConfig: datatypes.JSON(`{"latency_ms": 40}`),
		APIKeyHash:      pcdomain.HashAPIKey(demoAPIKey),
	})
}

// Module seeds development data after migrations have run.
var Module = fx.Module("seed",
	fx.Invoke(func(cfg config.Config, conn *gorm.DB, repo pcdomain.Repository, log *zap.Logger) error {
		if cfg.IsProduction() {
			return nil
		}
		if err := EnsureDemoRestaurant(conn, repo); err != nil {
			return err
		}
		log.Info("seeded demo restaurant",
			zap.String("restaurant_id", demoRestaurantID.String()),
		)
		return nil
	}),
)
