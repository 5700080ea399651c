package tokenstore

import (
	"context"

	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/tokenstore/authz"
	"github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/internal/tokenstore/keyring"
	"github.com/smallbiznis/payauth/internal/tokenstore/repository"
	"github.com/smallbiznis/payauth/internal/tokenstore/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Decryptor is what the worker needs from the token store: clear card data
// for an authorized caller. Satisfied in-process by the service and over
// HTTP by the client.
type Decryptor interface {
	Decrypt(ctx context.Context, req service.DecryptRequest) (*domain.CardData, error)
}

var Module = fx.Module("tokenstore",
	fx.Provide(repository.Provide),
	fx.Provide(keyring.New),
	fx.Provide(authz.NewEnforcer),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) Decryptor { return s }),
	fx.Invoke(registerKeyVersions),
)

// registerKeyVersions records the fingerprint of every configured key
// version once the schema is in place. The table is bookkeeping for
// rotation audits; decrypt still resolves keys from the ring.
func registerKeyVersions(lc fx.Lifecycle, repo repository.Repository, ring *keyring.Keyring, clk clock.Clock, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			now := clk.Now()
			for version, hash := range ring.Fingerprints() {
				err := repo.RegisterKey(ctx, &domain.EncryptionKey{
					Version:   version,
					KeyHash:   hash,
					CreatedAt: now,
				})
				if err != nil {
					return err
				}
				log.Named("tokenstore").Debug("encryption key registered",
					zap.Int("key_version", version))
			}
			return nil
		},
	})
}
