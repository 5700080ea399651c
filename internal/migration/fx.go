package migration

import (
	authdomain "github.com/smallbiznis/payauth/internal/authrequest/domain"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/lock"
	outboxdomain "github.com/smallbiznis/payauth/internal/outbox/domain"
	pcdomain "github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	tsdomain "github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, tokenDB db.TokenDB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The sqlite rig used for local runs and tests has no migration
			// history; schema comes straight from the models.
			if err := AutoMigratePayments(conn); err != nil {
				return err
			}
			return AutoMigrateTokens(tokenDB.DB)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunPayments(sqlDB); err != nil {
			return err
		}

		tokenSQL, err := tokenDB.DB.DB()
		if err != nil {
			return err
		}
		return RunTokens(tokenSQL)
	}),
)

// AutoMigratePayments builds the payments schema from the gorm models.
func AutoMigratePayments(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&eventlog.Event{},
		&authdomain.AuthRequestState{},
		&authdomain.IdempotencyKey{},
		&outboxdomain.Message{},
		&lock.ProcessingLock{},
		&pcdomain.RestaurantPaymentConfig{},
	)
}

// AutoMigrateTokens builds the token-store schema from the gorm models.
func AutoMigrateTokens(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&tsdomain.PaymentToken{},
		&tsdomain.TokenIdempotencyKey{},
		&tsdomain.DecryptAudit{},
		&tsdomain.EncryptionKey{},
	)
}
