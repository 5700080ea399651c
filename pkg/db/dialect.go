package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/payauth/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		return sqlite.Open("payauth.db"), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// TokenDialect opens the token store database. It is kept separate from the
// payments database to limit PCI scope.
func TokenDialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.TokenDBHost,
			cfg.TokenDBUser,
			cfg.TokenDBPass,
			cfg.TokenDBName,
			cfg.TokenDBPort,
			cfg.TokenDBSSL,
		)), nil
	case "sqlite":
		return sqlite.Open("payauth_tokens.db"), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// SupportsSkipLocked reports whether the connected dialect understands
// FOR UPDATE SKIP LOCKED. The sqlite test rig does not.
func SupportsSkipLocked(conn *gorm.DB) bool {
	if conn == nil {
		return false
	}
	return conn.Dialector.Name() == "postgres"
}
