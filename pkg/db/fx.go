package db

import (
	"time"

	"github.com/smallbiznis/payauth/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TokenDB wraps the token store database handle so fx can distinguish it
// from the payments handle.
type TokenDB struct {
	*gorm.DB
}

var Module = fx.Module("db",
	fx.Provide(Open),
	fx.Provide(OpenToken),
)

func Open(cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dialect, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := gorm.Open(dialect, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := configurePool(conn, cfg); err != nil {
		return nil, err
	}
	log.Info("payments database connected", zap.String("type", cfg.DBType), zap.String("name", cfg.DBName))
	return conn, nil
}

func OpenToken(cfg config.Config, log *zap.Logger) (TokenDB, error) {
	dialect, err := TokenDialect(cfg)
	if err != nil {
		return TokenDB{}, err
	}
	conn, err := gorm.Open(dialect, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return TokenDB{}, err
	}
	if err := configurePool(conn, cfg); err != nil {
		return TokenDB{}, err
	}
	log.Info("token database connected", zap.String("type", cfg.DBType), zap.String("name", cfg.TokenDBName))
	return TokenDB{DB: conn}, nil
}

func configurePool(conn *gorm.DB, cfg config.Config) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return nil
}
