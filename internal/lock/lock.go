package lock

import (
	"context"
	"time"

	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	obsmetrics "github.com/smallbiznis/payauth/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProcessingLock is a row-per-key advisory lock with a TTL. A stale row is
// taken over in place rather than deleted first, so two waiters cannot both
// win the same expiry.
type ProcessingLock struct {
	LockKey    string    `json:"lock_key" gorm:"primaryKey;type:text"`
	Holder     string    `json:"holder" gorm:"type:text;not null"`
	AcquiredAt time.Time `json:"acquired_at" gorm:"not null"`
	ExpiresAt  time.Time `json:"expires_at" gorm:"not null;index"`
}

func (ProcessingLock) TableName() string { return "auth_processing_locks" }

type Manager struct {
	conn    *gorm.DB
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.Metrics

	ttl             time.Duration
	cleanupInterval time.Duration
}

type Params struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	Clock      clock.Clock
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewManager(p Params) *Manager {
	return &Manager{
		conn:            p.DB,
		clock:           p.Clock,
		log:             p.Log.Named("lock"),
		metrics:         p.ObsMetrics,
		ttl:             p.Config.LockTTL,
		cleanupInterval: p.Config.LockCleanupInterval,
	}
}

var Module = fx.Module("lock",
	fx.Provide(NewManager),
	fx.Invoke(RunCleanup),
)

// Acquire takes the lock for holder, either by inserting a fresh row or by
// taking over an expired one. Returns false when a live holder exists.
func (m *Manager) Acquire(ctx context.Context, key, holder string) (bool, error) {
	now := m.clock.Now().UTC()
	expires := now.Add(m.ttl)

	res := m.conn.WithContext(ctx).Exec(
		`INSERT INTO auth_processing_locks (lock_key, holder, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (lock_key) DO NOTHING`,
		key, holder, now, expires,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		m.count("acquired")
		return true, nil
	}

	// Row exists. Take it over only if the current hold expired; the WHERE
	// clause makes concurrent takeovers race on a single row update.
	res = m.conn.WithContext(ctx).Exec(
		`UPDATE auth_processing_locks
		 SET holder = ?, acquired_at = ?, expires_at = ?
		 WHERE lock_key = ? AND expires_at <= ?`,
		holder, now, expires, key, now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		m.count("takeover")
		m.log.Warn("took over expired lock",
			zap.String("lock_key", key),
			zap.String("holder", holder),
		)
		return true, nil
	}

	m.count("contended")
	return false, nil
}

// Renew extends the TTL. It fails silently for a holder that already lost
// the lock; callers that care inspect the return.
func (m *Manager) Renew(ctx context.Context, key, holder string) (bool, error) {
	now := m.clock.Now().UTC()
	res := m.conn.WithContext(ctx).Exec(
		`UPDATE auth_processing_locks
		 SET expires_at = ?
		 WHERE lock_key = ? AND holder = ? AND expires_at > ?`,
		now.Add(m.ttl), key, holder, now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release drops the lock only when holder still owns it. Releasing a lock
// someone else took over is a no-op, not an error.
func (m *Manager) Release(ctx context.Context, key, holder string) error {
	return m.conn.WithContext(ctx).Exec(
		`DELETE FROM auth_processing_locks
		 WHERE lock_key = ? AND holder = ?`,
		key, holder,
	).Error
}

// Holder returns the current live holder of a key, empty when unheld.
func (m *Manager) Holder(ctx context.Context, key string) (string, error) {
	var row ProcessingLock
	err := m.conn.WithContext(ctx).Raw(
		`SELECT lock_key, holder, acquired_at, expires_at
		 FROM auth_processing_locks
		 WHERE lock_key = ?`,
		key,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	if row.LockKey == "" || !row.ExpiresAt.After(m.clock.Now().UTC()) {
		return "", nil
	}
	return row.Holder, nil
}

// CleanupExpired removes rows past their TTL. Takeover does not depend on
// this; it only keeps the table small.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res := m.conn.WithContext(ctx).Exec(
		`DELETE FROM auth_processing_locks WHERE expires_at <= ?`,
		m.clock.Now().UTC(),
	)
	return res.RowsAffected, res.Error
}

func (m *Manager) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.CleanupExpired(ctx)
			if err != nil {
				m.log.Error("cleanup expired locks", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.log.Info("removed expired locks", zap.Int64("count", removed))
			}
		}
	}
}

func (m *Manager) count(result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.LockAcquisitions.WithLabelValues(result).Inc()
}

func RunCleanup(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go m.runCleanup(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
