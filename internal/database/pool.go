package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("pool is closed")

// Dialector 按驱动名选择 GORM 方言，sqlite 的 dsn 为文件路径
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q (want postgres, mysql or sqlite)", driver)
}

// Open 连接节点目录数据库
func Open(driver, dsn string, cfg PoolConfig, log *zap.Logger) (*PoolManager, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	pm, err := NewPoolManager(db, cfg, log)
	if err != nil {
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return pm, nil
}

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 0 关闭后台探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池参数
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate 拒绝不一致的连接池参数
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}
	if c.MaxIdleConns <= 0 {
		errs = append(errs, errors.New("max_idle_conns must be positive"))
	} else if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("max_idle_conns %d exceeds max_open_conns %d", c.MaxIdleConns, c.MaxOpenConns))
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 || c.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("pool durations must not be negative"))
	}
	return errors.Join(errs...)
}

// PoolManager 持有目录数据库的连接池，负责重试写事务与后台探活
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	cfg    PoolConfig
	logger *zap.Logger

	closed    atomic.Bool
	healthy   atomic.Bool
	stopWatch context.CancelFunc
	watchDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPoolManager 应用连接池参数，HealthCheckInterval > 0 时启动探活
func NewPoolManager(db *gorm.DB, cfg PoolConfig, log *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())
	pm := &PoolManager{
		db:        db,
		sqlDB:     sqlDB,
		cfg:       cfg,
		logger:    log.With(zap.String("component", "db_pool"), zap.String("dialect", db.Dialector.Name())),
		stopWatch: cancel,
		watchDone: make(chan struct{}),
	}
	pm.healthy.Store(true)

	if cfg.HealthCheckInterval > 0 {
		go pm.watch(ctx)
	} else {
		close(pm.watchDone)
	}
	pm.logger.Info("database pool ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))
	return pm, nil
}

// DB 返回 GORM 句柄，只读查询直接使用
func (pm *PoolManager) DB() *gorm.DB { return pm.db }

// Ping 探测数据库是否可达
func (pm *PoolManager) Ping(ctx context.Context) error {
	if pm.closed.Load() {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Close 停止探活并关闭连接，重复调用返回首次结果
func (pm *PoolManager) Close() error {
	pm.closeOnce.Do(func() {
		pm.closed.Store(true)
		pm.stopWatch()
		<-pm.watchDone
		pm.logger.Info("closing database pool")
		pm.closeErr = pm.sqlDB.Close()
	})
	return pm.closeErr
}

// watch 只在健康状态变化时记录告警与恢复
func (pm *PoolManager) watch(ctx context.Context) {
	defer close(pm.watchDone)
	ticker := time.NewTicker(pm.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pm.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch was := pm.healthy.Swap(err == nil); {
		case err != nil && was:
			pm.logger.Warn("database unreachable", zap.Error(err))
		case err == nil && !was:
			pm.logger.Info("database reachable again")
		case err == nil:
			s := pm.Stats()
			pm.logger.Debug("database pool",
				zap.Int("open", s.OpenConnections),
				zap.Int("in_use", s.InUse),
				zap.Int64("wait_count", s.WaitCount))
		}
	}
}

// PoolStats 连接池统计，供指标上报
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// Stats 返回当前连接池统计
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}

// Transact 在事务中执行 fn，遇到死锁、序列化失败、锁超时或断连时
// 以指数退避重新执行整个事务，最多 attempts 次
func (pm *PoolManager) Transact(ctx context.Context, attempts int, fn func(tx *gorm.DB) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	try := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		try++
		if pm.closed.Load() {
			return struct{}{}, backoff.Permanent(ErrPoolClosed)
		}
		err := pm.db.WithContext(ctx).Transaction(fn)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			pm.logger.Warn("transaction conflict, retrying",
				zap.Int("attempt", try),
				zap.Duration("wait", wait),
				zap.Error(err))
		}))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && try > 1 {
		return fmt.Errorf("transaction failed after %d attempts: %w", try, err)
	}
	return err
}

var transientMarkers = []string{
	"deadlock",
	"serialization failure",
	"could not serialize",
	"40001",
	"40p01",
	"lock wait timeout",
	"lock timeout",
	"database is locked",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

// retryable 判断事务失败是否值得整体重试
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
