package database

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🔌 数据库连接
// =============================================================================

// OpenConfig 数据库连接配置
type OpenConfig struct {
	// 方言: mysql / postgres / sqlite
	Dialect string `yaml:"dialect" json:"dialect"`

	// 数据源
	DSN string `yaml:"dsn" json:"dsn"`

	// 慢查询阈值
	SlowThreshold time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
}

// Open 按方言打开数据库连接，SQL 日志走 zap
func Open(config OpenConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch config.Dialect {
	case "mysql":
		dialector = mysql.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database dialect: %q", config.Dialect)
	}

	slow := config.SlowThreshold
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: &zapGormLogger{logger: logger.With(zap.String("component", "gorm")), slowThreshold: slow},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Dialect, err)
	}

	return db, nil
}

// =============================================================================
// 📝 GORM 日志适配
// =============================================================================

// zapGormLogger 将 GORM 日志桥接到 zap
type zapGormLogger struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

func (l *zapGormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *zapGormLogger) Info(_ context.Context, msg string, args ...any) {
	l.logger.Sugar().Infof(msg, args...)
}

func (l *zapGormLogger) Warn(_ context.Context, msg string, args ...any) {
	l.logger.Sugar().Warnf(msg, args...)
}

func (l *zapGormLogger) Error(_ context.Context, msg string, args ...any) {
	l.logger.Sugar().Errorf(msg, args...)
}

func (l *zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && err != gorm.ErrRecordNotFound:
		l.logger.Error("sql error",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	case elapsed > l.slowThreshold:
		l.logger.Warn("slow sql",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	default:
		l.logger.Debug("sql",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	}
}
