package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqliteScheme = "sqlite://"

// Open opens a Gorm connection with retry and sane pooling defaults.
// postgres:// URLs use the pgx-backed postgres driver; sqlite:// URLs open a
// local single-node database, which is only meant for development.
func Open(ctx context.Context, dsn, appEnv string) (*gorm.DB, error) {
	logLevel := gormlogger.Silent
	if appEnv == "development" || appEnv == "test" {
		logLevel = gormlogger.Warn
	}

	var dialector gorm.Dialector
	isSQLite := strings.HasPrefix(dsn, sqliteScheme)
	if isSQLite {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqliteScheme) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	} else {
		dialector = postgres.Open(dsn)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	db, err := backoff.RetryWithData(func() (*gorm.DB, error) {
		return gorm.Open(dialector, &gorm.Config{
			Logger: gormLogger{zap: logger.L(), level: logLevel},
		})
	}, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx))
	if err != nil {
		return nil, fmt.Errorf("open database failed after retries: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db db() error: %w", err)
	}

	if isSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctxPing); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

// IsPostgres reports whether db talks to PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

type gormLogger struct {
	zap   *zap.Logger
	level gormlogger.LogLevel
}

func (l gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	l.level = level
	return l
}

func (l gormLogger) Info(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.zap.Sugar().Infof(s, args...)
	}
}

func (l gormLogger) Warn(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.zap.Sugar().Warnf(s, args...)
	}
}

func (l gormLogger) Error(ctx context.Context, s string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.zap.Sugar().Errorf(s, args...)
	}
}

func (l gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == gormlogger.Silent {
		return
	}
	sql, rows := fc()
	dur := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.zap.Error("gorm query error", zap.Duration("duration", dur), zap.Int64("rows", rows), zap.String("sql", sql), zap.Error(err))
		return
	}
	l.zap.Debug("gorm query", zap.Duration("duration", dur), zap.Int64("rows", rows), zap.String("sql", sql))
}
