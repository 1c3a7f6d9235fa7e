package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
)

// Open opens and pings the database described by cfg. The ping is retried
// with exponential backoff until cfg.ConnectionTimeout elapses.
func Open(ctx context.Context, cfg config.DatabaseConfig, opt ...Option) (*DB, error) {
	opts := getOpts(opt...)
	driver, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if cfg.Type == "sqlite" && isMemory(cfg.Path) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectionTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	ping := func() error {
		return db.PingContext(ctx)
	}
	notify := func(err error, next time.Duration) {
		opts.withLogger.Warn("database ping failed, retrying", "type", cfg.Type, "error", err, "backoff", next)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	opts.withLogger.Debug("database opened", "type", cfg.Type)
	return New(db, cfg.Type, opt...), nil
}

// DSN returns the driver name and data source name for cfg.
func DSN(cfg config.DatabaseConfig) (string, string, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return "", "", fmt.Errorf("sqlite path is required")
		}
		dsn := cfg.Path
		if len(cfg.Params) > 0 {
			params := make([]string, 0, len(cfg.Params))
			for k, v := range cfg.Params {
				params = append(params, k+"="+v)
			}
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + strings.Join(params, "&")
		}
		return "sqlite", dsn, nil
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Timeout = cfg.ConnectionTimeout
		mc.Params = cfg.Params
		return "mysql", mc.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
