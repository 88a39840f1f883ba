// Package postgres implements the collector's persistence layer on pgx.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	minPoolConns = 2
	maxPoolConns = 10

	// AppNamePrefix tags every collector session so the watchdog can tell
	// its own backends apart from foreign ones.
	AppNamePrefix = "depthcast"
)

// session-level guards against a single statement wedging the pool
var sessionParams = map[string]string{
	"statement_timeout":                   "15s",
	"lock_timeout":                        "5s",
	"idle_in_transaction_session_timeout": "10s",
}

// NewPool opens a pgx pool against dsn with the collector's connection policy
// applied. sslMode/sslRootCert fill in TLS parameters the DSN does not already
// carry. It returns the pool and the per-process application_name under which
// every session registers.
func NewPool(ctx context.Context, dsn, sslMode, sslRootCert string) (*pgxpool.Pool, string, error) {
	resolved, err := dsnWithTLS(dsn, sslMode, sslRootCert)
	if err != nil {
		return nil, "", err
	}

	cfg, err := pgxpool.ParseConfig(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.MinConns = minPoolConns
	cfg.MaxConns = maxPoolConns

	appName := fmt.Sprintf("%s-%s", AppNamePrefix, uuid.NewString())
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	for param, value := range sessionParams {
		cfg.ConnConfig.RuntimeParams[param] = value
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	return pool, appName, nil
}

// dsnWithTLS injects sslmode/sslrootcert query parameters into a URL-form DSN
// when the DSN itself does not set them. Keyword/value DSNs pass through
// untouched; their TLS settings must live in the DSN.
func dsnWithTLS(dsn, sslMode, sslRootCert string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", fmt.Errorf("database dsn required")
	}
	if !strings.HasPrefix(trimmed, "postgres://") && !strings.HasPrefix(trimmed, "postgresql://") {
		return trimmed, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse database dsn: %w", err)
	}
	q := u.Query()
	if sslMode != "" && q.Get("sslmode") == "" {
		q.Set("sslmode", sslMode)
	}
	if sslRootCert != "" && q.Get("sslrootcert") == "" {
		q.Set("sslrootcert", sslRootCert)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
