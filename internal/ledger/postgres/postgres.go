// Package postgres provides a ledger gateway backed by PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

//go:embed 001_create_ledger.sql
var migrationSQL string

// Config holds the connection settings.
type Config struct {
	// DSN is a libpq connection string or postgres:// URL.
	DSN string
	// MaxPoolSize is the maximum number of connections in the pool.
	MaxPoolSize int
	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration
}

// Gateway is a ledger.Gateway over a pgx connection pool.
type Gateway struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

var _ ledger.Gateway = (*Gateway)(nil)

// Open connects, pings and runs the schema migration.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Gateway, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 4
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "ledger.dsn", "<redacted>", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxPoolSize)
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "ping", err)
	}

	if _, err := pool.Exec(ctx, migrationSQL); err != nil {
		pool.Close()
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "migrate", err)
	}

	log = log.WithComponent("ledger_postgres")
	log.WithField("host", poolConfig.ConnConfig.Host).Info("Connected to PostgreSQL ledger")
	return &Gateway{pool: pool, logger: log}, nil
}

// CreateAccount adds an account and returns its id.
func (g *Gateway) CreateAccount(ctx context.Context, name string, closed bool) (string, error) {
	id := uuid.NewString()
	_, err := g.pool.Exec(ctx, `INSERT INTO accounts (id, name, closed) VALUES ($1, $2, $3)`, id, name, closed)
	if err != nil {
		return "", errors.LedgerError(errors.CodeLedgerTransport, "create_account", err)
	}
	return id, nil
}

// Accounts implements ledger.Gateway
func (g *Gateway) Accounts(ctx context.Context) ([]models.Account, error) {
	return g.accounts(ctx, `SELECT id, name, closed FROM accounts ORDER BY created_at, id`)
}

// ResolveAccountByName implements ledger.Gateway
func (g *Gateway) ResolveAccountByName(ctx context.Context, name string) (models.Account, error) {
	accounts, err := g.accounts(ctx, `SELECT id, name, closed FROM accounts WHERE name = $1 ORDER BY created_at, id`, name)
	if err != nil {
		return models.Account{}, err
	}
	return ledger.ResolveAccount(accounts, name)
}

func (g *Gateway) accounts(ctx context.Context, sql string, args ...any) ([]models.Account, error) {
	rows, err := g.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "accounts", err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Account, error) {
		var a models.Account
		err := row.Scan(&a.ID, &a.Name, &a.Closed)
		return a, err
	})
	if err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "accounts", err)
	}
	return accounts, nil
}

// Query implements ledger.Gateway
func (g *Gateway) Query(ctx context.Context, q ledger.Query) ([]models.LedgerTransaction, error) {
	if err := q.Validate(); err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerRejected, "query", err)
	}

	rows, err := g.pool.Query(ctx, `
		SELECT id, account_id, date, amount, cleared, payee, imported_payee, category, notes, imported_id
		FROM transactions
		WHERE date BETWEEN $1 AND $2 AND ($3 = '' OR account_id = $3)
		ORDER BY date, seq`,
		q.From.In(time.UTC), q.To.In(time.UTC), q.AccountID)
	if err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "query", err)
	}

	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LedgerTransaction, error) {
		var tx models.LedgerTransaction
		var date time.Time
		var amount int64
		err := row.Scan(&tx.ID, &tx.AccountID, &date, &amount, &tx.Cleared,
			&tx.Payee, &tx.ImportedPayee, &tx.Category, &tx.Notes, &tx.ImportedID)
		tx.Date = civil.DateOf(date)
		tx.Amount = models.Amount(amount)
		return tx, err
	})
	if err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "query", err)
	}

	g.logger.WithFields(logger.Fields{"query": q.String(), "rows": len(txs)}).Debug("Queried ledger")
	return txs, nil
}

// SetCleared implements ledger.Gateway
func (g *Gateway) SetCleared(ctx context.Context, id string, cleared bool) error {
	tag, err := g.pool.Exec(ctx, `UPDATE transactions SET cleared = $2 WHERE id = $1`, id, cleared)
	if err != nil {
		return errors.LedgerError(errors.CodeLedgerTransport, "set_cleared", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.LedgerError(errors.CodeLedgerRejected, "set_cleared", fmt.Errorf("transaction %s not found", id))
	}
	return nil
}

// Insert implements ledger.Gateway
func (g *Gateway) Insert(ctx context.Context, tx models.LedgerTransaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", errors.LedgerError(errors.CodeLedgerRejected, "insert", err)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	tag, err := g.pool.Exec(ctx, `
		INSERT INTO transactions (id, account_id, date, amount, cleared, payee, imported_payee, category, notes, imported_id)
		SELECT $1, id, $3, $4, $5, $6, $7, $8, $9, $10 FROM accounts WHERE id = $2`,
		tx.ID, tx.AccountID, tx.Date.In(time.UTC), int64(tx.Amount), tx.Cleared,
		tx.Payee, tx.ImportedPayee, tx.Category, tx.Notes, tx.ImportedID)
	if err != nil {
		return "", errors.LedgerError(errors.CodeLedgerTransport, "insert", err)
	}
	if tag.RowsAffected() == 0 {
		return "", errors.LedgerError(errors.CodeLedgerRejected, "insert", fmt.Errorf("account %s does not exist", tx.AccountID))
	}
	return tx.ID, nil
}

// Close implements ledger.Gateway
func (g *Gateway) Close() error {
	g.pool.Close()
	return nil
}
