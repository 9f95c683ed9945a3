// Package sqlite provides a ledger gateway stored in a local SQLite file.
package sqlite

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Account is the accounts table.
type Account struct {
	ID     string `gorm:"primaryKey"`
	Name   string `gorm:"index;not null"`
	Closed bool
}

// Transaction is the transactions table. Dates are stored as YYYY-MM-DD
// text, which sorts and compares correctly.
type Transaction struct {
	ID            string `gorm:"primaryKey"`
	AccountID     string `gorm:"index:idx_account_date;not null"`
	Date          string `gorm:"index:idx_account_date;not null"`
	Amount        int64  `gorm:"not null"`
	Cleared       bool
	Payee         string
	ImportedPayee string
	Category      string
	Notes         string
	ImportedID    string `gorm:"index"`
}

func (t Transaction) model() (models.LedgerTransaction, error) {
	date, err := civil.ParseDate(t.Date)
	if err != nil {
		return models.LedgerTransaction{}, fmt.Errorf("transaction %s has invalid date %q: %w", t.ID, t.Date, err)
	}
	return models.LedgerTransaction{
		ID:            t.ID,
		AccountID:     t.AccountID,
		Date:          date,
		Amount:        models.Amount(t.Amount),
		Cleared:       t.Cleared,
		Payee:         t.Payee,
		ImportedPayee: t.ImportedPayee,
		Category:      t.Category,
		Notes:         t.Notes,
		ImportedID:    t.ImportedID,
	}, nil
}

func row(tx models.LedgerTransaction) Transaction {
	return Transaction{
		ID:            tx.ID,
		AccountID:     tx.AccountID,
		Date:          tx.Date.String(),
		Amount:        int64(tx.Amount),
		Cleared:       tx.Cleared,
		Payee:         tx.Payee,
		ImportedPayee: tx.ImportedPayee,
		Category:      tx.Category,
		Notes:         tx.Notes,
		ImportedID:    tx.ImportedID,
	}
}

// Gateway is a ledger.Gateway over a gorm SQLite connection.
type Gateway struct {
	db     *gorm.DB
	logger logger.Logger
}

var _ ledger.Gateway = (*Gateway)(nil)

// Open opens (creating if needed) the SQLite database at path and migrates
// its schema. Use ":memory:" for a throwaway database.
func Open(path string, log logger.Logger) (*Gateway, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "open", err).WithContext("dsn", path)
	}
	if err := db.AutoMigrate(&Account{}, &Transaction{}); err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "migrate", err)
	}

	log = log.WithComponent("ledger_sqlite")
	log.WithField("path", path).Debug("Opened SQLite ledger")
	return &Gateway{db: db, logger: log}, nil
}

// CreateAccount adds an account and returns its id.
func (g *Gateway) CreateAccount(ctx context.Context, name string, closed bool) (string, error) {
	acct := Account{ID: uuid.NewString(), Name: name, Closed: closed}
	if err := g.db.WithContext(ctx).Create(&acct).Error; err != nil {
		return "", errors.LedgerError(errors.CodeLedgerTransport, "create_account", err)
	}
	return acct.ID, nil
}

// Accounts implements ledger.Gateway
func (g *Gateway) Accounts(ctx context.Context) ([]models.Account, error) {
	var rows []Account
	if err := g.db.WithContext(ctx).Order("rowid").Find(&rows).Error; err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "accounts", err)
	}
	out := make([]models.Account, len(rows))
	for i, r := range rows {
		out[i] = models.Account{ID: r.ID, Name: r.Name, Closed: r.Closed}
	}
	return out, nil
}

// ResolveAccountByName implements ledger.Gateway
func (g *Gateway) ResolveAccountByName(ctx context.Context, name string) (models.Account, error) {
	var rows []Account
	if err := g.db.WithContext(ctx).Where("name = ?", name).Order("rowid").Find(&rows).Error; err != nil {
		return models.Account{}, errors.LedgerError(errors.CodeLedgerTransport, "resolve_account", err)
	}
	accounts := make([]models.Account, len(rows))
	for i, r := range rows {
		accounts[i] = models.Account{ID: r.ID, Name: r.Name, Closed: r.Closed}
	}
	return ledger.ResolveAccount(accounts, name)
}

// Query implements ledger.Gateway
func (g *Gateway) Query(ctx context.Context, q ledger.Query) ([]models.LedgerTransaction, error) {
	if err := q.Validate(); err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerRejected, "query", err)
	}

	stmt := g.db.WithContext(ctx).Where("date BETWEEN ? AND ?", q.From.String(), q.To.String())
	if q.AccountID != "" {
		stmt = stmt.Where("account_id = ?", q.AccountID)
	}
	var rows []Transaction
	if err := stmt.Order("date, rowid").Find(&rows).Error; err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerTransport, "query", err)
	}

	out := make([]models.LedgerTransaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.model()
		if err != nil {
			return nil, errors.LedgerError(errors.CodeLedgerRejected, "query", err)
		}
		out = append(out, tx)
	}
	g.logger.WithFields(logger.Fields{"query": q.String(), "rows": len(out)}).Debug("Queried ledger")
	return out, nil
}

// SetCleared implements ledger.Gateway
func (g *Gateway) SetCleared(ctx context.Context, id string, cleared bool) error {
	res := g.db.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Update("cleared", cleared)
	if res.Error != nil {
		return errors.LedgerError(errors.CodeLedgerTransport, "set_cleared", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.LedgerError(errors.CodeLedgerRejected, "set_cleared", fmt.Errorf("transaction %s not found", id))
	}
	return nil
}

// Insert implements ledger.Gateway
func (g *Gateway) Insert(ctx context.Context, tx models.LedgerTransaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", errors.LedgerError(errors.CodeLedgerRejected, "insert", err)
	}

	var n int64
	if err := g.db.WithContext(ctx).Model(&Account{}).Where("id = ?", tx.AccountID).Count(&n).Error; err != nil {
		return "", errors.LedgerError(errors.CodeLedgerTransport, "insert", err)
	}
	if n == 0 {
		return "", errors.LedgerError(errors.CodeLedgerRejected, "insert", fmt.Errorf("account %s does not exist", tx.AccountID))
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	r := row(tx)
	if err := g.db.WithContext(ctx).Create(&r).Error; err != nil {
		return "", errors.LedgerError(errors.CodeLedgerTransport, "insert", err)
	}
	return tx.ID, nil
}

// Close implements ledger.Gateway
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return errors.LedgerError(errors.CodeLedgerTransport, "close", err)
	}
	return sqlDB.Close()
}
