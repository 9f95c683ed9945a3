package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
)

// Snapshot is the JSON form of a ledger: its accounts and transactions.
type Snapshot struct {
	Accounts     []models.Account           `json:"accounts"`
	Transactions []models.LedgerTransaction `json:"transactions"`
}

// Memory is a Gateway over an in-process snapshot. It records the queries it
// serves, which makes it the gateway of choice in tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	accounts []models.Account
	txs      []models.LedgerTransaction
	queries  []Query
	path     string
}

// NewMemory creates a gateway holding copies of accounts and txs.
// Transactions without an id get one.
func NewMemory(accounts []models.Account, txs []models.LedgerTransaction) *Memory {
	m := &Memory{
		accounts: append([]models.Account(nil), accounts...),
		txs:      make([]models.LedgerTransaction, 0, len(txs)),
	}
	for _, tx := range txs {
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		m.txs = append(m.txs, tx)
	}
	return m
}

// OpenSnapshot loads a JSON snapshot file. Close writes the snapshot back,
// so cleared flags and inserts persist between runs.
func OpenSnapshot(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFileCorrupted, path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "snapshot", "", err)
	}
	m := NewMemory(snap.Accounts, snap.Transactions)
	m.path = path
	return m, nil
}

// Accounts implements Gateway
func (m *Memory) Accounts(ctx context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Account(nil), m.accounts...), nil
}

// ResolveAccountByName implements Gateway
func (m *Memory) ResolveAccountByName(ctx context.Context, name string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ResolveAccount(m.accounts, name)
}

// Query implements Gateway
func (m *Memory) Query(ctx context.Context, q Query) ([]models.LedgerTransaction, error) {
	if err := q.Validate(); err != nil {
		return nil, errors.LedgerError(errors.CodeLedgerRejected, "query", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries = append(m.queries, q)
	var out []models.LedgerTransaction
	for _, tx := range m.txs {
		if q.Matches(tx) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

// SetCleared implements Gateway
func (m *Memory) SetCleared(ctx context.Context, id string, cleared bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.txs {
		if m.txs[i].ID == id {
			m.txs[i].Cleared = cleared
			return nil
		}
	}
	return errors.LedgerError(errors.CodeLedgerRejected, "set_cleared", fmt.Errorf("transaction %s not found", id))
}

// Insert implements Gateway
func (m *Memory) Insert(ctx context.Context, tx models.LedgerTransaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", errors.LedgerError(errors.CodeLedgerRejected, "insert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasAccount(tx.AccountID) {
		return "", errors.LedgerError(errors.CodeLedgerRejected, "insert", fmt.Errorf("account %s does not exist", tx.AccountID))
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	m.txs = append(m.txs, tx)
	return tx.ID, nil
}

func (m *Memory) hasAccount(id string) bool {
	for _, a := range m.accounts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Close writes the snapshot back when the gateway was opened from a file.
func (m *Memory) Close() error {
	if m.path == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(Snapshot{Accounts: m.accounts, Transactions: m.txs}, "", "  ")
	if err != nil {
		return errors.LedgerError(errors.CodeLedgerTransport, "close", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return errors.FileError(errors.CodeFilePermission, m.path, err)
	}
	return nil
}

// Queries returns the queries served so far.
func (m *Memory) Queries() []Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Query(nil), m.queries...)
}

// Transactions returns a copy of every transaction in insertion order.
func (m *Memory) Transactions() []models.LedgerTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LedgerTransaction(nil), m.txs...)
}

// Transaction returns one transaction by id.
func (m *Memory) Transaction(id string) (models.LedgerTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ID == id {
			return tx, true
		}
	}
	return models.LedgerTransaction{}, false
}
