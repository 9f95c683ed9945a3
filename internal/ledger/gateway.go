// Package ledger defines the system-of-record contract the reconciler works
// against, with an in-memory implementation. Database-backed gateways live in
// the sqlite and postgres subpackages.
//
// Gateways never retry: a failed call surfaces as a ledger error and the
// caller decides what to do with the batch.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
)

// Query selects ledger transactions in [From, To]. An empty AccountID
// selects every account.
type Query struct {
	AccountID string
	From      civil.Date
	To        civil.Date
}

// Validate checks the query window
func (q Query) Validate() error {
	if !q.From.IsValid() || !q.To.IsValid() {
		return fmt.Errorf("query window is invalid: %s..%s", q.From, q.To)
	}
	if q.To.Before(q.From) {
		return fmt.Errorf("query window ends before it starts: %s..%s", q.From, q.To)
	}
	return nil
}

// Matches reports whether tx falls inside the query.
func (q Query) Matches(tx models.LedgerTransaction) bool {
	if q.AccountID != "" && tx.AccountID != q.AccountID {
		return false
	}
	return !tx.Date.Before(q.From) && !tx.Date.After(q.To)
}

// String returns a string representation of the query
func (q Query) String() string {
	account := q.AccountID
	if account == "" {
		account = "*"
	}
	return fmt.Sprintf("%s [%s, %s]", account, q.From, q.To)
}

// Gateway is a session with the system of record. A session is not safe for
// concurrent use; one reconciliation run owns it from open to Close.
type Gateway interface {
	// Accounts lists every ledger account.
	Accounts(ctx context.Context) ([]models.Account, error)
	// ResolveAccountByName finds an account by its exact name. A missing
	// account yields an error with code CodeAccountNotResolved.
	ResolveAccountByName(ctx context.Context, name string) (models.Account, error)
	// Query returns the transactions in the window ordered by date, then by
	// insertion order. The order is stable across calls.
	Query(ctx context.Context, q Query) ([]models.LedgerTransaction, error)
	// SetCleared sets the cleared flag of one transaction.
	SetCleared(ctx context.Context, id string, cleared bool) error
	// Insert adds a transaction and returns its id.
	Insert(ctx context.Context, tx models.LedgerTransaction) (string, error)
	Close() error
}

// ResolveAccount picks the account named name, preferring open accounts over
// closed ones with the same name.
func ResolveAccount(accounts []models.Account, name string) (models.Account, error) {
	name = strings.TrimSpace(name)
	var closed *models.Account
	for i := range accounts {
		if accounts[i].Name != name {
			continue
		}
		if !accounts[i].Closed {
			return accounts[i], nil
		}
		if closed == nil {
			closed = &accounts[i]
		}
	}
	if closed != nil {
		return *closed, nil
	}
	return models.Account{}, errors.AccountError(name, nil)
}

// ResolveAccounts resolves every name, in sorted order, and fails on the
// first name without an account.
func ResolveAccounts(ctx context.Context, g Gateway, names []string) (map[string]models.Account, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	out := make(map[string]models.Account, len(sorted))
	for _, name := range sorted {
		if _, ok := out[name]; ok {
			continue
		}
		acct, err := g.ResolveAccountByName(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = acct
	}
	return out, nil
}
