package models

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// Account is a ledger account.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
}

// LedgerTransaction is a transaction held by the system of record.
// The matcher only ever changes Cleared, and only from false to true.
type LedgerTransaction struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account"`
	Date          civil.Date `json:"date"`
	Amount        Amount     `json:"amount"`
	Cleared       bool       `json:"cleared"`
	Payee         string     `json:"payee,omitempty"`
	ImportedPayee string     `json:"imported_payee,omitempty"`
	Category      string     `json:"category,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ImportedID    string     `json:"imported_id,omitempty"`
}

// Key returns the transaction's match key.
func (t LedgerTransaction) Key() MatchKey {
	return MatchKey{Date: t.Date, Account: t.AccountID, Amount: t.Amount}
}

// String returns a string representation of the transaction
func (t LedgerTransaction) String() string {
	return fmt.Sprintf("LedgerTransaction{ID: %s, Account: %s, Date: %s, Amount: %s, Cleared: %t}",
		t.ID, t.AccountID, t.Date, t.Amount, t.Cleared)
}

// Validate checks the fields required for inserting the transaction
func (t LedgerTransaction) Validate() error {
	if t.AccountID == "" {
		return fmt.Errorf("ledger transaction account cannot be empty")
	}
	if !t.Date.IsValid() {
		return fmt.Errorf("ledger transaction date is invalid: %v", t.Date)
	}
	return nil
}

// MatchKey groups candidate matches. It is comparable and used directly as a map key;
// several ledger transactions may share one key.
type MatchKey struct {
	Date    civil.Date
	Account string
	Amount  Amount
}

// String returns a string representation of the key
func (k MatchKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Date, k.Account, k.Amount)
}

// KeyFor builds the match key of an external record against a resolved ledger account id.
func KeyFor(t CanonicalTransaction, accountID string) MatchKey {
	return MatchKey{Date: t.Date, Account: accountID, Amount: t.Amount}
}
