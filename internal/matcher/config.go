// Package matcher provides the reconciliation matcher: it compares canonical
// external records against the ledger and marks matched ledger transactions
// cleared.
//
// Matching is exact on the match key (date, account, signed amount). Keys are
// not unique, so ties are resolved by a per-run offset per key:
//  1. The ledger is queried once for the batch's [min, max] date window.
//  2. Records are processed in input order, never reordered.
//  3. Each record claims the candidate at its key's current offset and the
//     offset moves on whether or not a candidate was left.
//  4. A claimed candidate that is not cleared yet is set cleared.
//
// Example usage:
//
//	m := matcher.New(gateway, matcher.DefaultConfig(), log)
//	result, err := m.Match(ctx, matcher.Batch{
//		Name:         "cmb/1234",
//		AccountID:    account.ID,
//		Transactions: txs,
//		Exclude:      models.SummaryContains("分期"),
//	})
package matcher

import "fmt"

// Config holds the matcher options.
type Config struct {
	// ExcludeCleared drops ledger transactions that are already cleared from
	// candidacy. Off by default: cleared transactions stay candidates and a
	// rerun reselects them in the same order.
	ExcludeCleared bool `json:"exclude_cleared" mapstructure:"exclude-cleared"`

	// DryRun classifies records without flipping any cleared flag.
	DryRun bool `json:"dry_run" mapstructure:"dry-run"`
}

// DefaultConfig returns the literal matching behavior.
func DefaultConfig() *Config {
	return &Config{}
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// String returns a short description used in logs and test names
func (c *Config) String() string {
	return fmt.Sprintf("exclude_cleared=%t dry_run=%t", c.ExcludeCleared, c.DryRun)
}
