package matcher

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Batch is one account context to reconcile.
type Batch struct {
	// Name labels the batch in logs and reports, e.g. "alipay" or "cmb/1234".
	Name string

	// Transactions are the external records, sorted ascending by date.
	Transactions []models.CanonicalTransaction

	// AccountID restricts the ledger query to one account and keys every
	// record against it. When empty, each record is keyed against
	// AccountIDs[record.Account] and the query spans all accounts.
	AccountID  string
	AccountIDs map[string]string

	// Exclude routes records to the policy-excluded set. Nil excludes nothing.
	Exclude models.ExcludePolicy
}

// Match pairs an external record with the ledger transaction it claimed.
type Match struct {
	External models.CanonicalTransaction
	Ledger   models.LedgerTransaction
	// Flipped is true when this match set the cleared flag.
	Flipped bool
}

// Result is the outcome of one batch.
type Result struct {
	Batch     string
	AccountID string
	From      civil.Date
	To        civil.Date

	Matched   []Match
	Unmatched []models.CanonicalTransaction
	Excluded  []models.CanonicalTransaction

	// Offsets holds the final next-candidate offset per looked-up key.
	Offsets map[models.MatchKey]int
	Ties    []Tie

	// Queried is false when the batch was empty and the ledger was never asked.
	Queried bool
	// Candidates is the number of ledger transactions returned for the window.
	Candidates int
	DryRun     bool
}

// FullyReconciled reports whether every non-excluded record found its ledger
// counterpart. Policy-excluded records never count against it.
func (r *Result) FullyReconciled() bool {
	return len(r.Unmatched) == 0
}

// Total returns the number of records classified.
func (r *Result) Total() int {
	return len(r.Matched) + len(r.Unmatched) + len(r.Excluded)
}

// Flipped returns the number of cleared flags set by this batch.
func (r *Result) Flipped() int {
	n := 0
	for _, m := range r.Matched {
		if m.Flipped {
			n++
		}
	}
	return n
}

// String returns a one-line summary
func (r *Result) String() string {
	return fmt.Sprintf("%s: %d matched, %d unmatched, %d excluded", r.Batch, len(r.Matched), len(r.Unmatched), len(r.Excluded))
}

// Matcher matches batches against a ledger session. A Matcher is not safe
// for concurrent use; batches sharing a session run one after another.
type Matcher struct {
	gateway ledger.Gateway
	config  *Config
	logger  logger.Logger
}

// New creates a matcher over a ledger session
func New(gateway ledger.Gateway, config *Config, log logger.Logger) *Matcher {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Matcher{
		gateway: gateway,
		config:  config,
		logger:  log.WithComponent("matcher"),
	}
}

// Config returns the matcher configuration.
func (m *Matcher) Config() *Config {
	return m.config
}

// Match reconciles one batch. Unmatched records and exhausted ties are
// results, not errors. Errors are an unknown account, which fails the batch
// before the ledger is touched, or a ledger failure, which is returned as is.
func (m *Matcher) Match(ctx context.Context, batch Batch) (*Result, error) {
	result := &Result{
		Batch:     batch.Name,
		AccountID: batch.AccountID,
		Offsets:   map[models.MatchKey]int{},
		DryRun:    m.config.DryRun,
	}

	from, to, ok := models.DateWindow(batch.Transactions)
	if !ok {
		m.logger.WithField("batch", batch.Name).Debug("Nothing to reconcile")
		return result, nil
	}
	result.From, result.To = from, to

	exclude := batch.Exclude
	if exclude == nil {
		exclude = models.ExcludeNone
	}

	// Keys are computed up front so an unknown account fails the batch
	// before any cleared flag is touched.
	excluded := make([]bool, len(batch.Transactions))
	keys := make([]models.MatchKey, len(batch.Transactions))
	for i, tx := range batch.Transactions {
		if exclude(tx) {
			excluded[i] = true
			continue
		}
		accountID, err := batch.accountFor(tx)
		if err != nil {
			return nil, err
		}
		keys[i] = models.KeyFor(tx, accountID)
	}

	log := m.logger.WithFields(logger.Fields{
		"batch":   batch.Name,
		"account": batch.AccountID,
		"from":    from.String(),
		"to":      to.String(),
		"records": len(batch.Transactions),
	})

	candidates, err := m.gateway.Query(ctx, ledger.Query{AccountID: batch.AccountID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	result.Queried = true
	result.Candidates = len(candidates)

	index := NewTieIndex(candidates, m.config.ExcludeCleared)
	for i, tx := range batch.Transactions {
		if excluded[i] {
			result.Excluded = append(result.Excluded, tx)
			continue
		}

		candidate, found := index.Next(keys[i])
		if !found {
			result.Unmatched = append(result.Unmatched, tx)
			continue
		}

		match := Match{External: tx}
		if !candidate.Cleared {
			if !m.config.DryRun {
				if err := m.gateway.SetCleared(ctx, candidate.ID, true); err != nil {
					return nil, err
				}
			}
			candidate.Cleared = true
			match.Flipped = true
		}
		match.Ledger = *candidate
		result.Matched = append(result.Matched, match)
	}

	result.Offsets = index.Offsets()
	result.Ties = index.Ties()

	log.WithFields(logger.Fields{
		"candidates": result.Candidates,
		"matched":    len(result.Matched),
		"unmatched":  len(result.Unmatched),
		"excluded":   len(result.Excluded),
		"flipped":    result.Flipped(),
		"dry_run":    m.config.DryRun,
	}).Info("Batch reconciled")

	return result, nil
}

func (b Batch) accountFor(tx models.CanonicalTransaction) (string, error) {
	if b.AccountID != "" {
		return b.AccountID, nil
	}
	id, ok := b.AccountIDs[tx.Account]
	if !ok || id == "" {
		return "", errors.AccountError(tx.Account, nil).WithContext("batch", b.Name)
	}
	return id, nil
}
