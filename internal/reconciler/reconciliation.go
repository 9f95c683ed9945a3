// Package reconciler runs reconciliations end to end: it parses a source
// export, splits it into account batches, matches each batch against one
// ledger session and applies the append flows.
//
// Wallet exports (Alipay, WeChat Pay) form one batch whose records carry
// their own account names. Every name is resolved before any matching so a
// missing account fails the batch before a cleared flag is touched.
//
// Bank statements are grouped by card suffix. Each card is assigned a ledger
// account through CARD_ACCOUNT_MAP or an explicit card=account override and
// the cards are reconciled one after another in the same session. A card
// without an account fails its own batch and the run goes on.
//
// Example usage:
//
//	service, err := reconciler.NewService(gateway, opts, reconciler.DefaultConfig(), log)
//	result, err := service.Reconcile(ctx, reconciler.Request{
//		Source: models.SourceCMB,
//		Path:   "statement.eml",
//	})
package reconciler

import (
	"context"
	"fmt"
	"time"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/matcher"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/parsers"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Config holds configuration options for the reconciliation service
type Config struct {
	// Matching options, passed to the matcher
	Matching *matcher.Config

	// CardAccounts maps card suffixes to ledger account names. Entries
	// override CARD_ACCOUNT_MAP.
	CardAccounts map[string]string

	// AppendCashback inserts unmatched ABC reward credits into the ledger.
	AppendCashback bool
}

// DefaultConfig returns a default configuration for the reconciliation service
func DefaultConfig() *Config {
	return &Config{
		Matching:       matcher.DefaultConfig(),
		CardAccounts:   map[string]string{},
		AppendCashback: true,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Matching == nil {
		return fmt.Errorf("matching configuration is required")
	}
	for card, account := range c.CardAccounts {
		if card == "" {
			return fmt.Errorf("card account override for %q has an empty card", account)
		}
		if account == "" {
			return fmt.Errorf("card account override for card %s has an empty account name", card)
		}
	}
	return nil
}

// Request names one export to reconcile.
type Request struct {
	Source models.Source
	Path   string
}

// Validate validates the request
func (r Request) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	if r.Path == "" {
		return fmt.Errorf("input path is required")
	}
	return nil
}

// BatchResult is the outcome of one account batch.
type BatchResult struct {
	Name string
	// Card is the card suffix for bank batches, empty for wallet batches.
	Card        string
	AccountName string
	Records     int

	// Result is nil when the batch failed.
	Result *matcher.Result
	// Inserted holds the transactions added by the append flows.
	Inserted []models.LedgerTransaction
	Err      *errors.ReconcilerError
}

// Failed reports whether the batch could not be reconciled.
func (b *BatchResult) Failed() bool {
	return b.Err != nil
}

// RunResult is the outcome of one Reconcile call.
type RunResult struct {
	Source      models.Source
	Path        string
	Records     int
	Parse       *parsers.ParseStats
	Batches     []*BatchResult
	DryRun      bool
	ProcessedAt time.Time
	Duration    time.Duration
}

// Empty reports whether the export held nothing to reconcile.
func (r *RunResult) Empty() bool {
	return r.Records == 0
}

// FullyReconciled reports whether every batch succeeded without unmatched records.
func (r *RunResult) FullyReconciled() bool {
	for _, b := range r.Batches {
		if b.Failed() || !b.Result.FullyReconciled() {
			return false
		}
	}
	return true
}

// Errors summarizes the failed batches; nil when none failed.
func (r *RunResult) Errors() *errors.ErrorSummary {
	var errs []*errors.ReconcilerError
	for _, b := range r.Batches {
		if b.Err != nil {
			errs = append(errs, b.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.NewErrorSummary(errs)
}

// Totals returns matched, unmatched and excluded counts across batches.
func (r *RunResult) Totals() (matched, unmatched, excluded int) {
	for _, b := range r.Batches {
		if b.Result == nil {
			continue
		}
		matched += len(b.Result.Matched)
		unmatched += len(b.Result.Unmatched)
		excluded += len(b.Result.Excluded)
	}
	return matched, unmatched, excluded
}

// Service orchestrates reconciliation runs over one ledger session.
type Service struct {
	gateway ledger.Gateway
	matcher *matcher.Matcher
	opts    parsers.Options
	config  *Config
	logger  logger.Logger
}

// NewService creates a new reconciliation service
func NewService(gateway ledger.Gateway, opts parsers.Options, config *Config, log logger.Logger) (*Service, error) {
	if gateway == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "ledger_gateway", nil, nil).
			WithSuggestion("Provide an open ledger gateway")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "reconciler", nil, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	opts.Mappings = opts.Mappings.WithCardAccounts(config.CardAccounts)
	if opts.Logger == nil {
		opts.Logger = log
	}

	return &Service{
		gateway: gateway,
		matcher: matcher.New(gateway, config.Matching, log),
		opts:    opts,
		config:  config,
		logger:  log.WithComponent("reconciler"),
	}, nil
}

// Mappings returns the label tables used by the service.
func (s *Service) Mappings() mapping.Mappings {
	return s.opts.Mappings
}

// Reconcile parses the export and reconciles it. A missing or unreadable
// input and ledger failures abort the run; batch failures are reported in
// the result.
func (s *Service) Reconcile(ctx context.Context, req Request) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "request", req, err)
	}

	adapter, err := parsers.NewAdapter(req.Source, s.opts)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "source", req.Source, err)
	}

	op := logger.NewOperationLogger("reconcile", s.logger).
		WithFields(logger.Fields{"source": req.Source, "file": req.Path})
	op.Step("parse")

	parsed, err := adapter.Parse(ctx, req.Path)
	if err != nil {
		op.Error(err, "Failed to parse export")
		return nil, err
	}

	result, err := s.ReconcileTransactions(ctx, req.Source, parsed.Transactions, adapter.ExcludePolicy())
	if err != nil {
		op.Error(err, "Reconciliation aborted")
		return nil, err
	}
	result.Path = req.Path
	result.Parse = parsed.Stats

	matched, unmatched, excluded := result.Totals()
	op.WithFields(logger.Fields{
		"batches":   len(result.Batches),
		"matched":   matched,
		"unmatched": unmatched,
		"excluded":  excluded,
	}).Success("Reconciliation completed")
	return result, nil
}

// ReconcileTransactions reconciles already parsed records of one source.
func (s *Service) ReconcileTransactions(ctx context.Context, src models.Source, txs []models.CanonicalTransaction, exclude models.ExcludePolicy) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		Source:      src,
		Records:     len(txs),
		DryRun:      s.config.Matching.DryRun,
		ProcessedAt: start,
	}

	prepared, err := Prepare(txs, s.logger)
	if err != nil {
		return nil, err
	}

	if len(prepared) == 0 {
		s.logger.WithField("source", src).Info("Nothing to reconcile")
		result.Duration = time.Since(start)
		return result, nil
	}

	if parsers.IsWalletSource(src) {
		batch, err := s.reconcileWallet(ctx, src, prepared, exclude)
		if err != nil {
			return nil, err
		}
		result.Batches = []*BatchResult{batch}
	} else {
		batches, err := s.reconcileCards(ctx, src, prepared, exclude)
		if err != nil {
			return nil, err
		}
		result.Batches = batches
	}

	result.Duration = time.Since(start)
	return result, nil
}
