package reconciler

import (
	"context"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/ocr"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// RecordResult is the ledger entry created from one screenshot.
type RecordResult struct {
	Extraction  *ocr.Extraction
	Account     models.Account
	Transaction models.LedgerTransaction
	DryRun      bool
}

// RecordScreenshot inserts the transaction read from a payment screenshot.
// The payment method must name an existing ledger account.
func (s *Service) RecordScreenshot(ctx context.Context, e *ocr.Extraction) (*RecordResult, error) {
	if e == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "extraction", nil, nil)
	}
	if e.AccountName == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "支付方式", e.RawAccount, nil).
			WithSuggestion("the screenshot does not show a payment method; record it manually")
	}

	acct, err := s.gateway.ResolveAccountByName(ctx, e.AccountName)
	if err != nil {
		return nil, err
	}

	result := &RecordResult{
		Extraction:  e,
		Account:     acct,
		Transaction: e.LedgerTransaction(acct.ID),
		DryRun:      s.config.Matching.DryRun,
	}

	log := s.logger.WithFields(logger.Fields{
		"account": acct.Name,
		"payee":   e.Payee,
		"amount":  e.Amount.String(),
		"date":    e.Date.String(),
	})

	if result.DryRun {
		log.Info("Dry run: screenshot transaction not recorded")
		return result, nil
	}

	id, err := s.gateway.Insert(ctx, result.Transaction)
	if err != nil {
		return nil, err
	}
	result.Transaction.ID = id
	log.WithField("id", id).Info("Recorded screenshot transaction")
	return result, nil
}
