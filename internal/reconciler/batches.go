package reconciler

import (
	"context"
	"fmt"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/matcher"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/parsers"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// reconcileWallet runs a wallet export as one batch keyed per record account.
func (s *Service) reconcileWallet(ctx context.Context, src models.Source, txs []models.CanonicalTransaction, exclude models.ExcludePolicy) (*BatchResult, error) {
	batch := &BatchResult{Name: string(src), Records: len(txs)}

	var names []string
	for _, tx := range txs {
		if exclude != nil && exclude(tx) {
			continue
		}
		names = append(names, tx.Account)
	}

	accounts, err := ledger.ResolveAccounts(ctx, s.gateway, names)
	if err != nil {
		return s.fail(batch, err)
	}
	ids := make(map[string]string, len(accounts))
	for name, acct := range accounts {
		ids[name] = acct.ID
	}

	result, err := s.matcher.Match(ctx, matcher.Batch{
		Name:         batch.Name,
		Transactions: txs,
		AccountIDs:   ids,
		Exclude:      exclude,
	})
	if err != nil {
		return s.fail(batch, err)
	}
	batch.Result = result
	return batch, nil
}

// reconcileCards runs one batch per card, in ascending card order, inside
// the service's single ledger session.
func (s *Service) reconcileCards(ctx context.Context, src models.Source, txs []models.CanonicalTransaction, exclude models.ExcludePolicy) ([]*BatchResult, error) {
	cards, groups := models.GroupByCard(txs)

	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: fmt.Sprintf("reconcile %s cards", src),
		Total:     int64(len(cards)),
		Logger:    s.logger,
	})

	batches := make([]*BatchResult, 0, len(cards))
	for _, card := range cards {
		batch, err := s.reconcileCard(ctx, src, card, groups[card], exclude)
		if err != nil {
			progress.Done(err)
			progress.Complete()
			return nil, err
		}
		if batch.Err != nil {
			progress.Done(batch.Err)
		} else {
			progress.Done(nil)
		}
		batches = append(batches, batch)
	}
	progress.Complete()
	return batches, nil
}

func (s *Service) reconcileCard(ctx context.Context, src models.Source, card string, txs []models.CanonicalTransaction, exclude models.ExcludePolicy) (*BatchResult, error) {
	batch := &BatchResult{Name: batchName(src, card), Card: card, Records: len(txs)}
	log := s.logger.WithFields(logger.Fields{"batch": batch.Name, "records": len(txs)})

	name, ok := s.cardAccount(src, card)
	if !ok {
		err := errors.AccountError("card "+card, nil).
			WithContext("card", card).
			WithSuggestion(fmt.Sprintf("add %s to CARD_ACCOUNT_MAP or pass --card-account %s=<account>", card, card))
		return s.fail(batch, err)
	}
	batch.AccountName = name

	acct, err := s.gateway.ResolveAccountByName(ctx, name)
	if err != nil {
		return s.fail(batch, err)
	}
	log.WithField("account", acct.Name).Debug("Card assigned to ledger account")

	result, err := s.matcher.Match(ctx, matcher.Batch{
		Name:         batch.Name,
		AccountID:    acct.ID,
		Transactions: txs,
		Exclude:      exclude,
	})
	if err != nil {
		return s.fail(batch, err)
	}
	batch.Result = result

	if src == models.SourceABC && s.config.AppendCashback {
		inserted, err := s.appendCashback(ctx, acct.ID, result.Unmatched)
		if err != nil {
			return nil, err
		}
		batch.Inserted = inserted
	}
	return batch, nil
}

// appendCashback inserts the unmatched reward credits. They stay in the
// unmatched set so the report shows what was appended.
func (s *Service) appendCashback(ctx context.Context, accountID string, unmatched []models.CanonicalTransaction) ([]models.LedgerTransaction, error) {
	var inserted []models.LedgerTransaction
	for _, tx := range unmatched {
		if !parsers.IsCashback(tx) {
			continue
		}
		ltx := models.LedgerTransaction{
			AccountID: accountID,
			Date:      tx.Date,
			Amount:    tx.Amount,
			Payee:     parsers.CashbackPayee,
			Notes:     tx.Summary,
		}
		if !s.config.Matching.DryRun {
			id, err := s.gateway.Insert(ctx, ltx)
			if err != nil {
				return nil, err
			}
			ltx.ID = id
		}
		inserted = append(inserted, ltx)
	}
	if len(inserted) > 0 {
		s.logger.WithFields(logger.Fields{
			"account": accountID,
			"count":   len(inserted),
			"dry_run": s.config.Matching.DryRun,
		}).Info("Appended unrecorded cashback credits")
	}
	return inserted, nil
}

// cardAccount looks the card up in the card table. Statements without card
// suffixes fall back to an entry keyed by the source name.
func (s *Service) cardAccount(src models.Source, card string) (string, bool) {
	if name, ok := s.opts.Mappings.CardAccount(card); ok && name != "" {
		return name, true
	}
	if card == "" {
		if name, ok := s.opts.Mappings.CardAccount(string(src)); ok && name != "" {
			return name, true
		}
	}
	return "", false
}

// fail records an account failure on the batch. Any other error aborts the run.
func (s *Service) fail(batch *BatchResult, err error) (*BatchResult, error) {
	re, ok := errors.AsReconcilerError(err)
	if !ok || re.Category != errors.CategoryAccount {
		return nil, err
	}
	batch.Err = re.WithContext("batch", batch.Name)
	s.logger.WithError(err).WithField("batch", batch.Name).Error("Batch failed")
	return batch, nil
}

func batchName(src models.Source, card string) string {
	if card == "" {
		return string(src)
	}
	return fmt.Sprintf("%s/%s", src, card)
}
