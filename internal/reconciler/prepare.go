package reconciler

import (
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Prepare validates records before matching and restores date order when a
// caller hands over an unsorted list. Duplicates are kept: identical records
// are legitimate ties.
func Prepare(txs []models.CanonicalTransaction, log logger.Logger) ([]models.CanonicalTransaction, error) {
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidData, "transaction", i, err).
				WithContext("source", tx.Source)
		}
	}

	if models.IsSortedByDate(txs) {
		return txs, nil
	}

	if log != nil {
		log.WithField("records", len(txs)).Warn("Records were not sorted by date; sorting before matching")
	}
	sorted := append([]models.CanonicalTransaction(nil), txs...)
	models.SortByDate(sorted)
	return sorted, nil
}
