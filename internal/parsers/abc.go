package parsers

import (
	"context"
	"regexp"
	"strings"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// CashbackSummary marks ABC card-reward credits. The bank posts them without
// the cardholder recording them, so unmatched ones are appended to the ledger.
const CashbackSummary = "刷卡金转入"

// CashbackPayee is the payee recorded for appended cashback credits.
const CashbackPayee = "农行"

var abcDatePattern = regexp.MustCompile(`^\d{8}$`)

// ABCAdapter reads Agricultural Bank of China credit-card statement e-mails.
// Transaction rows are
// [blank, trade date, posting date, card, summary, location, amount/currency, posted/currency].
type ABCAdapter struct {
	*BaseParser
	logger logger.Logger
}

// NewABCAdapter creates an ABC adapter
func NewABCAdapter(opts Options) *ABCAdapter {
	opts = opts.withDefaults()
	cfg := DefaultParseConfig()
	cfg.Encoding = opts.Encoding
	return &ABCAdapter{
		BaseParser: NewBaseParser(cfg, opts.Logger),
		logger:     opts.Logger.WithComponent("abc_parser"),
	}
}

// Source implements Adapter
func (a *ABCAdapter) Source() models.Source { return models.SourceABC }

// ExcludePolicy implements Adapter
func (a *ABCAdapter) ExcludePolicy() models.ExcludePolicy { return models.ExcludeNone }

// Parse implements Adapter
func (a *ABCAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	docs, err := a.LoadStatementHTML(path)
	if err != nil {
		return nil, err
	}

	stats := NewParseStats()
	var txs []models.CanonicalTransaction
	for _, raw := range docs {
		if err := ctx.Err(); err != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "abc_parsing", err)
		}
		doc, err := ParseHTML(raw)
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "html", "", err)
		}
		for i, row := range doc.Rows() {
			stats.TotalRows++
			tx, ok, err := ABCRow(row)
			if err != nil {
				return nil, withLocation(err, path, i+1)
			}
			if !ok {
				stats.Skipped++
				continue
			}
			txs = append(txs, tx)
		}
	}

	a.logger.WithFields(logger.Fields{"file": path, "records": len(txs)}).Info("Parsed ABC statement")
	return newResult(models.SourceABC, txs, stats), nil
}

// ABCRow converts one statement table row. ok is false for rows that are not transactions.
func ABCRow(row []string) (tx models.CanonicalTransaction, ok bool, err error) {
	if len(row) < 7 || !abcDatePattern.MatchString(row[1]) {
		return tx, false, nil
	}

	date, err := models.ParseDate("20060102", row[1])
	if err != nil {
		return tx, false, errors.ValidationError(errors.CodeInvalidDate, "交易日", row[1], err)
	}

	rawAmount, currency, _ := strings.Cut(row[6], "/")
	amount, err := models.ParseAmount(rawAmount)
	if err != nil {
		return tx, false, errors.ValidationError(errors.CodeInvalidAmount, "交易金额", row[6], err)
	}

	ext := models.Extensions{
		models.ExtLocation: row[5],
		models.ExtCurrency: strings.TrimSpace(currency),
	}
	if posting := cell(row, 2); posting != "" {
		ext[models.ExtPostingDate] = posting
	}
	if posted := cell(row, 7); posted != "" {
		ext[models.ExtBalance] = posted
	}

	return models.NewCanonicalTransaction(models.SourceABC, date, amount, row[4], "", row[3], ext), true, nil
}

// IsCashback reports whether a record is an ABC reward credit.
func IsCashback(t models.CanonicalTransaction) bool {
	return t.Source == models.SourceABC && t.Summary == CashbackSummary
}
