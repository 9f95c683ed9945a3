package parsers

import (
	"context"
	"regexp"
	"strings"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

var (
	bocomDatePattern   = regexp.MustCompile(`^\d{4}[/-]\d{2}[/-]\d{2}$`)
	bocomAmountPattern = regexp.MustCompile(`-?[\d,]+(?:\.\d+)?`)
)

// BOCOMSection is the meaning the current statement section gives to its rows.
// Only marker rows change it.
type BOCOMSection int

const (
	SectionUnset BOCOMSection = iota
	SectionRepayment
	SectionInstallment
	SectionPurchase
)

// String returns the section name
func (s BOCOMSection) String() string {
	switch s {
	case SectionRepayment:
		return "repayment"
	case SectionInstallment:
		return "installment"
	case SectionPurchase:
		return "purchase"
	default:
		return "unset"
	}
}

// markerSection classifies a non-transaction row. ok is false when the row is not a section marker.
func markerSection(text string) (BOCOMSection, bool) {
	switch {
	case strings.Contains(text, "分期"):
		return SectionInstallment, true
	case strings.Contains(text, "还款"), strings.Contains(text, "退货"), strings.Contains(text, "费用返还"):
		return SectionRepayment, true
	case strings.Contains(text, "消费"), strings.Contains(text, "取现"), strings.Contains(text, "其他费用"):
		return SectionPurchase, true
	default:
		return SectionUnset, false
	}
}

// BOCOMStatement walks statement rows as a state machine over sections.
// Repayment rows are inflows, purchase rows outflows. The installment section
// lists plans, not postings, and emits nothing; the monthly installment charge
// appears again as a purchase row.
type BOCOMStatement struct {
	section BOCOMSection
	txs     []models.CanonicalTransaction
	skipped int
}

// Section returns the current state.
func (b *BOCOMStatement) Section() BOCOMSection {
	return b.section
}

// Feed consumes one table row.
func (b *BOCOMStatement) Feed(row []string) error {
	if len(row) >= 5 && bocomDatePattern.MatchString(row[0]) {
		return b.transaction(row)
	}
	if section, ok := markerSection(strings.Join(row, "")); ok {
		b.section = section
		return nil
	}
	b.skipped++
	return nil
}

func (b *BOCOMStatement) transaction(row []string) error {
	var sign models.Amount
	switch b.section {
	case SectionRepayment:
		sign = 1
	case SectionPurchase:
		sign = -1
	default:
		// Unset and Installment rows are intentionally not emitted.
		b.skipped++
		return nil
	}

	date, err := models.ParseDate("2006/01/02", strings.ReplaceAll(row[0], "-", "/"))
	if err != nil {
		return errors.ValidationError(errors.CodeInvalidDate, "交易日期", row[0], err)
	}

	raw := cell(row, 5)
	if bocomAmountPattern.FindString(raw) == "" {
		raw = row[4]
	}
	amount, err := models.ParseAmount(bocomAmountPattern.FindString(raw))
	if err != nil {
		return errors.ValidationError(errors.CodeInvalidAmount, "入账金额", raw, err)
	}

	ext := models.Extensions{
		models.ExtPostingDate: row[1],
		models.ExtBalance:     row[4],
	}
	tx := models.NewCanonicalTransaction(models.SourceBOCOM, date, amount.Abs()*sign, row[3], "", row[2], ext)
	b.txs = append(b.txs, tx)
	return nil
}

// Transactions returns the emitted records in row order.
func (b *BOCOMStatement) Transactions() []models.CanonicalTransaction {
	return b.txs
}

// BOCOMAdapter reads Bank of Communications credit-card statement e-mails.
// Transaction rows are
// [trade date, posting date, card suffix, description, trade amount, posted amount].
type BOCOMAdapter struct {
	*BaseParser
	logger logger.Logger
}

// NewBOCOMAdapter creates a BOCOM adapter
func NewBOCOMAdapter(opts Options) *BOCOMAdapter {
	opts = opts.withDefaults()
	cfg := DefaultParseConfig()
	cfg.Encoding = opts.Encoding
	return &BOCOMAdapter{
		BaseParser: NewBaseParser(cfg, opts.Logger),
		logger:     opts.Logger.WithComponent("bocom_parser"),
	}
}

// Source implements Adapter
func (b *BOCOMAdapter) Source() models.Source { return models.SourceBOCOM }

// ExcludePolicy skips monthly installment charges.
func (b *BOCOMAdapter) ExcludePolicy() models.ExcludePolicy {
	return models.SummaryContains("分期扣款")
}

// Parse implements Adapter
func (b *BOCOMAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	docs, err := b.LoadStatementHTML(path)
	if err != nil {
		return nil, err
	}

	stats := NewParseStats()
	var txs []models.CanonicalTransaction
	for _, raw := range docs {
		if err := ctx.Err(); err != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "bocom_parsing", err)
		}
		doc, err := ParseHTML(raw)
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "html", "", err)
		}

		statement := &BOCOMStatement{}
		for i, row := range doc.Rows() {
			stats.TotalRows++
			if err := statement.Feed(row); err != nil {
				return nil, withLocation(err, path, i+1)
			}
		}
		stats.Skipped += statement.skipped
		txs = append(txs, statement.Transactions()...)
	}

	b.logger.WithFields(logger.Fields{"file": path, "records": len(txs)}).Info("Parsed BOCOM statement")
	return newResult(models.SourceBOCOM, txs, stats), nil
}
