package parsers

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

var (
	cmbDayPattern    = regexp.MustCompile(`^\d{4}$`)
	cmbPeriodPattern = regexp.MustCompile(`(\d{4})/(\d{1,2})`)
)

const cmbInstallmentPrefix = "分期"

// CMBAdapter reads China Merchants Bank credit-card statement e-mails.
// Transaction rows are
// [trade MMDD, posting MMDD, summary, RMB amount, card suffix, original amount].
// Amounts are expense-positive and are negated.
type CMBAdapter struct {
	*BaseParser
	referenceDate civil.Date
	logger        logger.Logger
}

// NewCMBAdapter creates a CMB adapter
func NewCMBAdapter(opts Options) *CMBAdapter {
	opts = opts.withDefaults()
	cfg := DefaultParseConfig()
	cfg.Encoding = opts.Encoding
	return &CMBAdapter{
		BaseParser:    NewBaseParser(cfg, opts.Logger),
		referenceDate: opts.ReferenceDate,
		logger:        opts.Logger.WithComponent("cmb_parser"),
	}
}

// Source implements Adapter
func (c *CMBAdapter) Source() models.Source { return models.SourceCMB }

// ExcludePolicy implements Adapter
func (c *CMBAdapter) ExcludePolicy() models.ExcludePolicy { return models.ExcludeNone }

// Parse implements Adapter
func (c *CMBAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	docs, err := c.LoadStatementHTML(path)
	if err != nil {
		return nil, err
	}

	stats := NewParseStats()
	var txs []models.CanonicalTransaction
	for _, raw := range docs {
		if err := ctx.Err(); err != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "cmb_parsing", err)
		}
		doc, err := ParseHTML(raw)
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "html", "", err)
		}

		period := StatementPeriod(doc.Text(), c.referenceDate)
		rows := doc.Rows()
		stats.TotalRows += len(rows)

		parsed, skipped, err := CMBRows(rows, period)
		if err != nil {
			return nil, withLocation(err, path, 0)
		}
		stats.Skipped += skipped
		txs = append(txs, parsed...)
	}

	c.logger.WithFields(logger.Fields{"file": path, "records": len(txs)}).Info("Parsed CMB statement")
	return newResult(models.SourceCMB, txs, stats), nil
}

// StatementPeriod finds the first YYYY/MM marker in the statement text.
// Without one, the reference date's month is used.
func StatementPeriod(text string, reference civil.Date) civil.Date {
	if m := cmbPeriodPattern.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return civil.Date{Year: year, Month: time.Month(month), Day: 1}
		}
	}
	return civil.Date{Year: reference.Year, Month: reference.Month, Day: 1}
}

// cmbEntry is one logical statement entry, possibly assembled from several rows.
type cmbEntry struct {
	trade   string
	posting string
	summary string
	amount  string
	card    string
	foreign string
}

// CMBRows converts the statement table rows of one document. An installment
// header row (summary starting with 分期) absorbs the dateless rows that follow it.
func CMBRows(rows [][]string, period civil.Date) ([]models.CanonicalTransaction, int, error) {
	var entries []*cmbEntry
	var open *cmbEntry
	skipped := 0

	for _, row := range rows {
		if len(row) < 5 {
			skipped++
			open = nil
			continue
		}
		trade, posting := row[0], row[1]

		switch {
		case cmbDayPattern.MatchString(trade) || (trade == "" && cmbDayPattern.MatchString(posting)):
			e := &cmbEntry{
				trade:   trade,
				posting: posting,
				summary: row[2],
				amount:  row[3],
				card:    row[4],
				foreign: cell(row, 5),
			}
			entries = append(entries, e)
			open = nil
			if strings.HasPrefix(e.summary, cmbInstallmentPrefix) {
				open = e
			}
		case trade == "" && posting == "" && open != nil:
			if row[2] != "" {
				open.summary = strings.TrimSpace(open.summary + " " + row[2])
			}
			if open.amount == "" {
				open.amount = row[3]
			}
			if open.card == "" {
				open.card = row[4]
			}
		default:
			skipped++
			open = nil
		}
	}

	txs := make([]models.CanonicalTransaction, 0, len(entries))
	for _, e := range entries {
		tx, err := e.toCanonical(period)
		if err != nil {
			return nil, skipped, err
		}
		txs = append(txs, tx)
	}
	return txs, skipped, nil
}

func (e *cmbEntry) toCanonical(period civil.Date) (models.CanonicalTransaction, error) {
	day := e.trade
	if day == "" {
		day = e.posting
	}
	date, err := dateInPeriod(day, period)
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidDate, "交易日", day, err)
	}

	amount, err := models.ParseAmount(e.amount)
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidAmount, "人民币金额", e.amount, err)
	}

	ext := models.Extensions{models.ExtPostingDate: e.posting}
	if e.foreign != "" {
		ext[models.ExtBalance] = e.foreign
	}
	return models.NewCanonicalTransaction(models.SourceCMB, date, amount.Neg(), e.summary, "", e.card, ext), nil
}

// dateInPeriod resolves an MMDD day against the statement month. Days in a later
// month than the statement belong to the previous year.
func dateInPeriod(mmdd string, period civil.Date) (civil.Date, error) {
	t, err := time.Parse("0102", mmdd)
	if err != nil {
		return civil.Date{}, err
	}
	year := period.Year
	if t.Month() > period.Month {
		year--
	}
	d := civil.Date{Year: year, Month: t.Month(), Day: t.Day()}
	if !d.IsValid() {
		return civil.Date{}, errors.ValidationError(errors.CodeInvalidDate, "交易日", mmdd, nil)
	}
	return d, nil
}
