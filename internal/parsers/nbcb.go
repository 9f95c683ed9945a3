package parsers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

const nbcbCardPrefix = "卡号末四位："

// NBCBRecord is one entry of the JSON scraped from the Bank of Ningbo web statement.
type NBCBRecord struct {
	Summary     string `json:"summary"`
	CardDesc    string `json:"cardDesc"`
	Datetime    string `json:"datetime"`
	TradeAmount string `json:"tradeAmount"`
}

// NBCBAdapter reads Bank of Ningbo web statements. The bank shows expenses as
// positive amounts, so signs are inverted.
type NBCBAdapter struct {
	*BaseParser
	referenceDate civil.Date
	logger        logger.Logger
}

// NewNBCBAdapter creates a Bank of Ningbo adapter
func NewNBCBAdapter(opts Options) *NBCBAdapter {
	opts = opts.withDefaults()
	cfg := DefaultParseConfig()
	cfg.Encoding = EncodingUTF8
	return &NBCBAdapter{
		BaseParser:    NewBaseParser(cfg, opts.Logger),
		referenceDate: opts.ReferenceDate,
		logger:        opts.Logger.WithComponent("nbcb_parser"),
	}
}

// Source implements Adapter
func (n *NBCBAdapter) Source() models.Source { return models.SourceNBCB }

// ExcludePolicy implements Adapter
func (n *NBCBAdapter) ExcludePolicy() models.ExcludePolicy { return models.ExcludeNone }

// Parse implements Adapter
func (n *NBCBAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	raw, err := n.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := n.Decode(raw, path)
	if err != nil {
		return nil, err
	}

	stats := NewParseStats()
	if strings.TrimSpace(string(data)) == "" {
		return newResult(models.SourceNBCB, nil, stats), nil
	}

	var records []NBCBRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "json", "", err).
			WithSuggestion("the input must be the JSON array produced by the statement page extractor")
	}

	txs := make([]models.CanonicalTransaction, 0, len(records))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "nbcb_parsing", err)
		}
		stats.TotalRows++
		tx, err := NBCBRow(rec, n.referenceDate)
		if err != nil {
			return nil, withLocation(err, path, i+1)
		}
		txs = append(txs, tx)
	}

	n.logger.WithFields(logger.Fields{"file": path, "records": len(txs)}).Info("Parsed NBCB statement")
	return newResult(models.SourceNBCB, txs, stats), nil
}

// NBCBRow converts one record. Dates carry no year: the reference date's year
// is used, moved back one year when that would put the date in the future.
func NBCBRow(rec NBCBRecord, reference civil.Date) (models.CanonicalTransaction, error) {
	t, err := time.Parse("01-02 15:04", strings.TrimSpace(rec.Datetime))
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidDate, "datetime", rec.Datetime, err)
	}
	date := civil.Date{Year: reference.Year, Month: t.Month(), Day: t.Day()}
	if date.After(reference) {
		date.Year--
	}
	if !date.IsValid() {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidDate, "datetime", rec.Datetime, nil)
	}

	amount, err := models.ParseAmount(rec.TradeAmount)
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidAmount, "tradeAmount", rec.TradeAmount, err)
	}

	card := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rec.CardDesc), nbcbCardPrefix))
	ext := models.Extensions{models.ExtTime: t.Format("15:04")}
	return models.NewCanonicalTransaction(models.SourceNBCB, date, amount.Neg(), strings.TrimSpace(rec.Summary), "", card, ext), nil
}
