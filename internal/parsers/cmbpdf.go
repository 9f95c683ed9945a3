package parsers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dslipak/pdf"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

var pdfDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

const (
	pdfRowTokens     = 6
	pdfAccountMarker = "账号："
)

// CMBPDFAdapter reads China Merchants Bank debit-card statement PDFs.
// A date token starts a row of six tokens:
// [date, currency, amount, balance, summary, counterparty].
type CMBPDFAdapter struct {
	*BaseParser
	logger logger.Logger
}

// NewCMBPDFAdapter creates a CMB PDF adapter
func NewCMBPDFAdapter(opts Options) *CMBPDFAdapter {
	opts = opts.withDefaults()
	return &CMBPDFAdapter{
		BaseParser: NewBaseParser(DefaultParseConfig(), opts.Logger),
		logger:     opts.Logger.WithComponent("cmb_pdf_parser"),
	}
}

// Source implements Adapter
func (c *CMBPDFAdapter) Source() models.Source { return models.SourceCMBPDF }

// ExcludePolicy skips sweeps into the 朝朝宝 money-market product.
func (c *CMBPDFAdapter) ExcludePolicy() models.ExcludePolicy {
	return models.SummaryContains("朝朝宝")
}

// Parse implements Adapter
func (c *CMBPDFAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	file, err := c.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.FileError(errors.CodeFileCorrupted, path, err)
	}
	r, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, errors.FileError(errors.CodeFileCorrupted, path, err)
	}

	var pages [][]string
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.InternalError(errors.CodeUnexpectedError, "pdf_parsing", err)
		}
		tokens, err := pageTokens(r, i)
		if err != nil {
			return nil, errors.FileError(errors.CodeFileCorrupted, path, fmt.Errorf("page %d: %w", i, err))
		}
		if tokens != nil {
			pages = append(pages, tokens)
		}
	}

	stats := NewParseStats()
	txs, err := CMBPDFTokens(pages, stats)
	if err != nil {
		return nil, withLocation(err, path, 0)
	}

	c.logger.WithFields(logger.Fields{"file": path, "pages": len(pages), "records": len(txs)}).Info("Parsed CMB PDF statement")
	return newResult(models.SourceCMBPDF, txs, stats), nil
}

// pageTokens returns the trimmed text tokens of page i in row order, or nil
// for a missing page. The pdf package panics on undecodable content streams
// and GetTextByRow swallows that panic, so the content is decoded here first.
func pageTokens(r *pdf.Reader, i int) (tokens []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			tokens, err = nil, fmt.Errorf("unreadable content: %v", rec)
		}
	}()

	page := r.Page(i)
	if page.V.IsNull() {
		return nil, nil
	}
	page.Content()

	rows, err := page.GetTextByRow()
	if err != nil {
		return nil, err
	}
	tokens = []string{}
	for _, row := range rows {
		for _, text := range row.Content {
			if s := strings.TrimSpace(text.S); s != "" {
				tokens = append(tokens, s)
			}
		}
	}
	return tokens, nil
}

// CMBPDFTokens converts the text tokens of each page into records. The card
// suffix comes from the most recent 账号： token and applies to later rows.
func CMBPDFTokens(pages [][]string, stats *ParseStats) ([]models.CanonicalTransaction, error) {
	if stats == nil {
		stats = NewParseStats()
	}
	var txs []models.CanonicalTransaction
	card := ""

	for _, tokens := range pages {
		for i := 0; i < len(tokens); {
			token := tokens[i]
			switch {
			case pdfDatePattern.MatchString(token) && i+pdfRowTokens <= len(tokens):
				stats.TotalRows++
				tx, err := cmbPDFRow(tokens[i:i+pdfRowTokens], card)
				if err != nil {
					return nil, err
				}
				txs = append(txs, tx)
				i += pdfRowTokens
			case strings.HasPrefix(token, pdfAccountMarker):
				card = lastRunes(token, 4)
				i++
			default:
				i++
			}
		}
	}
	return txs, nil
}

func cmbPDFRow(row []string, card string) (models.CanonicalTransaction, error) {
	date, err := models.ParseDate("2006-01-02", row[0])
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidDate, "记账日期", row[0], err)
	}
	amount, err := models.ParseAmount(row[2])
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidAmount, "交易金额", row[2], err)
	}
	ext := models.Extensions{
		models.ExtCurrency:     row[1],
		models.ExtBalance:      row[3],
		models.ExtCounterparty: row[5],
	}
	return models.NewCanonicalTransaction(models.SourceCMBPDF, date, amount, row[4], "", card, ext), nil
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
