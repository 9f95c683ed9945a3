// Package parsers turns bank and wallet exports into canonical transactions.
//
// Each supported format has an Adapter. Adapters own every format-specific
// concern: sign conventions, date layouts, card suffixes and multi-row
// entries. Their output is always sorted ascending by date.
//
// Supported formats:
//   - alipay, wechat: wallet CSV exports with a comment preamble
//   - abc, cmb, bocom: credit-card statement e-mails (eml, mbox or saved HTML)
//   - cmb-pdf: debit-card statement PDF
//   - nbcb: JSON scraped from the bank's web statement page
//
// A missing or unreadable input fails with a file error. An input without
// any transaction rows yields an empty Result, not an error.
package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Adapter converts one export format into canonical records.
type Adapter interface {
	Source() models.Source
	// Parse reads the export at path. Records are sorted ascending by date.
	Parse(ctx context.Context, path string) (*Result, error)
	// ExcludePolicy returns the records this format never reconciles.
	ExcludePolicy() models.ExcludePolicy
}

// Result is the output of one adapter run.
type Result struct {
	Source       models.Source
	Transactions []models.CanonicalTransaction
	Stats        *ParseStats
}

// Empty reports whether the input held no transactions.
func (r *Result) Empty() bool {
	return r == nil || len(r.Transactions) == 0
}

func newResult(src models.Source, txs []models.CanonicalTransaction, stats *ParseStats) *Result {
	models.SortByDate(txs)
	if txs == nil {
		txs = []models.CanonicalTransaction{}
	}
	stats.Records = len(txs)
	return &Result{Source: src, Transactions: txs, Stats: stats}
}

// ParseStats holds statistics about a parsing operation
type ParseStats struct {
	TotalRows int
	Records   int
	Skipped   int
}

// NewParseStats creates a new ParseStats instance
func NewParseStats() *ParseStats {
	return &ParseStats{}
}

// String returns a human-readable summary of parsing statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("Read %d rows, %d records, %d skipped", ps.TotalRows, ps.Records, ps.Skipped)
}

// BaseParser provides file access, decoding and CSV reading shared by adapters.
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *ParseConfig, log logger.Logger) *BaseParser {
	if config == nil {
		config = DefaultParseConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	log = log.WithComponent("parser")
	log.WithFields(logger.Fields{
		"encoding":   config.Encoding,
		"skip_lines": config.SkipLines,
	}).Debug("Created base parser")

	return &BaseParser{
		config: config,
		logger: log,
	}
}

// ParseContext holds state during parsing operations
type ParseContext struct {
	File       string
	LineNumber int
	Headers    []string
	HeaderMap  map[string]int
	ctx        context.Context
}

// NewParseContext creates a new parsing context
func NewParseContext(ctx context.Context, file string) *ParseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ParseContext{
		File:      file,
		HeaderMap: make(map[string]int),
		ctx:       ctx,
	}
}

// IsCancelled checks if the parsing context has been cancelled
func (pc *ParseContext) IsCancelled() bool {
	select {
	case <-pc.ctx.Done():
		return true
	default:
		return false
	}
}

// GetColumnIndex returns the index of a column by name, or -1 if not found
func (pc *ParseContext) GetColumnIndex(name string) int {
	if index, exists := pc.HeaderMap[name]; exists {
		return index
	}
	return -1
}

// OpenFile opens an input file, mapping OS errors onto file error codes.
func (bp *BaseParser) OpenFile(filePath string) (*os.File, error) {
	bp.logger.WithField("file_path", filePath).Debug("Opening input file")

	file, err := os.Open(filePath)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", filePath).Error("Failed to open input file")

		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, filePath, err)
		}
		if os.IsPermission(err) {
			return nil, errors.FileError(errors.CodeFilePermission, filePath, err)
		}
		return nil, errors.FileError(errors.CodeFileCorrupted, filePath, err)
	}

	if info, err := file.Stat(); err == nil && info.IsDir() {
		file.Close()
		return nil, errors.FileError(errors.CodeFileCorrupted, filePath, fmt.Errorf("%s is a directory", filePath))
	}

	return file, nil
}

// ReadFile reads a whole input file.
func (bp *BaseParser) ReadFile(filePath string) ([]byte, error) {
	file, err := bp.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.FileError(errors.CodeFileCorrupted, filePath, err)
	}
	return data, nil
}

// Decode converts raw bytes to UTF-8 according to the configured encoding.
// In auto mode, input that is not valid UTF-8 is read as GB18030, which covers GBK and GB2312.
func (bp *BaseParser) Decode(data []byte, filePath string) ([]byte, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	switch bp.config.Encoding {
	case EncodingUTF8:
		if !utf8.Valid(data) {
			return nil, errors.ParseError(errors.CodeEncodingError, filePath, 0, "encoding", "",
				fmt.Errorf("invalid UTF-8 encoding detected"))
		}
		return data, nil
	case EncodingGBK:
		return decodeGBK(data, filePath)
	default:
		if utf8.Valid(data) {
			return data, nil
		}
		bp.logger.WithField("file_path", filePath).Debug("Input is not UTF-8, decoding as GB18030")
		return decodeGBK(data, filePath)
	}
}

func decodeGBK(data []byte, filePath string) ([]byte, error) {
	out, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), data)
	if err != nil {
		return nil, errors.ParseError(errors.CodeEncodingError, filePath, 0, "encoding", "", err)
	}
	return out, nil
}

// RecordFunc receives one CSV data row.
type RecordFunc func(pc *ParseContext, record []string) error

// EachRecord reads a CSV export: it skips the configured preamble lines, reads
// the header row, checks required columns and calls fn for every non-empty row.
// A file without a header row is treated as empty.
func (bp *BaseParser) EachRecord(ctx context.Context, filePath string, required []string, fn RecordFunc) error {
	raw, err := bp.ReadFile(filePath)
	if err != nil {
		return err
	}
	data, err := bp.Decode(raw, filePath)
	if err != nil {
		return err
	}

	pc := NewParseContext(ctx, filePath)
	br := bufio.NewReader(bytes.NewReader(data))
	for pc.LineNumber < bp.config.SkipLines {
		if _, err := br.ReadString('\n'); err != nil {
			bp.logger.WithField("file_path", filePath).Warn("File ended inside the preamble")
			return nil
		}
		pc.LineNumber++
	}

	reader := csv.NewReader(br)
	bp.configureReader(reader)

	if err := bp.readHeaders(reader, pc, required); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	for {
		if pc.IsCancelled() {
			return errors.InternalError(errors.CodeUnexpectedError, "csv_parsing", pc.ctx.Err())
		}

		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.ParseError(errors.CodeInvalidFormat, filePath, pc.LineNumber+1, "row", "", err)
		}
		pc.LineNumber++

		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}
		if err := fn(pc, record); err != nil {
			return err
		}
	}
}

func (bp *BaseParser) configureReader(reader *csv.Reader) {
	reader.Comma = bp.config.Delimiter
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
}

func (bp *BaseParser) readHeaders(reader *csv.Reader, pc *ParseContext, required []string) error {
	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			bp.logger.WithField("file_path", pc.File).Warn("File contains no header row")
			return io.EOF
		}
		return errors.ParseError(errors.CodeInvalidFormat, pc.File, pc.LineNumber+1, "headers", "", err)
	}
	pc.LineNumber++

	pc.Headers = make([]string, len(headers))
	for i, h := range headers {
		pc.Headers[i] = cleanField(h)
		pc.HeaderMap[pc.Headers[i]] = i
	}

	var missing []string
	for _, name := range required {
		if pc.GetColumnIndex(name) == -1 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		bp.logger.WithFields(logger.Fields{
			"missing_headers":   missing,
			"available_headers": pc.Headers,
		}).Error("Required headers are missing")
		return errors.ParseError(errors.CodeMissingColumn, pc.File, pc.LineNumber, strings.Join(missing, ", "), "", nil)
	}

	bp.logger.WithField("headers", pc.Headers).Debug("Successfully read headers")
	return nil
}

// GetFieldValue returns the trimmed value of a named column, or "" if the row is short.
func (bp *BaseParser) GetFieldValue(record []string, pc *ParseContext, fieldName string) string {
	index := pc.GetColumnIndex(fieldName)
	if index == -1 || index >= len(record) {
		return ""
	}
	return cleanField(record[index])
}

// cleanField trims whitespace, including the tabs wallet exports pad values with.
func cleanField(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\t "))
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if cleanField(field) != "" {
			return false
		}
	}
	return true
}
