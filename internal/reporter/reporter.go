// Package reporter renders reconciliation runs for operators and tools.
//
// Supported output formats:
//   - Console: colored per-batch sections for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per classified record for spreadsheet applications
//
// Policy-excluded records are informational; they are listed only when
// ShowExcluded is set, while their counts are always reported.
//
// Example usage:
//
//	config := reporter.DefaultReportConfig()
//	config.Format = reporter.FormatJSON
//	generator, err := reporter.NewReportGenerator(config)
//	err = generator.GenerateReport(result, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"ledger-reconciler/internal/matcher"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/reconciler"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// ShowExcluded lists policy-excluded records, not just their count.
	ShowExcluded bool `json:"show_excluded"`
	// IncludeMatched lists matched records with the ledger id they claimed.
	IncludeMatched bool `json:"include_matched"`

	UseColors bool `json:"use_colors"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:       FormatConsole,
		UseColors:    true,
		CSVDelimiter: ',',
		CSVHeaders:   true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter: %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator renders reconciliation results.
type ReportGenerator struct {
	config *ReportConfig

	header  *color.Color
	good    *color.Color
	bad     *color.Color
	muted   *color.Color
	warning *color.Color
}

// NewReportGenerator creates a new report generator
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	rg := &ReportGenerator{
		config:  config,
		header:  color.New(color.FgCyan, color.Bold),
		good:    color.New(color.FgGreen, color.Bold),
		bad:     color.New(color.FgRed, color.Bold),
		muted:   color.New(color.FgHiBlack),
		warning: color.New(color.FgYellow),
	}
	if !config.UseColors {
		for _, c := range []*color.Color{rg.header, rg.good, rg.bad, rg.muted, rg.warning} {
			c.DisableColor()
		}
	}
	return rg, nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// GenerateReport writes the run report in the configured format.
func (rg *ReportGenerator) GenerateReport(result *reconciler.RunResult, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("reconciliation result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(result, writer)
	case FormatJSON:
		return rg.generateJSONReport(result, writer)
	case FormatCSV:
		return rg.generateCSVReport(result, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(result *reconciler.RunResult, w io.Writer) error {
	rg.header.Fprintf(w, "RECONCILIATION REPORT\n")
	fmt.Fprintf(w, "Source: %s", result.Source)
	if result.Path != "" {
		fmt.Fprintf(w, " (%s)", result.Path)
	}
	fmt.Fprintf(w, "\nGenerated: %s\n", result.ProcessedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Records: %d\n", result.Records)
	if result.DryRun {
		rg.warning.Fprintf(w, "Dry run: no cleared flags set, nothing inserted\n")
	}
	fmt.Fprintln(w)

	if result.Empty() {
		fmt.Fprintln(w, "Nothing to reconcile: the export contains no transactions.")
		return nil
	}

	for _, batch := range result.Batches {
		rg.printBatch(batch, w)
	}

	matched, unmatched, excluded := result.Totals()
	rg.header.Fprintf(w, "=== SUMMARY ===\n")
	fmt.Fprintf(w, "Batches:          %d\n", len(result.Batches))
	fmt.Fprintf(w, "Matched:          %d\n", matched)
	fmt.Fprintf(w, "Unmatched:        %d\n", unmatched)
	fmt.Fprintf(w, "Policy-excluded:  %d\n", excluded)
	if summary := result.Errors(); summary != nil {
		fmt.Fprintf(w, "Failed batches:   %d\n", summary.Total)
	}
	fmt.Fprintf(w, "Duration:         %v\n", result.Duration.Round(time.Millisecond))

	if result.FullyReconciled() {
		rg.good.Fprintf(w, "✔ Fully reconciled\n")
	} else {
		rg.bad.Fprintf(w, "✘ Not fully reconciled\n")
	}
	return nil
}

func (rg *ReportGenerator) printBatch(batch *reconciler.BatchResult, w io.Writer) {
	title := batch.Name
	if batch.AccountName != "" {
		title = fmt.Sprintf("%s → %s", batch.Name, batch.AccountName)
	}
	rg.header.Fprintf(w, "=== %s ===\n", title)

	if batch.Failed() {
		rg.bad.Fprintf(w, "✘ FAILED: %s\n", batch.Err.Message)
		if batch.Err.Suggestion != "" {
			rg.muted.Fprintf(w, "  %s\n", batch.Err.Suggestion)
		}
		fmt.Fprintf(w, "  %d records not reconciled\n\n", batch.Records)
		return
	}

	r := batch.Result
	if r.Queried {
		fmt.Fprintf(w, "Window: %s .. %s   Ledger candidates: %d\n", r.From, r.To, r.Candidates)
	}
	fmt.Fprintf(w, "Matched: %d (newly cleared %d)   Unmatched: %d   Policy-excluded: %d\n",
		len(r.Matched), r.Flipped(), len(r.Unmatched), len(r.Excluded))

	for _, tie := range r.Ties {
		rg.muted.Fprintf(w, "  tie %s %s: %d of %d claimed\n", tie.Key.Date, tie.Key.Amount, tie.Claimed, tie.Candidates)
	}

	if rg.config.IncludeMatched && len(r.Matched) > 0 {
		fmt.Fprintln(w, "Matched:")
		for _, m := range r.Matched {
			fmt.Fprintf(w, "  %s  %s\n", formatRecord(m.External), rg.muted.Sprintf("ledger %s", m.Ledger.ID))
		}
	}
	if len(r.Unmatched) > 0 {
		rg.bad.Fprintln(w, "Unmatched:")
		for _, tx := range r.Unmatched {
			fmt.Fprintf(w, "  %s\n", formatRecord(tx))
		}
	}
	if rg.config.ShowExcluded && len(r.Excluded) > 0 {
		rg.warning.Fprintln(w, "Policy-excluded:")
		for _, tx := range r.Excluded {
			fmt.Fprintf(w, "  %s\n", formatRecord(tx))
		}
	}
	if len(batch.Inserted) > 0 {
		fmt.Fprintln(w, "Appended to ledger:")
		for _, tx := range batch.Inserted {
			fmt.Fprintf(w, "  %s %10s  %s  %s\n", tx.Date, tx.Amount, tx.Payee, tx.Notes)
		}
	}

	if r.FullyReconciled() {
		rg.good.Fprintf(w, "✔ Fully reconciled\n")
	}
	fmt.Fprintln(w)
}

func formatRecord(tx models.CanonicalTransaction) string {
	line := fmt.Sprintf("%s %10s  %s", tx.Date, tx.Amount, tx.Summary)
	if tx.Account != "" {
		line += fmt.Sprintf("  [%s]", tx.Account)
	}
	return line
}

type jsonRecord struct {
	Date        string `json:"date"`
	Amount      string `json:"amount"`
	AmountMinor int64  `json:"amount_minor"`
	Summary     string `json:"summary"`
	Account     string `json:"account,omitempty"`
	Card        string `json:"card,omitempty"`
	Source      string `json:"source"`
	LedgerID    string `json:"ledger_id,omitempty"`
}

type jsonTie struct {
	Date       string `json:"date"`
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	Candidates int    `json:"candidates"`
	Claimed    int    `json:"claimed"`
}

type jsonBatch struct {
	Name            string                     `json:"name"`
	Card            string                     `json:"card,omitempty"`
	Account         string                     `json:"account,omitempty"`
	Records         int                        `json:"records"`
	From            string                     `json:"from,omitempty"`
	To              string                     `json:"to,omitempty"`
	Candidates      int                        `json:"ledger_candidates"`
	MatchedCount    int                        `json:"matched_count"`
	Cleared         int                        `json:"newly_cleared"`
	ExcludedCount   int                        `json:"excluded_count"`
	FullyReconciled bool                       `json:"fully_reconciled"`
	Matched         []jsonRecord               `json:"matched,omitempty"`
	Unmatched       []jsonRecord               `json:"unmatched"`
	Excluded        []jsonRecord               `json:"excluded,omitempty"`
	Inserted        []models.LedgerTransaction `json:"inserted,omitempty"`
	Ties            []jsonTie                  `json:"ties,omitempty"`
	Error           interface{}                `json:"error,omitempty"`
}

type jsonReport struct {
	Source          string      `json:"source"`
	Path            string      `json:"path,omitempty"`
	ProcessedAt     time.Time   `json:"processed_at"`
	Duration        string      `json:"duration"`
	DryRun          bool        `json:"dry_run"`
	Records         int         `json:"records"`
	Matched         int         `json:"matched"`
	Unmatched       int         `json:"unmatched"`
	Excluded        int         `json:"excluded"`
	FullyReconciled bool        `json:"fully_reconciled"`
	Batches         []jsonBatch `json:"batches"`
}

func toJSONRecord(tx models.CanonicalTransaction) jsonRecord {
	return jsonRecord{
		Date:        tx.Date.String(),
		Amount:      tx.Amount.String(),
		AmountMinor: int64(tx.Amount),
		Summary:     tx.Summary,
		Account:     tx.Account,
		Card:        tx.Card,
		Source:      string(tx.Source),
	}
}

func toJSONRecords(txs []models.CanonicalTransaction) []jsonRecord {
	out := make([]jsonRecord, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toJSONRecord(tx))
	}
	return out
}

func (rg *ReportGenerator) buildJSONBatch(batch *reconciler.BatchResult) jsonBatch {
	out := jsonBatch{
		Name:      batch.Name,
		Card:      batch.Card,
		Account:   batch.AccountName,
		Records:   batch.Records,
		Inserted:  batch.Inserted,
		Unmatched: []jsonRecord{},
	}
	if batch.Failed() {
		out.Error = batch.Err
		return out
	}

	r := batch.Result
	if r.Queried {
		out.From, out.To = r.From.String(), r.To.String()
	}
	out.Candidates = r.Candidates
	out.MatchedCount = len(r.Matched)
	out.Cleared = r.Flipped()
	out.ExcludedCount = len(r.Excluded)
	out.FullyReconciled = r.FullyReconciled()
	out.Unmatched = toJSONRecords(r.Unmatched)
	if rg.config.ShowExcluded {
		out.Excluded = toJSONRecords(r.Excluded)
	}
	if rg.config.IncludeMatched {
		for _, m := range r.Matched {
			rec := toJSONRecord(m.External)
			rec.LedgerID = m.Ledger.ID
			out.Matched = append(out.Matched, rec)
		}
	}
	for _, tie := range r.Ties {
		out.Ties = append(out.Ties, jsonTie{
			Date:       tie.Key.Date.String(),
			Account:    tie.Key.Account,
			Amount:     tie.Key.Amount.String(),
			Candidates: tie.Candidates,
			Claimed:    tie.Claimed,
		})
	}
	return out
}

// generateJSONReport generates a structured JSON report
func (rg *ReportGenerator) generateJSONReport(result *reconciler.RunResult, writer io.Writer) error {
	matched, unmatched, excluded := result.Totals()
	report := jsonReport{
		Source:          string(result.Source),
		Path:            result.Path,
		ProcessedAt:     result.ProcessedAt,
		Duration:        result.Duration.String(),
		DryRun:          result.DryRun,
		Records:         result.Records,
		Matched:         matched,
		Unmatched:       unmatched,
		Excluded:        excluded,
		FullyReconciled: result.FullyReconciled(),
		Batches:         make([]jsonBatch, 0, len(result.Batches)),
	}
	for _, batch := range result.Batches {
		report.Batches = append(report.Batches, rg.buildJSONBatch(batch))
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// CSV status values
const (
	StatusMatched   = "matched"
	StatusUnmatched = "unmatched"
	StatusExcluded  = "excluded"
	StatusAppended  = "appended"
	StatusFailed    = "failed"
)

// generateCSVReport generates a CSV report with one row per record
func (rg *ReportGenerator) generateCSVReport(result *reconciler.RunResult, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		headers := []string{"Batch", "Status", "Date", "Amount", "Summary", "Account", "Card", "Ledger_ID", "Notes"}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	write := func(batch, status string, tx models.CanonicalTransaction, ledgerID, notes string) error {
		return csvWriter.Write([]string{
			batch, status, tx.Date.String(), tx.Amount.String(), tx.Summary, tx.Account, tx.Card, ledgerID, notes,
		})
	}

	for _, batch := range result.Batches {
		if batch.Failed() {
			row := []string{batch.Name, StatusFailed, "", "", "", batch.AccountName, batch.Card, "", batch.Err.Message}
			if err := csvWriter.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
			continue
		}
		if err := rg.writeBatchRows(batch, batch.Result, write); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
		for _, tx := range batch.Inserted {
			row := []string{batch.Name, StatusAppended, tx.Date.String(), tx.Amount.String(), tx.Notes, batch.AccountName, batch.Card, tx.ID, tx.Payee}
			if err := csvWriter.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

func (rg *ReportGenerator) writeBatchRows(batch *reconciler.BatchResult, r *matcher.Result,
	write func(batch, status string, tx models.CanonicalTransaction, ledgerID, notes string) error) error {
	if rg.config.IncludeMatched {
		for _, m := range r.Matched {
			notes := ""
			if m.Flipped {
				notes = "cleared"
			}
			if err := write(batch.Name, StatusMatched, m.External, m.Ledger.ID, notes); err != nil {
				return err
			}
		}
	}
	for _, tx := range r.Unmatched {
		if err := write(batch.Name, StatusUnmatched, tx, "", ""); err != nil {
			return err
		}
	}
	if rg.config.ShowExcluded {
		for _, tx := range r.Excluded {
			if err := write(batch.Name, StatusExcluded, tx, "", "policy"); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateRecordReport writes the outcome of recording one screenshot.
func (rg *ReportGenerator) GenerateRecordReport(result *reconciler.RecordResult, w io.Writer) error {
	if result == nil || result.Extraction == nil {
		return fmt.Errorf("record result cannot be nil")
	}
	e := result.Extraction

	if rg.config.Format == FormatJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			Type        string                   `json:"type"`
			Account     string                   `json:"account"`
			DryRun      bool                     `json:"dry_run"`
			Transaction models.LedgerTransaction `json:"transaction"`
		}{string(e.Type), result.Account.Name, result.DryRun, result.Transaction})
	}

	rows := [][2]string{
		{"类型", string(e.Type)},
		{"商户", e.Payee},
		{"金额", e.Amount.String()},
		{"日期", e.Date.String()},
		{"账户", result.Account.Name},
	}
	if e.FullPayee != "" {
		rows = append(rows, [2]string{"商户全称", e.FullPayee})
	}
	if e.Note != "" {
		rows = append(rows, [2]string{"备注", e.Note})
	}
	if e.ImportID != "" {
		rows = append(rows, [2]string{"订单号", e.ImportID})
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s%s\n", rg.muted.Sprintf("%s：", row[0]), row[1])
	}

	if result.DryRun {
		rg.warning.Fprintln(w, "Dry run: not recorded")
	} else {
		rg.good.Fprintf(w, "✔ Recorded as %s\n", result.Transaction.ID)
	}
	return nil
}

// Banner returns a one-line status for log output.
func Banner(result *reconciler.RunResult) string {
	matched, unmatched, excluded := result.Totals()
	parts := []string{
		fmt.Sprintf("%d matched", matched),
		fmt.Sprintf("%d unmatched", unmatched),
		fmt.Sprintf("%d excluded", excluded),
	}
	status := "not fully reconciled"
	if result.FullyReconciled() {
		status = "fully reconciled"
	}
	return fmt.Sprintf("%s: %s (%s)", result.Source, strings.Join(parts, ", "), status)
}
