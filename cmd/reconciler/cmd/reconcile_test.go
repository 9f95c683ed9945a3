package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/viper"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

const alipayBill = `交易时间,交易分类,交易对方,对方账号,商品说明,收/支,金额,收/付款方式,交易状态,交易订单号,商家订单号,备注,
2024-03-02 12:00:00,餐饮美食,星巴克,,拿铁,支出,32.00,招商银行信用卡(1234)&红包,交易成功,A001,,,
2024-03-03 18:00:00,转账红包,张三,,红包,收入,8.88,,交易成功,A004,,,
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func writeAlipayBill(t *testing.T, dir string) string {
	t.Helper()
	return writeFile(t, dir, "alipay.csv", strings.Repeat("#说明\n", 24)+alipayBill)
}

func writeSnapshot(t *testing.T, dir string) string {
	t.Helper()
	snap := ledger.Snapshot{
		Accounts: []models.Account{{ID: "cmb", Name: "招商银行信用卡(1234)"}},
		Transactions: []models.LedgerTransaction{{
			ID:        "L1",
			AccountID: "cmb",
			Date:      civil.Date{Year: 2024, Month: time.March, Day: 2},
			Amount:    -3200,
		}},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}
	return writeFile(t, dir, "ledger.json", string(data))
}

// setViper sets keys for one test and restores the previous values.
func setViper(t *testing.T, values map[string]interface{}) {
	t.Helper()
	for key, value := range values {
		old := viper.Get(key)
		viper.Set(key, value)
		t.Cleanup(func() { viper.Set(key, old) })
	}
}

func TestValidateFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	validFile := writeFile(t, tmpDir, "valid.csv", "test")

	tests := []struct {
		name     string
		filePath string
		code     errors.ErrorCode
	}{
		{name: "valid file", filePath: validFile},
		{name: "non-existent file", filePath: "/non/existent/file.csv", code: errors.CodeFileNotFound},
		{name: "directory instead of file", filePath: tmpDir, code: errors.CodeFileCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFileExists(tt.filePath)
			if tt.code == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestValidateReconcileFlags(t *testing.T) {
	tmpDir := t.TempDir()
	bill := writeAlipayBill(t, tmpDir)

	tests := []struct {
		name          string
		values        map[string]interface{}
		args          []string
		errorContains string
	}{
		{
			name:   "valid flags",
			values: map[string]interface{}{"source": "alipay", "output-format": "console"},
			args:   []string{bill},
		},
		{
			name:   "file flag instead of argument",
			values: map[string]interface{}{"source": "alipay", "file": bill, "output-format": "json"},
		},
		{
			name:          "missing source",
			values:        map[string]interface{}{"source": ""},
			args:          []string{bill},
			errorContains: "source",
		},
		{
			name:          "unknown source",
			values:        map[string]interface{}{"source": "paypal"},
			args:          []string{bill},
			errorContains: "paypal",
		},
		{
			name:          "missing file",
			values:        map[string]interface{}{"source": "alipay", "file": ""},
			errorContains: "file",
		},
		{
			name:          "invalid output format",
			values:        map[string]interface{}{"source": "alipay", "output-format": "xml"},
			args:          []string{bill},
			errorContains: "output-format",
		},
		{
			name:          "malformed card account",
			values:        map[string]interface{}{"source": "abc", "output-format": "console", "card-account": []string{"1234"}},
			args:          []string{bill},
			errorContains: "card-account",
		},
		{
			name:          "missing output directory",
			values:        map[string]interface{}{"source": "alipay", "output-format": "console", "output-file": "/non/existent/report.txt"},
			args:          []string{bill},
			errorContains: "/non/existent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defaults := map[string]interface{}{
				"source": "", "file": "", "output-format": "console", "output-file": "", "card-account": []string{},
			}
			for key, value := range tt.values {
				defaults[key] = value
			}
			setViper(t, defaults)

			err := validateReconcileFlags(reconcileCmd, tt.args)
			if tt.errorContains == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errorContains)
			}
			if !strings.Contains(fmt.Sprintf("%v %v", err, errorContext(err)), tt.errorContains) {
				t.Errorf("expected error containing %q, got %v", tt.errorContains, err)
			}
		})
	}
}

func errorContext(err error) interface{} {
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return reconcilerErr.Context
	}
	return nil
}

func TestRunReconcile(t *testing.T) {
	tmpDir := t.TempDir()
	bill := writeAlipayBill(t, tmpDir)
	snapshot := writeSnapshot(t, tmpDir)

	setViper(t, map[string]interface{}{
		"source":        "alipay",
		"file":          "",
		"ledger.driver": "memory",
		"ledger.dsn":    snapshot,
		"mappings":      "",
		"date":          "2024-03-10",
		"output-format": "json",
		"output-file":   "",
		"card-account":  []string{},
		"dry-run":       false,
	})
	logger.SetGlobalLogger(logger.Discard())

	var out bytes.Buffer
	reconcileCmd.SetOut(&out)
	reconcileCmd.SetContext(context.Background())
	t.Cleanup(func() { reconcileCmd.SetOut(nil) })

	if err := validateReconcileFlags(reconcileCmd, []string{bill}); err != nil {
		t.Fatalf("flags should be valid: %v", err)
	}
	if err := runReconcile(reconcileCmd, []string{bill}); err != nil {
		t.Fatalf("runReconcile failed: %v", err)
	}

	var report struct {
		Matched         int  `json:"matched"`
		Excluded        int  `json:"excluded"`
		FullyReconciled bool `json:"fully_reconciled"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON report: %v\n%s", err, out.String())
	}
	if report.Matched != 1 || report.Excluded != 1 || !report.FullyReconciled {
		t.Errorf("unexpected report: %+v", report)
	}

	reopened, err := ledger.OpenSnapshot(snapshot)
	if err != nil {
		t.Fatalf("failed to reopen snapshot: %v", err)
	}
	if tx, ok := reopened.Transaction("L1"); !ok || !tx.Cleared {
		t.Errorf("expected L1 to be cleared in the snapshot, got %+v", tx)
	}
}

func TestRunReconcile_DryRunLeavesSnapshot(t *testing.T) {
	tmpDir := t.TempDir()
	bill := writeAlipayBill(t, tmpDir)
	snapshot := writeSnapshot(t, tmpDir)

	setViper(t, map[string]interface{}{
		"source":        "alipay",
		"ledger.driver": "memory",
		"ledger.dsn":    snapshot,
		"date":          "2024-03-10",
		"output-format": "console",
		"output-file":   filepath.Join(tmpDir, "report.txt"),
		"no-color":      true,
		"card-account":  []string{},
		"dry-run":       true,
	})
	logger.SetGlobalLogger(logger.Discard())
	reconcileCmd.SetContext(context.Background())

	if err := runReconcile(reconcileCmd, []string{bill}); err != nil {
		t.Fatalf("runReconcile failed: %v", err)
	}

	report, err := os.ReadFile(filepath.Join(tmpDir, "report.txt"))
	if err != nil {
		t.Fatalf("expected report file: %v", err)
	}
	if !strings.Contains(string(report), "Dry run") {
		t.Errorf("expected dry run notice in report\n%s", report)
	}

	reopened, err := ledger.OpenSnapshot(snapshot)
	if err != nil {
		t.Fatalf("failed to reopen snapshot: %v", err)
	}
	if tx, _ := reopened.Transaction("L1"); tx.Cleared {
		t.Error("dry run should not clear ledger transactions")
	}
}

func TestRunReconcile_UnknownAccount(t *testing.T) {
	tmpDir := t.TempDir()
	bill := writeAlipayBill(t, tmpDir)

	setViper(t, map[string]interface{}{
		"source":        "alipay",
		"ledger.driver": "memory",
		"ledger.dsn":    "",
		"date":          "2024-03-10",
		"output-format": "console",
		"output-file":   "",
		"no-color":      true,
		"card-account":  []string{},
		"dry-run":       false,
	})
	logger.SetGlobalLogger(logger.Discard())

	var out bytes.Buffer
	reconcileCmd.SetOut(&out)
	reconcileCmd.SetContext(context.Background())
	t.Cleanup(func() { reconcileCmd.SetOut(nil) })

	err := runReconcile(reconcileCmd, []string{bill})
	if err == nil {
		t.Fatal("expected the wallet batch to fail on an empty ledger")
	}
	handler := &CLIErrorHandler{logger: logger.Discard(), out: &bytes.Buffer{}}
	if code := handler.HandleError(err); code != 5 {
		t.Errorf("expected exit code 5, got %d", code)
	}
}

func TestSourcesCommand(t *testing.T) {
	var out bytes.Buffer
	sourcesCmd.SetOut(&out)
	t.Cleanup(func() { sourcesCmd.SetOut(nil) })

	if err := sourcesCmd.RunE(sourcesCmd, nil); err != nil {
		t.Fatalf("sources failed: %v", err)
	}
	for _, want := range []string{"alipay", "per record", "abc", "per card", "nbcb"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in\n%s", want, out.String())
		}
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
		contains string
	}{
		{name: "nil", err: nil, expected: 0},
		{name: "file", err: errors.FileError(errors.CodeFileNotFound, "/tmp/x.csv", nil), expected: 2, contains: "File error help"},
		{name: "config", err: errors.ConfigurationError(errors.CodeInvalidConfig, "source", "x", nil), expected: 4},
		{name: "ledger", err: errors.LedgerError(errors.CodeLedgerTransport, "query", fmt.Errorf("refused")), expected: 6},
		{
			name:     "summary",
			err:      errors.NewErrorSummary([]*errors.ReconcilerError{errors.AccountError("card 9999", nil)}),
			expected: 5,
			contains: "ledger account not found: card 9999",
		},
		{name: "generic", err: fmt.Errorf("unknown flag: --nope"), expected: 1, contains: "--help"},
		{name: "not exist", err: os.ErrNotExist, expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			handler := &CLIErrorHandler{logger: logger.Discard(), out: &out}
			if code := handler.HandleError(tt.err); code != tt.expected {
				t.Errorf("expected exit code %d, got %d", tt.expected, code)
			}
			if tt.contains != "" && !strings.Contains(out.String(), tt.contains) {
				t.Errorf("expected %q in\n%s", tt.contains, out.String())
			}
		})
	}
}
