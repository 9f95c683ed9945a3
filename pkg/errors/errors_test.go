package errors

import (
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestConstructorsByFailure(t *testing.T) {
	refused := fmt.Errorf("dial tcp 127.0.0.1:5432: connect: connection refused")

	tests := []struct {
		name       string
		err        *ReconcilerError
		category   ErrorCategory
		code       ErrorCode
		message    string
		contextKey string
		contextVal interface{}
		exitCode   int
		cause      error
	}{
		{
			name:       "statement file missing",
			err:        FileError(CodeFileNotFound, "/tmp/alipay.csv", os.ErrNotExist),
			category:   CategoryFile,
			code:       CodeFileNotFound,
			message:    "input file not found: /tmp/alipay.csv",
			contextKey: "file_path",
			contextVal: "/tmp/alipay.csv",
			exitCode:   2,
			cause:      os.ErrNotExist,
		},
		{
			name:       "corrupt statement pdf",
			err:        FileError(CodeFileCorrupted, "cmb.pdf", nil),
			category:   CategoryFile,
			code:       CodeFileCorrupted,
			message:    "input file is unreadable: cmb.pdf",
			contextKey: "file_path",
			contextVal: "cmb.pdf",
			exitCode:   2,
		},
		{
			name:       "wallet export without amount column",
			err:        ParseError(CodeMissingColumn, "wechat.csv", 17, "金额(元)", "", nil),
			category:   CategoryParse,
			code:       CodeMissingColumn,
			message:    "missing required column '金额(元)' in wechat.csv",
			contextKey: "line",
			contextVal: 17,
			exitCode:   3,
		},
		{
			name:       "bank amount cell",
			err:        ValidationError(CodeInvalidAmount, "交易金额", "n/a/CNY", nil),
			category:   CategoryValidation,
			code:       CodeInvalidAmount,
			message:    "invalid amount in field '交易金额': n/a/CNY",
			contextKey: "field",
			contextVal: "交易金额",
			exitCode:   3,
		},
		{
			name:       "unknown ledger driver",
			err:        ConfigurationError(CodeInvalidConfig, "ledger.driver", "mysql", nil),
			category:   CategoryConfiguration,
			code:       CodeInvalidConfig,
			message:    "invalid configuration for 'ledger.driver': mysql",
			contextKey: "setting",
			contextVal: "ledger.driver",
			exitCode:   4,
		},
		{
			name:       "card without ledger account",
			err:        AccountError("card 9999", nil),
			category:   CategoryAccount,
			code:       CodeAccountNotResolved,
			message:    "ledger account not found: card 9999",
			contextKey: "account_name",
			contextVal: "card 9999",
			exitCode:   5,
		},
		{
			name:       "ledger unreachable while querying the window",
			err:        LedgerError(CodeLedgerTransport, "query", refused),
			category:   CategoryLedger,
			code:       CodeLedgerTransport,
			message:    "ledger transport error during query",
			contextKey: "operation",
			contextVal: "query",
			exitCode:   6,
			cause:      refused,
		},
		{
			name:       "cnocr server down",
			err:        OCRError(CodeServiceUnavailable, "http://localhost:8501/ocr", nil),
			category:   CategoryOCR,
			code:       CodeServiceUnavailable,
			message:    "recognition service unavailable: http://localhost:8501/ocr",
			contextKey: "endpoint",
			contextVal: "http://localhost:8501/ocr",
			exitCode:   6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, tt.err.Category)
			}
			if tt.err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, tt.err.Code)
			}
			if tt.err.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, tt.err.Message)
			}
			if tt.err.Context[tt.contextKey] != tt.contextVal {
				t.Errorf("expected %s context %v, got %v", tt.contextKey, tt.contextVal, tt.err.Context[tt.contextKey])
			}
			if tt.err.Suggestion == "" {
				t.Error("expected a suggestion for the operator")
			}
			if got := tt.err.GetExitCode(); got != tt.exitCode {
				t.Errorf("expected exit code %d, got %d", tt.exitCode, got)
			}
			if tt.cause != nil && !Is(tt.err, tt.cause) {
				t.Errorf("expected %v in the chain of %v", tt.cause, tt.err)
			}
			if !strings.HasPrefix(tt.err.Error(), tt.message+" (suggestion: ") {
				t.Errorf("unexpected error string %q", tt.err.Error())
			}
		})
	}
}

func TestMissingSettingMessage(t *testing.T) {
	err := ConfigurationError(CodeMissingConfig, "source", "", nil)
	if err.Message != "missing required configuration: source" {
		t.Errorf("unexpected message %q", err.Message)
	}
	if !strings.Contains(err.Suggestion, "RECONCILER_") {
		t.Errorf("expected the environment prefix in the suggestion, got %q", err.Suggestion)
	}
}

func TestWithContextAndSuggestion(t *testing.T) {
	err := New(CategoryReconciliation, CodeBatchFailed, "batch abc/1234 failed").
		WithContext("card", "1234").
		WithContext("records", 12).
		WithSuggestion("assign the card with --card-account")

	if err.Context["card"] != "1234" || err.Context["records"] != 12 {
		t.Errorf("unexpected context %v", err.Context)
	}
	expected := "batch abc/1234 failed (suggestion: assign the card with --card-account)"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if len(err.StackTrace) == 0 {
		t.Error("expected a captured stack trace")
	}
}

func TestBatchFailureSummary(t *testing.T) {
	summary := NewErrorSummary([]*ReconcilerError{
		AccountError("card 9999", nil),
		AccountError("card 0001", nil),
		LedgerError(CodeLedgerRejected, "insert", fmt.Errorf("duplicate id")),
	})

	if summary.Total != 3 {
		t.Errorf("expected total 3, got %d", summary.Total)
	}
	if summary.ByCategory[CategoryAccount] != 2 {
		t.Errorf("expected 2 account errors, got %d", summary.ByCategory[CategoryAccount])
	}
	if !summary.HasCode(CodeLedgerRejected) || summary.HasCode(CodeFileNotFound) {
		t.Errorf("unexpected codes %v", summary.ByCode)
	}
	if !summary.HasCategory(CategoryLedger) || summary.HasCategory(CategoryOCR) {
		t.Errorf("unexpected categories %v", summary.ByCategory)
	}
	if got := summary.GetExitCode(); got != 6 {
		t.Errorf("expected the ledger exit code 6 to win, got %d", got)
	}
	if !strings.HasPrefix(summary.Error(), "3 errors occurred: ledger account not found: card 9999") {
		t.Errorf("unexpected summary %q", summary.Error())
	}
}

func TestSummarySizes(t *testing.T) {
	empty := NewErrorSummary(nil)
	if empty.Total != 0 || empty.Error() != "no errors" || empty.GetExitCode() != 0 {
		t.Errorf("unexpected empty summary: %d %q %d", empty.Total, empty.Error(), empty.GetExitCode())
	}

	single := NewErrorSummary([]*ReconcilerError{AccountError("招商银行信用卡(1234)", nil)})
	if single.Error() != single.Errors[0].Error() {
		t.Errorf("expected the single error's message, got %q", single.Error())
	}
	if single.GetExitCode() != 5 {
		t.Errorf("expected exit code 5, got %d", single.GetExitCode())
	}

	many := make([]*ReconcilerError, 8)
	for i := range many {
		many[i] = AccountError(fmt.Sprintf("card %04d", i), nil)
	}
	if got := len(NewErrorSummary(many).SampleErrors); got != 5 {
		t.Errorf("expected 5 sample errors, got %d", got)
	}
}

func TestLookupHelpers(t *testing.T) {
	accountErr := AccountError("card 9999", nil)
	wrapped := fmt.Errorf("batch abc/9999: %w", accountErr)
	plain := fmt.Errorf("unknown flag: --nope")

	tests := []struct {
		name      string
		err       error
		isDirect  bool
		extracted bool
		isAccount bool
	}{
		{name: "direct", err: accountErr, isDirect: true, extracted: true, isAccount: true},
		{name: "wrapped by the batch loop", err: wrapped, extracted: true, isAccount: true},
		{name: "plain error", err: plain},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsReconcilerError(tt.err); got != tt.isDirect {
				t.Errorf("IsReconcilerError = %v, want %v", got, tt.isDirect)
			}
			got, ok := AsReconcilerError(tt.err)
			if ok != tt.extracted {
				t.Errorf("AsReconcilerError ok = %v, want %v", ok, tt.extracted)
			}
			if ok && got != accountErr {
				t.Errorf("expected the account error, got %v", got)
			}
			if IsCode(tt.err, CodeAccountNotResolved) != tt.isAccount {
				t.Errorf("IsCode = %v, want %v", !tt.isAccount, tt.isAccount)
			}
		})
	}

	var target *ReconcilerError
	if !As(wrapped, &target) || target.Code != CodeAccountNotResolved {
		t.Errorf("expected As to find the account error, got %v", target)
	}
}

func TestWrapIfNeeded(t *testing.T) {
	accountErr := AccountError("card 9999", nil)
	if got := WrapIfNeeded(accountErr, CategoryLedger, CodeLedgerTransport, "query"); got != accountErr {
		t.Error("expected a categorized error to pass through unchanged")
	}

	refused := fmt.Errorf("connection refused")
	got := WrapIfNeeded(refused, CategoryLedger, CodeLedgerTransport, "ledger query failed")
	if got.Category != CategoryLedger || got.Cause != refused || got.Message != "ledger query failed" {
		t.Errorf("unexpected wrap: %+v", got)
	}

	if WrapIfNeeded(nil, CategoryLedger, CodeLedgerTransport, "query") != nil {
		t.Error("expected nil for a nil error")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		category     ErrorCategory
		expectedCode int
	}{
		{CategoryFile, 2},
		{CategoryParse, 3},
		{CategoryValidation, 3},
		{CategoryConfiguration, 4},
		{CategoryReconciliation, 5},
		{CategoryAccount, 5},
		{CategoryInternal, 5},
		{CategoryLedger, 6},
		{CategoryOCR, 6},
		{ErrorCategory("unknown"), 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := New(tt.category, CodeUnexpectedError, "failed")
			if err.GetExitCode() != tt.expectedCode {
				t.Errorf("expected exit code %d for category %s, got %d",
					tt.expectedCode, tt.category, err.GetExitCode())
			}
		})
	}
}
