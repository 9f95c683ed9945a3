package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/matcher"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/parsers"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Test fixtures and test data setup

const abcStatementHTML = `<html><body>
<table>
<tr><td></td><td>交易日</td><td>入账日期</td><td>卡号后四位</td><td>交易摘要</td><td>交易地点</td><td>交易金额/币种</td><td>入账金额/币种</td></tr>
<tr><td></td><td>20240301</td><td>20240302</td><td>1234</td><td>消费</td><td>上海</td><td>-25.00/CNY</td><td>-25.00/CNY</td></tr>
<tr><td></td><td>20240305</td><td>20240305</td><td>1234</td><td>刷卡金转入</td><td></td><td>8.80/CNY</td><td>8.80/CNY</td></tr>
<tr><td></td><td>20240303</td><td>20240303</td><td>9999</td><td>消费</td><td>北京</td><td>-10.00/CNY</td><td>-10.00/CNY</td></tr>
</table>
</body></html>`

func day(d int) civil.Date {
	return civil.Date{Year: 2024, Month: 3, Day: d}
}

func createTestLedger(txs ...models.LedgerTransaction) *ledger.Memory {
	return ledger.NewMemory([]models.Account{
		{ID: "abc", Name: "ABC Credit"},
		{ID: "cmb", Name: "CMB Credit"},
		{ID: "alipay", Name: "Alipay Balance"},
	}, txs)
}

func createTestOptions() parsers.Options {
	return parsers.Options{
		Mappings: mapping.New(mapping.Tables{
			CardAccount: map[string]string{"1234": "ABC Credit"},
		}),
		ReferenceDate: day(31),
		Logger:        logger.Discard(),
	}
}

func createTestService(t *testing.T, g ledger.Gateway, config *Config) *Service {
	t.Helper()
	service, err := NewService(g, createTestOptions(), config, logger.Discard())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return service
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func wallet(d int, amount models.Amount, summary, account string) models.CanonicalTransaction {
	return models.NewCanonicalTransaction(models.SourceAlipay, day(d), amount, summary, account, "", nil)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "default", config: DefaultConfig()},
		{name: "missing matching", config: &Config{}, wantErr: true},
		{name: "empty card", config: &Config{Matching: matcher.DefaultConfig(), CardAccounts: map[string]string{"": "X"}}, wantErr: true},
		{name: "empty account", config: &Config{Matching: matcher.DefaultConfig(), CardAccounts: map[string]string{"1234": ""}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewService(t *testing.T) {
	if _, err := NewService(nil, createTestOptions(), nil, logger.Discard()); err == nil {
		t.Error("Expected error for missing gateway")
	}

	service := createTestService(t, createTestLedger(), &Config{
		Matching:     matcher.DefaultConfig(),
		CardAccounts: map[string]string{"9999": "CMB Credit"},
	})
	if name, ok := service.Mappings().CardAccount("9999"); !ok || name != "CMB Credit" {
		t.Errorf("Expected card override to be layered on the mappings, got %q", name)
	}
	if name, _ := service.Mappings().CardAccount("1234"); name != "ABC Credit" {
		t.Errorf("Expected mapped card to survive the override, got %q", name)
	}
}

func TestReconcile_MissingInput(t *testing.T) {
	service := createTestService(t, createTestLedger(), nil)
	_, err := service.Reconcile(context.Background(), Request{
		Source: models.SourceABC,
		Path:   filepath.Join(t.TempDir(), "missing.eml"),
	})
	if !errors.IsCode(err, errors.CodeFileNotFound) {
		t.Errorf("Expected file not found, got %v", err)
	}
}

func TestReconcile_InvalidRequest(t *testing.T) {
	service := createTestService(t, createTestLedger(), nil)
	if _, err := service.Reconcile(context.Background(), Request{Source: models.SourceABC}); err == nil {
		t.Error("Expected error for missing path")
	}
	if _, err := service.Reconcile(context.Background(), Request{Source: "unknown", Path: "x"}); err == nil {
		t.Error("Expected error for unsupported source")
	}
}

func TestReconcile_ABCStatementWithCashback(t *testing.T) {
	g := createTestLedger(
		models.LedgerTransaction{ID: "L1", AccountID: "abc", Date: day(1), Amount: -2500},
	)
	service := createTestService(t, g, &Config{
		Matching:       matcher.DefaultConfig(),
		CardAccounts:   map[string]string{"9999": "CMB Credit"},
		AppendCashback: true,
	})

	result, err := service.Reconcile(context.Background(), Request{
		Source: models.SourceABC,
		Path:   writeFile(t, "statement.html", abcStatementHTML),
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if result.Records != 3 || len(result.Batches) != 2 {
		t.Fatalf("Expected 3 records in 2 batches, got %d in %d", result.Records, len(result.Batches))
	}
	first, second := result.Batches[0], result.Batches[1]
	if first.Card != "1234" || second.Card != "9999" {
		t.Errorf("Expected cards in ascending order, got %s, %s", first.Card, second.Card)
	}
	if first.AccountName != "ABC Credit" || first.Name != "abc/1234" {
		t.Errorf("Unexpected first batch: %s -> %s", first.Name, first.AccountName)
	}

	if tx, _ := g.Transaction("L1"); !tx.Cleared {
		t.Error("Expected the matched purchase to be cleared")
	}
	if len(first.Result.Unmatched) != 1 || first.Result.Unmatched[0].Summary != parsers.CashbackSummary {
		t.Fatalf("Expected the cashback credit to stay unmatched, got %v", first.Result.Unmatched)
	}
	if len(first.Inserted) != 1 {
		t.Fatalf("Expected 1 appended cashback, got %d", len(first.Inserted))
	}
	appended, ok := g.Transaction(first.Inserted[0].ID)
	if !ok {
		t.Fatal("Expected the cashback to be in the ledger")
	}
	if appended.Payee != parsers.CashbackPayee || appended.Notes != parsers.CashbackSummary || appended.Amount != 880 || appended.AccountID != "abc" {
		t.Errorf("Unexpected appended transaction: %+v", appended)
	}

	if len(second.Inserted) != 0 {
		t.Error("Expected no append flow outside ABC cashback records")
	}
	if result.FullyReconciled() {
		t.Error("Expected unmatched records to be reported")
	}
	if result.Errors() != nil {
		t.Errorf("Expected no batch errors, got %v", result.Errors())
	}
}

func TestReconcile_UnresolvedCardFailsOnlyItsBatch(t *testing.T) {
	g := createTestLedger(
		models.LedgerTransaction{ID: "L1", AccountID: "abc", Date: day(1), Amount: -2500},
	)
	config := DefaultConfig()
	config.AppendCashback = false
	service := createTestService(t, g, config)

	result, err := service.Reconcile(context.Background(), Request{
		Source: models.SourceABC,
		Path:   writeFile(t, "statement.html", abcStatementHTML),
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	failed := result.Batches[1]
	if !failed.Failed() || failed.Result != nil {
		t.Fatal("Expected the unmapped card batch to fail")
	}
	if failed.Err.Code != errors.CodeAccountNotResolved {
		t.Errorf("Expected account error, got %s", failed.Err.Code)
	}
	if failed.Err.Context["card"] != "9999" {
		t.Errorf("Expected failure to name the card, got %v", failed.Err.Context)
	}

	if result.Batches[0].Failed() {
		t.Error("Expected the mapped card batch to succeed")
	}
	if len(result.Batches[0].Inserted) != 0 {
		t.Error("Expected no append when cashback append is disabled")
	}

	summary := result.Errors()
	if summary == nil || summary.GetExitCode() != 5 {
		t.Errorf("Expected an error summary with exit code 5, got %v", summary)
	}
}

func TestReconcile_UnknownLedgerAccount(t *testing.T) {
	service := createTestService(t, createTestLedger(), &Config{
		Matching:     matcher.DefaultConfig(),
		CardAccounts: map[string]string{"1234": "Gone", "9999": "CMB Credit"},
	})

	result, err := service.Reconcile(context.Background(), Request{
		Source: models.SourceABC,
		Path:   writeFile(t, "statement.html", abcStatementHTML),
	})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !result.Batches[0].Failed() || result.Batches[0].Err.Context["account_name"] != "Gone" {
		t.Errorf("Expected batch to fail naming the missing account, got %v", result.Batches[0].Err)
	}
	if result.Batches[1].Failed() {
		t.Error("Expected the next card to run in the same session")
	}
}

func TestReconcileTransactions_Wallet(t *testing.T) {
	g := createTestLedger(
		models.LedgerTransaction{ID: "L1", AccountID: "alipay", Date: day(2), Amount: -3200},
		models.LedgerTransaction{ID: "L2", AccountID: "cmb", Date: day(2), Amount: -3200},
	)
	service := createTestService(t, g, nil)
	txs := []models.CanonicalTransaction{
		wallet(2, -3200, "拿铁", "CMB Credit"),
		wallet(2, -3200, "拿铁", "Alipay Balance"),
		wallet(3, 888, "红包", ""),
	}
	exclude := func(tx models.CanonicalTransaction) bool { return tx.Account == "" }

	result, err := service.ReconcileTransactions(context.Background(), models.SourceAlipay, txs, exclude)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Batches) != 1 {
		t.Fatalf("Expected a single wallet batch, got %d", len(result.Batches))
	}
	batch := result.Batches[0].Result
	if len(batch.Matched) != 2 || len(batch.Excluded) != 1 {
		t.Errorf("Expected 2 matched and 1 excluded, got %s", batch)
	}
	if batch.Matched[0].Ledger.ID != "L2" || batch.Matched[1].Ledger.ID != "L1" {
		t.Error("Expected each record matched against its own account")
	}
	if !result.FullyReconciled() {
		t.Error("Expected wallet run to be fully reconciled")
	}
}

func TestReconcileTransactions_WalletUnknownAccount(t *testing.T) {
	g := createTestLedger(
		models.LedgerTransaction{ID: "L1", AccountID: "alipay", Date: day(2), Amount: -3200},
	)
	service := createTestService(t, g, nil)
	txs := []models.CanonicalTransaction{
		wallet(2, -3200, "拿铁", "Alipay Balance"),
		wallet(4, -100, "?", "Unknown Card"),
	}

	result, err := service.ReconcileTransactions(context.Background(), models.SourceAlipay, txs, nil)
	if err != nil {
		t.Fatalf("Expected batch failure in the result, got %v", err)
	}
	if !result.Batches[0].Failed() {
		t.Fatal("Expected the wallet batch to fail")
	}
	if tx, _ := g.Transaction("L1"); tx.Cleared {
		t.Error("Expected no cleared flip before all accounts resolve")
	}
	if len(g.Queries()) != 0 {
		t.Error("Expected no ledger query for a failed batch")
	}
}

func TestReconcileTransactions_Empty(t *testing.T) {
	g := createTestLedger()
	service := createTestService(t, g, nil)

	result, err := service.ReconcileTransactions(context.Background(), models.SourceCMB, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Empty() || len(result.Batches) != 0 {
		t.Error("Expected an empty run")
	}
	if len(g.Queries()) != 0 {
		t.Error("Expected no ledger query for an empty run")
	}
}

func TestReconcileTransactions_DryRun(t *testing.T) {
	g := createTestLedger(
		models.LedgerTransaction{ID: "L1", AccountID: "abc", Date: day(1), Amount: -2500},
	)
	config := DefaultConfig()
	config.Matching.DryRun = true
	service := createTestService(t, g, config)

	txs := []models.CanonicalTransaction{
		models.NewCanonicalTransaction(models.SourceABC, day(1), -2500, "消费", "", "1234", nil),
		models.NewCanonicalTransaction(models.SourceABC, day(5), 880, parsers.CashbackSummary, "", "1234", nil),
	}
	result, err := service.ReconcileTransactions(context.Background(), models.SourceABC, txs, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if tx, _ := g.Transaction("L1"); tx.Cleared {
		t.Error("Expected dry run not to clear")
	}
	if len(g.Transactions()) != 1 {
		t.Error("Expected dry run not to insert")
	}
	if !result.DryRun || len(result.Batches[0].Inserted) != 1 || result.Batches[0].Inserted[0].ID != "" {
		t.Error("Expected the planned cashback insert to be reported without an id")
	}
}

type brokenLedger struct {
	*ledger.Memory
}

func (brokenLedger) Query(ctx context.Context, q ledger.Query) ([]models.LedgerTransaction, error) {
	return nil, errors.LedgerError(errors.CodeLedgerTransport, "query", nil)
}

func TestReconcileTransactions_LedgerFailureAborts(t *testing.T) {
	service := createTestService(t, brokenLedger{createTestLedger()}, nil)
	txs := []models.CanonicalTransaction{
		models.NewCanonicalTransaction(models.SourceABC, day(1), -2500, "消费", "", "1234", nil),
	}

	_, err := service.ReconcileTransactions(context.Background(), models.SourceABC, txs, nil)
	if !errors.IsCode(err, errors.CodeLedgerTransport) {
		t.Errorf("Expected ledger transport error to abort the run, got %v", err)
	}
}

func TestPrepare(t *testing.T) {
	unsorted := []models.CanonicalTransaction{wallet(5, -1, "b", "A"), wallet(1, -1, "a", "A"), wallet(5, -1, "c", "A")}

	prepared, err := Prepare(unsorted, logger.Discard())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := []string{prepared[0].Summary, prepared[1].Summary, prepared[2].Summary}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Expected stable date order, got %v", got)
	}
	if unsorted[0].Summary != "b" {
		t.Error("Expected the input slice to be left untouched")
	}

	invalid := []models.CanonicalTransaction{models.NewCanonicalTransaction("", day(1), 1, "", "", "", nil)}
	if _, err := Prepare(invalid, nil); !errors.IsCode(err, errors.CodeInvalidData) {
		t.Errorf("Expected invalid data error, got %v", err)
	}
}
