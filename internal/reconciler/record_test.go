package reconciler

import (
	"context"
	"testing"

	"ledger-reconciler/internal/ocr"
	"ledger-reconciler/pkg/errors"
)

func createTestExtraction() *ocr.Extraction {
	return &ocr.Extraction{
		Type:        ocr.PaymentAlipay,
		Payee:       "东方超市",
		FullPayee:   "上海东方超市有限公司",
		Amount:      -1200,
		AccountName: "CMB Credit",
		RawAccount:  "招商银行信用卡(1234)",
		Date:        day(9),
		Note:        "日用品",
		ImportID:    "2024030922001",
	}
}

func TestRecordScreenshot(t *testing.T) {
	g := createTestLedger()
	service := createTestService(t, g, nil)

	result, err := service.RecordScreenshot(context.Background(), createTestExtraction())
	if err != nil {
		t.Fatalf("RecordScreenshot failed: %v", err)
	}
	if result.Account.ID != "cmb" {
		t.Errorf("Expected account cmb, got %s", result.Account.ID)
	}

	stored, ok := g.Transaction(result.Transaction.ID)
	if !ok {
		t.Fatal("Expected the transaction to be inserted")
	}
	if stored.Payee != "东方超市" || stored.ImportedPayee != "上海东方超市有限公司" {
		t.Errorf("Unexpected payees: %q / %q", stored.Payee, stored.ImportedPayee)
	}
	if stored.Notes != "日用品" || stored.ImportedID != "2024030922001" {
		t.Errorf("Unexpected notes or import id: %+v", stored)
	}
	if stored.Amount != -1200 || stored.Date != day(9) || stored.AccountID != "cmb" {
		t.Errorf("Unexpected transaction: %+v", stored)
	}
}

func TestRecordScreenshot_UnknownAccount(t *testing.T) {
	g := createTestLedger()
	service := createTestService(t, g, nil)

	e := createTestExtraction()
	e.AccountName = "Nowhere"
	_, err := service.RecordScreenshot(context.Background(), e)
	if !errors.IsCode(err, errors.CodeAccountNotResolved) {
		t.Fatalf("Expected account error, got %v", err)
	}
	if len(g.Transactions()) != 0 {
		t.Error("Expected nothing inserted")
	}
}

func TestRecordScreenshot_MissingAccountAndNil(t *testing.T) {
	service := createTestService(t, createTestLedger(), nil)

	if _, err := service.RecordScreenshot(context.Background(), nil); !errors.IsCode(err, errors.CodeMissingField) {
		t.Errorf("Expected missing field for nil extraction, got %v", err)
	}

	e := createTestExtraction()
	e.AccountName = ""
	if _, err := service.RecordScreenshot(context.Background(), e); !errors.IsCode(err, errors.CodeMissingField) {
		t.Errorf("Expected missing field for empty account, got %v", err)
	}
}

func TestRecordScreenshot_DryRun(t *testing.T) {
	g := createTestLedger()
	config := DefaultConfig()
	config.Matching.DryRun = true
	service := createTestService(t, g, config)

	result, err := service.RecordScreenshot(context.Background(), createTestExtraction())
	if err != nil {
		t.Fatalf("RecordScreenshot failed: %v", err)
	}
	if !result.DryRun || result.Transaction.ID != "" {
		t.Error("Expected a dry-run result without an id")
	}
	if len(g.Transactions()) != 0 {
		t.Error("Expected dry run not to insert")
	}
}
