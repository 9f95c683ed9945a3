package ocr

import (
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/models"
)

var today = civil.Date{Year: 2024, Month: 3, Day: 10}

// column lays texts out top to bottom, 50 pixels apart.
func column(texts ...string) []Block {
	blocks := make([]Block, len(texts))
	for i, text := range texts {
		blocks[i] = line(text, float64(i*50))
	}
	return blocks
}

func testMappings() mapping.Mappings {
	return mapping.New(mapping.Tables{
		Account: map[string]string{"招商银行信用卡(1234)": "CMB Credit"},
		Payee:   map[string]string{"星巴克": "Starbucks"},
	})
}

func TestProcessAlipay(t *testing.T) {
	blocks := column(
		"星巴克", "-32.00", "交易成功",
		"支付时间", "2024-03-0212:30:45",
		"付款方式", "招商银行信用卡(1234)>",
		"商品说明", "拿铁",
		"收款方全称", "星巴克企业管理(中国)有限公司",
		"订单号", "2024030222001",
	)

	r := NewProcessor(testMappings(), today).Process(blocks, PaymentAuto)
	require.True(t, r.OK())

	e := r.Extraction
	assert.Equal(t, PaymentAlipay, e.Type)
	assert.Equal(t, models.Amount(-3200), e.Amount)
	assert.Equal(t, "Starbucks", e.Payee)
	assert.Equal(t, "星巴克", e.RawPayee)
	assert.Equal(t, "CMB Credit", e.AccountName)
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 2}, e.Date)
	assert.Equal(t, "拿铁", e.Note)
	assert.Equal(t, "星巴克企业管理(中国)有限公司", e.FullPayee)
	assert.Equal(t, "2024030222001", e.ImportID)
}

func TestProcessWechat(t *testing.T) {
	blocks := column(
		"早餐店", "-6.50", "当前状态", "支付成功",
		"支付时间", "2024年3月5日08:01:02",
		"商品", "包子", "豆浆",
		"商户全称", "某某餐饮店",
		"收单机构", "财付通",
		"支付方式", "招商银行信用卡(1234",
		"交易单号", "4200000001",
	)

	r := NewProcessor(testMappings(), today).Process(blocks, PaymentAuto)
	require.True(t, r.OK())

	e := r.Extraction
	assert.Equal(t, PaymentWechat, e.Type)
	assert.Equal(t, models.Amount(-650), e.Amount)
	assert.Equal(t, "包子豆浆", e.Note)
	assert.Equal(t, "CMB Credit", e.AccountName, "the cut-off bracket is closed before mapping")
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 5}, e.Date)
	assert.Equal(t, "某某餐饮店", e.FullPayee)
	assert.Equal(t, "4200000001", e.ImportID)
}

func TestProcessQuickPass(t *testing.T) {
	blocks := column(
		"便利店", "¥15.00",
		"付款方式", "招商银行[1234",
		"订单时间", "2024年3月1日 19:20:00",
		"订单编号", "QP0001",
	)

	r := NewProcessor(mapping.Empty(), today).Process(blocks, PaymentAuto)
	require.True(t, r.OK())

	e := r.Extraction
	assert.Equal(t, PaymentQuickPass, e.Type)
	assert.Equal(t, models.Amount(-1500), e.Amount)
	assert.Equal(t, "招商银行[1234]", e.AccountName)
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 1}, e.Date)
	assert.Equal(t, "QP0001", e.ImportID)
}

func TestProcessOutcomes(t *testing.T) {
	p := NewProcessor(mapping.Empty(), today)

	r := p.Process(column("星巴克", "-32.00"), PaymentAuto)
	assert.Equal(t, OutcomeAmbiguousFormat, r.Outcome)
	assert.Nil(t, r.Extraction)

	r = p.Process(column("星巴克", "交易成功", "订单号", "1"), PaymentAuto)
	assert.Equal(t, OutcomeNoAmountDetected, r.Outcome)
	assert.False(t, r.OK())
}

func TestProcessMissingDateUsesToday(t *testing.T) {
	r := NewProcessor(mapping.Empty(), today).Process(column("星巴克", "-1.00", "订单号", "1"), PaymentAlipay)
	require.True(t, r.OK())
	assert.Equal(t, today, r.Extraction.Date)
}

func TestProcessLabelAtEnd(t *testing.T) {
	r := NewProcessor(mapping.Empty(), today).Process(column("星巴克", "-1.00", "订单号"), PaymentAlipay)
	require.True(t, r.OK())
	assert.Empty(t, r.Extraction.ImportID)
}

func TestDetectPaymentType(t *testing.T) {
	tests := []struct {
		label string
		want  PaymentType
	}{
		{"交易单号", PaymentWechat},
		{"订单号", PaymentAlipay},
		{"订单编号", PaymentQuickPass},
	}
	for _, tt := range tests {
		got, ok := DetectPaymentType(column("x", tt.label))
		assert.True(t, ok)
		assert.Equal(t, tt.want, got)
	}

	_, ok := DetectPaymentType(column("x", "y"))
	assert.False(t, ok)
}

func TestParsePaymentType(t *testing.T) {
	got, err := ParsePaymentType("")
	require.NoError(t, err)
	assert.Equal(t, PaymentAuto, got)

	got, err = ParsePaymentType("UnionPay")
	require.NoError(t, err)
	assert.Equal(t, PaymentQuickPass, got)

	_, err = ParsePaymentType("paypal")
	assert.Error(t, err)
}

func TestExtractionLedgerTransaction(t *testing.T) {
	e := &Extraction{Payee: "Starbucks", FullPayee: "星巴克企业管理", Amount: -3200, Date: today, Note: "拿铁", ImportID: "A1"}
	tx := e.LedgerTransaction("acct-1")

	assert.Equal(t, "acct-1", tx.AccountID)
	assert.Equal(t, models.Amount(-3200), tx.Amount)
	assert.Equal(t, "星巴克企业管理", tx.ImportedPayee)
	assert.Equal(t, "A1", tx.ImportedID)
	assert.False(t, tx.Cleared)
}
