package ocr

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/models"
)

// PaymentType identifies the app a screenshot was taken from.
type PaymentType string

const (
	PaymentAuto      PaymentType = "auto"
	PaymentAlipay    PaymentType = "alipay"
	PaymentWechat    PaymentType = "wechat"
	PaymentQuickPass PaymentType = "quickpass"
)

// ParsePaymentType parses a payment type name. The empty string means auto.
func ParsePaymentType(s string) (PaymentType, error) {
	switch PaymentType(strings.ToLower(strings.TrimSpace(s))) {
	case "", PaymentAuto:
		return PaymentAuto, nil
	case PaymentAlipay:
		return PaymentAlipay, nil
	case PaymentWechat:
		return PaymentWechat, nil
	case PaymentQuickPass, "unionpay":
		return PaymentQuickPass, nil
	default:
		return "", fmt.Errorf("unsupported payment type '%s': must be auto, alipay, wechat or quickpass", s)
	}
}

// Source returns the record source a payment type maps to.
func (t PaymentType) Source() models.Source {
	switch t {
	case PaymentAlipay:
		return models.SourceAlipay
	case PaymentWechat:
		return models.SourceWechat
	default:
		return models.SourceQuickPass
	}
}

// Outcome tells the caller whether an extraction is usable. The non-OK outcomes
// are expected results that call for another screenshot, not failures.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNoAmountDetected
	OutcomeAmbiguousFormat
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoAmountDetected:
		return "no_amount_detected"
	case OutcomeAmbiguousFormat:
		return "ambiguous_format"
	default:
		return "unknown"
	}
}

// Extraction is the transaction read from one screenshot.
type Extraction struct {
	Type        PaymentType
	Payee       string
	RawPayee    string
	FullPayee   string
	Amount      models.Amount
	AccountName string
	RawAccount  string
	Date        civil.Date
	Note        string
	ImportID    string
}

// LedgerTransaction builds the transaction to insert into accountID.
func (e *Extraction) LedgerTransaction(accountID string) models.LedgerTransaction {
	return models.LedgerTransaction{
		AccountID:     accountID,
		Date:          e.Date,
		Amount:        e.Amount,
		Payee:         e.Payee,
		ImportedPayee: e.FullPayee,
		Notes:         e.Note,
		ImportedID:    e.ImportID,
	}
}

// Result pairs an outcome with the extraction, which is nil unless the outcome is OK.
type Result struct {
	Outcome    Outcome
	Extraction *Extraction
}

// OK reports whether the extraction is usable.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK && r.Extraction != nil
}

// DetectPaymentType looks for the order-number label each app uses.
func DetectPaymentType(blocks []Block) (PaymentType, bool) {
	for _, b := range blocks {
		switch b.Text {
		case "交易单号":
			return PaymentWechat, true
		case "订单号":
			return PaymentAlipay, true
		case "订单编号":
			return PaymentQuickPass, true
		}
	}
	return "", false
}

type format struct {
	amount     *regexp.Regexp
	parseAmt   func(text string) (models.Amount, error)
	scanFields func(blocks []Block, amountAt int, e *Extraction)
}

var quickPassAmountPattern = regexp.MustCompile(`^-?¥?\d+\.\d{2}$`)

var formats = map[PaymentType]format{
	PaymentAlipay:    {amount: amountPattern, parseAmt: models.ParseAmount, scanFields: scanAlipay},
	PaymentWechat:    {amount: amountPattern, parseAmt: models.ParseAmount, scanFields: scanWechat},
	PaymentQuickPass: {amount: quickPassAmountPattern, parseAmt: quickPassAmount, scanFields: scanQuickPass},
}

// Processor extracts transactions from recognized screenshot blocks.
type Processor struct {
	mappings mapping.Mappings
	today    civil.Date
	minScore float64
}

// NewProcessor creates a processor. today fills in screenshots without a readable date.
func NewProcessor(m mapping.Mappings, today civil.Date) *Processor {
	if !today.IsValid() {
		today = civil.DateOf(time.Now())
	}
	return &Processor{mappings: m, today: today, minScore: DefaultMinScore}
}

// Process reads one screenshot. With PaymentAuto the app is detected from the blocks.
func (p *Processor) Process(blocks []Block, pt PaymentType) Result {
	blocks = Filter(blocks, p.minScore)

	if pt == "" || pt == PaymentAuto {
		detected, ok := DetectPaymentType(blocks)
		if !ok {
			return Result{Outcome: OutcomeAmbiguousFormat}
		}
		pt = detected
	}
	f, ok := formats[pt]
	if !ok {
		return Result{Outcome: OutcomeAmbiguousFormat}
	}

	at, ok := DetectAmount(blocks, f.amount, p.minScore)
	if !ok {
		return Result{Outcome: OutcomeNoAmountDetected}
	}
	amount, err := f.parseAmt(blocks[at].Text)
	if err != nil {
		return Result{Outcome: OutcomeNoAmountDetected}
	}

	e := &Extraction{Type: pt, Amount: amount}
	if at > 0 {
		e.RawPayee = Reconstruct(blocks, at-1)
	}
	f.scanFields(blocks, at, e)

	p.finish(e)
	return Result{Outcome: OutcomeOK, Extraction: e}
}

func (p *Processor) finish(e *Extraction) {
	e.Payee = p.mappings.Payee(e.RawPayee)
	e.AccountName = p.mappings.Account(e.RawAccount)
	if !e.Date.IsValid() {
		e.Date = p.today
	}
}

func scanAlipay(blocks []Block, _ int, e *Extraction) {
	for i, b := range blocks {
		next := textAt(blocks, i+1)
		switch b.Text {
		case "创建时间", "支付时间":
			e.Date = parseDate("2006-01-0215:04:05", next)
		case "付款方式", "退款方式":
			e.RawAccount = strings.TrimSpace(strings.ReplaceAll(next, ">", ""))
		case "缴费说明", "商品说明":
			e.Note = next
		case "收款方全称":
			e.FullPayee = next
		case "订单号":
			e.ImportID = next
		}
	}
}

func scanWechat(blocks []Block, amountAt int, e *Extraction) {
	var note []string
	collecting := false
	for i, b := range blocks {
		if collecting && i != amountAt {
			if b.Text == "收单机构" || b.Text == "商户全称" {
				collecting = false
			} else {
				note = append(note, b.Text)
			}
		}

		next := textAt(blocks, i+1)
		switch b.Text {
		case "支付时间":
			e.Date = parseDate("2006年1月2日15:04:05", next)
		case "商品":
			collecting = true
		case "商户全称":
			e.FullPayee = next
		case "支付方式":
			e.RawAccount = closeBracket(next, "(", ")")
		case "交易单号":
			e.ImportID = next
		}
	}
	e.Note = strings.Join(note, "")
}

func scanQuickPass(blocks []Block, _ int, e *Extraction) {
	for i, b := range blocks {
		next := textAt(blocks, i+1)
		switch b.Text {
		case "付款方式":
			e.RawAccount = closeBracket(next, "[", "]")
		case "订单时间":
			e.Date = parseDate("2006年1月2日 15:04:05", next)
		case "订单编号":
			e.ImportID = next
		}
	}
}

// quickPassAmount reads QuickPass amounts, where a ¥ prefix marks a payment.
func quickPassAmount(text string) (models.Amount, error) {
	amount, err := models.ParseAmount(text)
	if err != nil {
		return 0, err
	}
	if strings.Contains(text, "¥") {
		return amount.Abs().Neg(), nil
	}
	return amount, nil
}

func textAt(blocks []Block, i int) string {
	if i < 0 || i >= len(blocks) {
		return ""
	}
	return blocks[i].Text
}

// closeBracket repairs a value whose closing bracket was cut off by the screen edge.
func closeBracket(s, open, close string) string {
	if strings.Contains(s, open) && !strings.HasSuffix(s, close) {
		return s + close
	}
	return s
}

func parseDate(layout, value string) civil.Date {
	t, err := time.Parse(layout, strings.TrimSpace(value))
	if err != nil {
		return civil.Date{}
	}
	return civil.DateOf(t)
}
