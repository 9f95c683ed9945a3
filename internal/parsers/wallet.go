package parsers

import (
	"context"
	"strings"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Alipay export columns.
const (
	alipayTime          = "交易时间"
	alipayCategory      = "交易分类"
	alipayCounterparty  = "交易对方"
	alipayDescription   = "商品说明"
	alipayDirection     = "收/支"
	alipayAmount        = "金额"
	alipayPaymentMethod = "收/付款方式"
	alipayOrderID       = "交易订单号"
	alipayRemark        = "备注"

	alipayPreambleLines = 24
)

// WeChat Pay export columns.
const (
	wechatTime          = "交易时间"
	wechatType          = "交易类型"
	wechatCounterparty  = "交易对方"
	wechatGoods         = "商品"
	wechatDirection     = "收/支"
	wechatAmount        = "金额(元)"
	wechatPaymentMethod = "支付方式"
	wechatOrderID       = "交易单号"
	wechatRemark        = "备注"

	wechatPreambleLines = 16
)

const (
	directionExpense = "支出"
	directionNeutral = "不计收支"
)

// walletDateLayouts are tried in order against the date part of 交易时间.
var walletDateLayouts = []string{"2006-01-02", "2006/1/2", "2006/01/02"}

// AlipayAdapter reads Alipay bill exports. Accounts are resolved per record
// from the payment method column.
type AlipayAdapter struct {
	*BaseParser
	mappings mapping.Mappings
	logger   logger.Logger
}

// NewAlipayAdapter creates an Alipay adapter
func NewAlipayAdapter(opts Options) *AlipayAdapter {
	opts = opts.withDefaults()
	cfg := DefaultParseConfig()
	cfg.SkipLines = alipayPreambleLines
	cfg.Encoding = opts.Encoding
	return &AlipayAdapter{
		BaseParser: NewBaseParser(cfg, opts.Logger),
		mappings:   opts.Mappings,
		logger:     opts.Logger.WithComponent("alipay_parser"),
	}
}

// Source implements Adapter
func (a *AlipayAdapter) Source() models.Source { return models.SourceAlipay }

// ExcludePolicy skips records without a payment method (store-card balances),
// red-packet transfers and balance moves into 余额宝.
func (a *AlipayAdapter) ExcludePolicy() models.ExcludePolicy {
	return func(t models.CanonicalTransaction) bool {
		method := t.Ext(models.ExtPaymentMethod)
		category := t.Ext(models.ExtCategory)
		if method == "" || category == "转账红包" {
			return true
		}
		return category == "投资理财" && t.Ext(models.ExtCounterparty) == "余额宝" && method == "账户余额"
	}
}

// Parse implements Adapter
func (a *AlipayAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	stats := NewParseStats()
	var txs []models.CanonicalTransaction

	required := []string{alipayTime, alipayDirection, alipayAmount, alipayPaymentMethod}
	err := a.EachRecord(ctx, path, required, func(pc *ParseContext, record []string) error {
		stats.TotalRows++
		row := make(map[string]string, len(pc.Headers))
		for _, h := range pc.Headers {
			row[h] = a.GetFieldValue(record, pc, h)
		}
		tx, err := AlipayRow(row, a.mappings)
		if err != nil {
			return withLocation(err, path, pc.LineNumber)
		}
		txs = append(txs, tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logger.Fields{"file": path, "records": len(txs)}).Info("Parsed Alipay bill")
	return newResult(models.SourceAlipay, txs, stats), nil
}

// AlipayRow converts one Alipay row, keyed by column name.
func AlipayRow(row map[string]string, m mapping.Mappings) (models.CanonicalTransaction, error) {
	date, err := walletDate(row[alipayTime])
	if err != nil {
		return models.CanonicalTransaction{}, err
	}
	amount, err := models.ParseAmount(row[alipayAmount])
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidAmount, alipayAmount, row[alipayAmount], err)
	}
	amount = amount.Abs()

	direction := row[alipayDirection]
	category := row[alipayCategory]
	switch {
	case direction == directionExpense:
		amount = amount.Neg()
	case direction == directionNeutral && category == "投资理财" && strings.Contains(row[alipayDescription], "买入"):
		// a fund purchase is a transfer out of the paying account
		amount = amount.Neg()
	}

	method := row[alipayPaymentMethod]
	// the first segment is the real payment method, the rest are promotions
	rawAccount, _, _ := strings.Cut(method, "&")

	ext := models.Extensions{
		models.ExtPaymentMethod: method,
		models.ExtCategory:      category,
		models.ExtCounterparty:  row[alipayCounterparty],
		models.ExtNote:          row[alipayDescription],
		models.ExtDirection:     direction,
		models.ExtImportID:      row[alipayOrderID],
		models.ExtTime:          row[alipayTime],
	}
	if category != "" {
		ext[models.ExtLedgerCategory] = m.Category(category)
	}
	if r := row[alipayRemark]; r != "" {
		ext[models.ExtRemark] = r
	}

	summary := row[alipayCounterparty]
	if d := row[alipayDescription]; d != "" {
		summary = strings.TrimSpace(summary + " " + d)
	}

	return models.NewCanonicalTransaction(models.SourceAlipay, date, amount, summary,
		m.Account(strings.TrimSpace(rawAccount)), "", ext), nil
}

// WechatAdapter reads WeChat Pay bill exports.
type WechatAdapter struct {
	*BaseParser
	mappings mapping.Mappings
	logger   logger.Logger
}

// NewWechatAdapter creates a WeChat Pay adapter
func NewWechatAdapter(opts Options) *WechatAdapter {
	opts = opts.withDefaults()
	cfg := DefaultParseConfig()
	cfg.SkipLines = wechatPreambleLines
	cfg.Encoding = opts.Encoding
	return &WechatAdapter{
		BaseParser: NewBaseParser(cfg, opts.Logger),
		mappings:   opts.Mappings,
		logger:     opts.Logger.WithComponent("wechat_parser"),
	}
}

// Source implements Adapter
func (w *WechatAdapter) Source() models.Source { return models.SourceWechat }

// ExcludePolicy implements Adapter. WeChat exports have no excluded rows.
func (w *WechatAdapter) ExcludePolicy() models.ExcludePolicy { return models.ExcludeNone }

// Parse implements Adapter
func (w *WechatAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	stats := NewParseStats()
	var txs []models.CanonicalTransaction

	required := []string{wechatTime, wechatDirection, wechatAmount, wechatPaymentMethod}
	err := w.EachRecord(ctx, path, required, func(pc *ParseContext, record []string) error {
		stats.TotalRows++
		row := make(map[string]string, len(pc.Headers))
		for _, h := range pc.Headers {
			row[h] = w.GetFieldValue(record, pc, h)
		}
		tx, err := WechatRow(row, w.mappings)
		if err != nil {
			return withLocation(err, path, pc.LineNumber)
		}
		txs = append(txs, tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.WithFields(logger.Fields{"file": path, "records": len(txs)}).Info("Parsed WeChat Pay bill")
	return newResult(models.SourceWechat, txs, stats), nil
}

// WechatRow converts one WeChat Pay row, keyed by column name.
func WechatRow(row map[string]string, m mapping.Mappings) (models.CanonicalTransaction, error) {
	date, err := walletDate(row[wechatTime])
	if err != nil {
		return models.CanonicalTransaction{}, err
	}
	amount, err := models.ParseAmount(row[wechatAmount])
	if err != nil {
		return models.CanonicalTransaction{}, errors.ValidationError(errors.CodeInvalidAmount, wechatAmount, row[wechatAmount], err)
	}
	amount = amount.Abs()
	if row[wechatDirection] == directionExpense {
		amount = amount.Neg()
	}

	method := row[wechatPaymentMethod]
	ext := models.Extensions{
		models.ExtPaymentMethod: method,
		models.ExtCategory:      row[wechatType],
		models.ExtCounterparty:  row[wechatCounterparty],
		models.ExtNote:          row[wechatGoods],
		models.ExtDirection:     row[wechatDirection],
		models.ExtImportID:      row[wechatOrderID],
		models.ExtTime:          row[wechatTime],
	}
	if r := row[wechatRemark]; r != "" && r != "/" {
		ext[models.ExtRemark] = r
	}

	summary := row[wechatCounterparty]
	if g := row[wechatGoods]; g != "" && g != "/" {
		summary = strings.TrimSpace(summary + " " + g)
	}

	return models.NewCanonicalTransaction(models.SourceWechat, date, amount, summary,
		m.Account(method), "", ext), nil
}

func walletDate(raw string) (civil.Date, error) {
	day, _, _ := strings.Cut(strings.TrimSpace(raw), " ")
	for _, layout := range walletDateLayouts {
		if d, err := models.ParseDate(layout, day); err == nil {
			return d, nil
		}
	}
	return civil.Date{}, errors.ValidationError(errors.CodeInvalidDate, "交易时间", raw, nil)
}

// withLocation attaches the file and line of the offending row to an error.
func withLocation(err error, file string, line int) error {
	if re, ok := errors.AsReconcilerError(err); ok {
		return re.WithContext("file", file).WithContext("line", line)
	}
	return errors.ParseError(errors.CodeInvalidData, file, line, "row", "", err)
}
