package ocr

import (
	"bytes"
	"image"
	"image/png"
	"strings"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
)

// defaultRegionWidth is used when the image reports no width.
const defaultRegionWidth = 1000

// Region is a horizontal strip of a screenshot. A zero Width spans the image.
type Region struct {
	Top    int
	Left   int
	Width  int
	Height int
}

// WechatRegions is the layout of a WeChat Pay bill detail page on a
// 1179x2556 phone screenshot: merchant, amount, then the detail rows.
var WechatRegions = []Region{
	{Top: 540, Height: 80},
	{Top: 680, Height: 100},
	{Top: 1100, Height: 550},
}

// CropRegions cuts each region out of img and encodes it as PNG.
// Regions are clipped to the image bounds.
func CropRegions(img image.Image, regions []Region) ([][]byte, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	if width == 0 {
		width = defaultRegionWidth
	}

	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, errors.OCRError(errors.CodeRecognitionFailed, "crop", nil).
			WithContext("reason", "image type does not support cropping")
	}

	out := make([][]byte, 0, len(regions))
	for _, r := range regions {
		w := r.Width
		if w == 0 {
			w = width
		}
		rect := image.Rect(r.Left, r.Top, r.Left+w, r.Top+r.Height).
			Add(bounds.Min).
			Intersect(bounds)

		var buf bytes.Buffer
		if err := png.Encode(&buf, sub.SubImage(rect)); err != nil {
			return nil, errors.OCRError(errors.CodeRecognitionFailed, "crop", err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}

// NormalizeRegionText removes the spaces the recognizer puts between CJK
// characters and the trailing newline.
func NormalizeRegionText(s string) string {
	return strings.TrimSuffix(strings.ReplaceAll(s, " ", ""), "\n")
}

// ParseWechatRegions reads the texts of the three WechatRegions. Each detail
// line starts with a four-character label; 商品 lines carry the note.
// A screenshot without a payment method cannot be booked and is an error.
func ParseWechatRegions(texts []string, m mapping.Mappings, today civil.Date) (Result, error) {
	if len(texts) < len(WechatRegions) {
		return Result{Outcome: OutcomeAmbiguousFormat}, nil
	}
	payee, amountText, details := texts[0], texts[1], texts[2]

	amount, err := models.ParseAmount(amountText)
	if err != nil {
		return Result{Outcome: OutcomeNoAmountDetected}, nil
	}

	e := &Extraction{Type: PaymentWechat, RawPayee: payee, Amount: amount}
	for _, line := range strings.Split(details, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) < 4 {
			if strings.HasPrefix(line, "商品") {
				e.Note = string(runes[2:])
			}
			continue
		}
		value := string(runes[4:])
		switch string(runes[:4]) {
		case "支付时间":
			e.Date = parseDate("2006年1月2日15:04:05", value)
		case "商户全称":
			e.FullPayee = value
		case "支付方式":
			e.RawAccount = value
		case "交易单号":
			e.ImportID = value
		default:
			if strings.HasPrefix(line, "商品") {
				e.Note = string(runes[2:])
			}
		}
	}

	if e.RawAccount == "" {
		return Result{}, errors.ValidationError(errors.CodeMissingField, "支付方式", "", nil).
			WithSuggestion("the payment method row was not recognized; retake the screenshot")
	}

	p := NewProcessor(m, today)
	p.finish(e)
	return Result{Outcome: OutcomeOK, Extraction: e}, nil
}
