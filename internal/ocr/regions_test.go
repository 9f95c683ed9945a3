package ocr

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/errors"
)

func TestParseWechatRegions(t *testing.T) {
	texts := []string{
		"星巴克",
		"-32.00",
		"当前状态支付成功\n支付时间2024年3月2日12:30:45\n商品拿铁\n商户全称星巴克企业管理\n\n支付方式招商银行信用卡(1234)\n交易单号4200000001",
	}

	r, err := ParseWechatRegions(texts, testMappings(), today)
	require.NoError(t, err)
	require.True(t, r.OK())

	e := r.Extraction
	assert.Equal(t, "Starbucks", e.Payee)
	assert.Equal(t, models.Amount(-3200), e.Amount)
	assert.Equal(t, "CMB Credit", e.AccountName)
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 2}, e.Date)
	assert.Equal(t, "拿铁", e.Note)
	assert.Equal(t, "星巴克企业管理", e.FullPayee)
	assert.Equal(t, "4200000001", e.ImportID)
}

func TestParseWechatRegionsMissingPaymentMethod(t *testing.T) {
	_, err := ParseWechatRegions([]string{"星巴克", "-32.00", "支付时间2024年3月2日12:30:45"}, testMappings(), today)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeMissingField))
}

func TestParseWechatRegionsOutcomes(t *testing.T) {
	r, err := ParseWechatRegions([]string{"星巴克", "三十二"}, testMappings(), today)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmbiguousFormat, r.Outcome)

	r, err = ParseWechatRegions([]string{"星巴克", "三十二", "支付方式零钱"}, testMappings(), today)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAmountDetected, r.Outcome)
}

func TestParseWechatRegionsDefaultsDate(t *testing.T) {
	r, err := ParseWechatRegions([]string{"星巴克", "-1.00", "支付方式零钱"}, testMappings(), today)
	require.NoError(t, err)
	assert.Equal(t, today, r.Extraction.Date)
}

func TestNormalizeRegionText(t *testing.T) {
	assert.Equal(t, "星巴克", NormalizeRegionText("星 巴 克\n"))
	assert.Equal(t, "a\nb", NormalizeRegionText("a \nb\n"))
}

func TestCropRegions(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 600, 1200))
	img.Set(10, 560, color.RGBA{R: 255, A: 255})

	crops, err := CropRegions(img, WechatRegions)
	require.NoError(t, err)
	require.Len(t, crops, 3)

	first, err := png.Decode(bytes.NewReader(crops[0]))
	require.NoError(t, err)
	assert.Equal(t, 600, first.Bounds().Dx())
	assert.Equal(t, 80, first.Bounds().Dy())

	r, _, _, _ := first.At(first.Bounds().Min.X+10, first.Bounds().Min.Y+20).RGBA()
	assert.NotZero(t, r, "the marked pixel lands inside the first region")

	last, err := png.Decode(bytes.NewReader(crops[2]))
	require.NoError(t, err)
	assert.Equal(t, 100, last.Bounds().Dy(), "the detail region is clipped to the image")
}
