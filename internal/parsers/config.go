package parsers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/pkg/logger"
)

// Encoding selects how raw input bytes are decoded.
type Encoding string

const (
	EncodingAuto Encoding = "auto"
	EncodingUTF8 Encoding = "utf-8"
	EncodingGBK  Encoding = "gbk"
)

// ParseEncoding parses an encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return EncodingAuto, nil
	case "utf-8", "utf8":
		return EncodingUTF8, nil
	case "gbk", "gb2312", "gb18030":
		return EncodingGBK, nil
	default:
		return "", fmt.Errorf("unsupported encoding '%s': must be auto, utf-8 or gbk", s)
	}
}

// ParseConfig holds configuration for reading tabular input
type ParseConfig struct {
	Encoding         Encoding
	SkipLines        int
	Delimiter        rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		Encoding:         EncodingAuto,
		SkipLines:        0,
		Delimiter:        ',',
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
	}
}

// Validate checks the configuration
func (c *ParseConfig) Validate() error {
	if c.SkipLines < 0 {
		return fmt.Errorf("skip lines cannot be negative")
	}
	if c.Delimiter == 0 {
		return fmt.Errorf("delimiter cannot be empty")
	}
	if _, err := ParseEncoding(string(c.Encoding)); err != nil {
		return err
	}
	return nil
}

// Options carries run-scoped inputs shared by all adapters.
type Options struct {
	// Mappings remaps source-side labels. The zero value passes labels through.
	Mappings mapping.Mappings
	// ReferenceDate anchors formats that omit the year. Defaults to today.
	ReferenceDate civil.Date
	// Encoding overrides input decoding where the format allows it.
	Encoding Encoding
	Logger   logger.Logger
}

func (o Options) withDefaults() Options {
	if !o.ReferenceDate.IsValid() {
		o.ReferenceDate = civil.DateOf(time.Now())
	}
	if o.Encoding == "" {
		o.Encoding = EncodingAuto
	}
	if o.Logger == nil {
		o.Logger = logger.GetGlobalLogger()
	}
	return o
}

type adapterFactory func(opts Options) Adapter

var registry = map[models.Source]adapterFactory{
	models.SourceAlipay: func(opts Options) Adapter { return NewAlipayAdapter(opts) },
	models.SourceWechat: func(opts Options) Adapter { return NewWechatAdapter(opts) },
	models.SourceABC:    func(opts Options) Adapter { return NewABCAdapter(opts) },
	models.SourceCMB:    func(opts Options) Adapter { return NewCMBAdapter(opts) },
	models.SourceBOCOM:  func(opts Options) Adapter { return NewBOCOMAdapter(opts) },
	models.SourceCMBPDF: func(opts Options) Adapter { return NewCMBPDFAdapter(opts) },
	models.SourceNBCB:   func(opts Options) Adapter { return NewNBCBAdapter(opts) },
}

var descriptions = map[models.Source]string{
	models.SourceAlipay: "Alipay personal bill CSV export",
	models.SourceWechat: "WeChat Pay bill CSV export",
	models.SourceABC:    "Agricultural Bank of China credit-card statement e-mail",
	models.SourceCMB:    "China Merchants Bank credit-card statement e-mail",
	models.SourceBOCOM:  "Bank of Communications credit-card statement e-mail",
	models.SourceCMBPDF: "China Merchants Bank debit-card statement PDF",
	models.SourceNBCB:   "Bank of Ningbo web statement JSON",
}

// NewAdapter returns the adapter for a source.
func NewAdapter(src models.Source, opts Options) (Adapter, error) {
	factory, ok := registry[src]
	if !ok {
		return nil, fmt.Errorf("unsupported source '%s': must be one of %s", src, strings.Join(SourceNames(), ", "))
	}
	return factory(opts.withDefaults()), nil
}

// SourceNames lists the supported sources in alphabetical order.
func SourceNames() []string {
	names := make([]string, 0, len(registry))
	for src := range registry {
		names = append(names, string(src))
	}
	sort.Strings(names)
	return names
}

// Describe returns a one-line description of a source.
func Describe(src models.Source) string {
	return descriptions[src]
}

// IsWalletSource reports whether a source resolves accounts per record
// rather than per card.
func IsWalletSource(src models.Source) bool {
	return src == models.SourceAlipay || src == models.SourceWechat
}
