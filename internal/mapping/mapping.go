// Package mapping holds the per-deployment label remap tables that translate
// source-side labels (merchant, account, category, card suffix) into the
// labels used in the ledger.
package mapping

import (
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// fileFormat mirrors the on-disk layout of a mapping file.
type fileFormat struct {
	Account     map[string]string `koanf:"ACCOUNT_NAME_MAP"`
	Payee       map[string]string `koanf:"PAYEE_MAP"`
	Category    map[string]string `koanf:"CATEGORY_MAP"`
	LegacyCat   map[string]string `koanf:"CATEGORP_MAP"`
	CardAccount map[string]string `koanf:"CARD_ACCOUNT_MAP"`
}

// Mappings is an immutable set of remap tables. It is built once per run and
// passed by value; lookups never fail.
type Mappings struct {
	account     map[string]string
	payee       map[string]string
	category    map[string]string
	cardAccount map[string]string
}

// Tables is the mutable input used to build Mappings in code and tests.
type Tables struct {
	Account     map[string]string
	Payee       map[string]string
	Category    map[string]string
	CardAccount map[string]string
}

// New copies the given tables into an immutable Mappings value.
func New(t Tables) Mappings {
	return Mappings{
		account:     copyTable(t.Account),
		payee:       copyTable(t.Payee),
		category:    copyTable(t.Category),
		cardAccount: copyTable(t.CardAccount),
	}
}

// Empty returns mappings that pass every label through unchanged.
func Empty() Mappings {
	return Mappings{}
}

// Load reads a JSON or YAML mapping file. A missing file is not an error:
// it is logged and empty tables are returned.
func Load(path string, log logger.Logger) (Mappings, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	log = log.WithComponent("mapping")

	if strings.TrimSpace(path) == "" {
		log.Debug("No mapping file configured")
		return Empty(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.WithField("path", path).Warn("Mapping file not found, labels will pass through unchanged")
		return Empty(), nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
		return Empty(), errors.ConfigurationError(errors.CodeInvalidConfig, "mappings", path, err).
			WithSuggestion("the mapping file must be a JSON or YAML object of label tables")
	}

	var raw fileFormat
	if err := k.UnmarshalWithConf("", &raw, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Empty(), errors.ConfigurationError(errors.CodeInvalidConfig, "mappings", path, err).
			WithSuggestion("every table must map strings to strings")
	}

	category := raw.Category
	if len(category) == 0 {
		category = raw.LegacyCat
	}

	m := New(Tables{
		Account:     raw.Account,
		Payee:       raw.Payee,
		Category:    category,
		CardAccount: raw.CardAccount,
	})

	log.WithFields(logger.Fields{
		"path":     path,
		"accounts": len(m.account),
		"payees":   len(m.payee),
		"category": len(m.category),
		"cards":    len(m.cardAccount),
	}).Info("Loaded label mappings")

	return m, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser()
	default:
		return kjson.Parser()
	}
}

// Account maps a source-side account label to the ledger account name.
func (m Mappings) Account(raw string) string {
	return lookup(m.account, raw)
}

// Payee maps a merchant label to the ledger payee name.
func (m Mappings) Payee(raw string) string {
	return lookup(m.payee, raw)
}

// Category maps a category label to the ledger category name.
func (m Mappings) Category(raw string) string {
	return lookup(m.category, raw)
}

// CardAccount returns the ledger account name configured for a card suffix.
func (m Mappings) CardAccount(card string) (string, bool) {
	name, ok := m.cardAccount[card]
	return name, ok
}

// WithCardAccounts returns a copy with extra card assignments layered on top.
func (m Mappings) WithCardAccounts(extra map[string]string) Mappings {
	if len(extra) == 0 {
		return m
	}
	merged := copyTable(m.cardAccount)
	if merged == nil {
		merged = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := m
	out.cardAccount = merged
	return out
}

func lookup(table map[string]string, raw string) string {
	if v, ok := table[raw]; ok {
		return v
	}
	return raw
}

func copyTable(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
