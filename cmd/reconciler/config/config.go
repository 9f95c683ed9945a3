package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/ledger/postgres"
	"ledger-reconciler/internal/ledger/sqlite"
	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/matcher"
	"ledger-reconciler/internal/ocr"
	"ledger-reconciler/internal/parsers"
	"ledger-reconciler/internal/reconciler"
	"ledger-reconciler/internal/reporter"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Ledger drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// LedgerConfig selects and addresses the ledger backend.
type LedgerConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `mapstructure:"driver"`
	// DSN is a snapshot path for memory, a database file for sqlite and a
	// connection string for postgres. An empty memory DSN gives an empty ledger.
	DSN         string `mapstructure:"dsn"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

// DefaultLedgerConfig returns an empty in-memory ledger.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{Driver: DriverMemory}
}

// Validate checks the configuration
func (c *LedgerConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("ledger driver %s requires a DSN", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("invalid ledger driver '%s': must be memory, sqlite or postgres", c.Driver)
	}
}

// OpenLedger opens one ledger session. The caller closes it.
func OpenLedger(ctx context.Context, cfg *LedgerConfig, log logger.Logger) (ledger.Gateway, error) {
	if cfg == nil {
		cfg = DefaultLedgerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "ledger.driver", cfg.Driver, err).
			WithSuggestion("set --ledger-driver and --ledger-dsn")
	}

	switch cfg.Driver {
	case DriverSQLite:
		g, err := sqlite.Open(cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	case DriverPostgres:
		g, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, MaxPoolSize: cfg.MaxPoolSize}, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		if cfg.DSN == "" {
			return ledger.NewMemory(nil, nil), nil
		}
		m, err := ledger.OpenSnapshot(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// CreateParserOptions builds the adapter options for one run.
func CreateParserOptions(m mapping.Mappings, encoding string, referenceDate civil.Date, log logger.Logger) (parsers.Options, error) {
	enc, err := parsers.ParseEncoding(encoding)
	if err != nil {
		return parsers.Options{}, errors.ConfigurationError(errors.CodeInvalidConfig, "encoding", encoding, err)
	}
	return parsers.Options{
		Mappings:      m,
		ReferenceDate: referenceDate,
		Encoding:      enc,
		Logger:        log,
	}, nil
}

// ParseReferenceDate parses a YYYY-MM-DD date. Empty means today.
func ParseReferenceDate(s string) (civil.Date, error) {
	if strings.TrimSpace(s) == "" {
		return civil.DateOf(time.Now()), nil
	}
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, errors.ConfigurationError(errors.CodeInvalidConfig, "date", s, err).
			WithSuggestion("use the YYYY-MM-DD format")
	}
	return d, nil
}

// CreateMatchingConfig creates a matching configuration from the CLI switches
func CreateMatchingConfig(excludeCleared, dryRun bool) *matcher.Config {
	config := matcher.DefaultConfig()
	config.ExcludeCleared = excludeCleared
	config.DryRun = dryRun
	return config
}

// ParseCardAccounts parses card=account pairs.
func ParseCardAccounts(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		card, account, ok := strings.Cut(pair, "=")
		card, account = strings.TrimSpace(card), strings.TrimSpace(account)
		if !ok || card == "" || account == "" {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "card-account", pair,
				fmt.Errorf("expected card=account")).
				WithSuggestion("pass the last four card digits and the ledger account name, e.g. --card-account 1234=ABC Credit")
		}
		out[card] = account
	}
	return out, nil
}

// CreateReconcilerConfig creates a reconciler configuration
func CreateReconcilerConfig(matching *matcher.Config, cardAccounts []string, appendCashback bool) (*reconciler.Config, error) {
	cards, err := ParseCardAccounts(cardAccounts)
	if err != nil {
		return nil, err
	}

	config := reconciler.DefaultConfig()
	config.Matching = matching
	config.CardAccounts = cards
	config.AppendCashback = appendCashback
	return config, nil
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string, showExcluded, includeMatched, useColors bool) *reporter.ReportConfig {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(format))
	config.ShowExcluded = showExcluded
	config.IncludeMatched = includeMatched
	config.UseColors = useColors && config.Format == reporter.FormatConsole
	return config
}

// CreateClientConfig creates the cnocr client configuration
func CreateClientConfig(server string, timeout time.Duration) *ocr.ClientConfig {
	config := ocr.DefaultClientConfig()
	if server != "" {
		config.Server = server
	}
	if timeout > 0 {
		config.Timeout = timeout
	}
	return config
}

// CreatePoolConfig creates the recognition pool configuration
func CreatePoolConfig(workers, rebuildAfter int) *ocr.PoolConfig {
	config := ocr.DefaultPoolConfig()
	if workers > 0 {
		config.Workers = workers
	}
	if rebuildAfter > 0 {
		config.RebuildAfter = rebuildAfter
	}
	return config
}
