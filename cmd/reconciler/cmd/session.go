package cmd

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/spf13/viper"

	"ledger-reconciler/cmd/reconciler/config"
	"ledger-reconciler/internal/ledger"
	"ledger-reconciler/internal/mapping"
	"ledger-reconciler/internal/reconciler"
	"ledger-reconciler/pkg/logger"
)

// session holds what one command invocation shares: the label maps, the
// reference date and an open ledger.
type session struct {
	mappings mapping.Mappings
	today    civil.Date
	gateway  ledger.Gateway
	service  *reconciler.Service
	logger   logger.Logger
}

// openSession loads mappings and opens the ledger. reconcilerConfig may be nil.
func openSession(ctx context.Context, reconcilerConfig *reconciler.Config) (*session, error) {
	log := logger.GetGlobalLogger()

	today, err := config.ParseReferenceDate(viper.GetString("date"))
	if err != nil {
		return nil, err
	}

	m, err := mapping.Load(viper.GetString("mappings"), log)
	if err != nil {
		return nil, err
	}

	opts, err := config.CreateParserOptions(m, viper.GetString("encoding"), today, log)
	if err != nil {
		return nil, err
	}

	ledgerConfig := &config.LedgerConfig{
		Driver:      viper.GetString("ledger.driver"),
		DSN:         viper.GetString("ledger.dsn"),
		MaxPoolSize: viper.GetInt("ledger.max_pool_size"),
	}
	if ledgerConfig.Driver == "" {
		ledgerConfig.Driver = config.DriverMemory
	}
	gateway, err := config.OpenLedger(ctx, ledgerConfig, log)
	if err != nil {
		return nil, err
	}

	service, err := reconciler.NewService(gateway, opts, reconcilerConfig, log)
	if err != nil {
		gateway.Close()
		return nil, err
	}

	log.WithFields(logger.Fields{
		"ledger": ledgerConfig.Driver,
		"date":   today.String(),
	}).Debug("Session opened")

	return &session{
		mappings: service.Mappings(),
		today:    today,
		gateway:  gateway,
		service:  service,
		logger:   log,
	}, nil
}

// Close ends the ledger session.
func (s *session) Close() error {
	return s.gateway.Close()
}
