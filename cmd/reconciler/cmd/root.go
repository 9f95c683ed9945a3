package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Ledger reconciliation tool",
	Long: `Reconciler reads bank statement exports, wallet bills and payment
screenshots, and reconciles them against a ledger. Matched ledger
transactions are marked cleared; everything else is reported.

Examples:
  reconciler reconcile --source alipay alipay_record.csv
  reconciler reconcile --source abc statement.eml --card-account 1234="ABC Credit"
  reconciler ocr screenshot.png
  reconciler sources`,
	Version:           getVersionString(),
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogger,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return NewCLIErrorHandler().HandleError(err)
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.String("log-format", "text", "log format: text, json")

	flags.String("ledger-driver", "memory", "ledger backend: memory, sqlite, postgres")
	flags.String("ledger-dsn", "", "ledger snapshot path, SQLite file or PostgreSQL connection string")
	flags.String("mappings", "", "label mapping file (JSON or YAML)")
	flags.Bool("dry-run", false, "report what would change without touching the ledger")
	flags.String("date", "", "reference date for formats without a year (YYYY-MM-DD, default today)")

	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("log.format", flags.Lookup("log-format"))
	viper.BindPFlag("ledger.driver", flags.Lookup("ledger-driver"))
	viper.BindPFlag("ledger.dsn", flags.Lookup("ledger-dsn"))
	viper.BindPFlag("mappings", flags.Lookup("mappings"))
	viper.BindPFlag("dry-run", flags.Lookup("dry-run"))
	viper.BindPFlag("date", flags.Lookup("date"))
}

// initConfig reads in config file and ENV variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)

		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(4)
		}

		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}

	viper.SetEnvPrefix("RECONCILER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// setupLogger installs the process-global logger once flags are parsed.
func setupLogger(cmd *cobra.Command, args []string) error {
	config := logger.DefaultConfig()
	if viper.GetBool("verbose") {
		config = logger.DebugConfig()
	}
	config.Format = logger.Format(viper.GetString("log.format"))

	log, err := logger.NewLogger(config)
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log-format", config.Format, err).
			WithSuggestion("use --log-format text or json")
	}
	logger.SetGlobalLogger(log)
	return nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
