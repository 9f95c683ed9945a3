package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciler/cmd/reconciler/config"
	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/parsers"
	"ledger-reconciler/internal/reconciler"
	"ledger-reconciler/internal/reporter"
	"ledger-reconciler/pkg/errors"
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile [flags] FILE",
	Short: "Reconcile a statement export against the ledger",
	Long: `Reconcile reads one export, matches every record against the ledger on
(date, account, amount) and marks matched ledger transactions cleared.

Wallet bills (alipay, wechat) name the account on every record. Bank
statements are grouped by card, and each card needs a ledger account from
CARD_ACCOUNT_MAP in the mapping file or from --card-account.

Examples:
  # Alipay bill against a SQLite ledger
  reconciler reconcile --source alipay --ledger-driver sqlite --ledger-dsn ledger.db alipay.csv

  # ABC statement mail, cards assigned on the command line
  reconciler reconcile --source abc --card-account 1234="ABC Credit" statement.eml

  # Preview without touching the ledger, listing excluded records
  reconciler reconcile --source cmb --dry-run --show-excluded statement.mbox

  # JSON report to a file
  reconciler reconcile --source nbcb --output-format json --output-file report.json nbcb.json`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	flags := reconcileCmd.Flags()
	flags.StringP("source", "s", "", "source format: "+strings.Join(parsers.SourceNames(), ", ")+" (required)")
	flags.StringP("file", "f", "", "input file (alternative to the positional argument)")
	flags.StringArray("card-account", nil, "card=account assignment, repeatable; overrides CARD_ACCOUNT_MAP")
	flags.Bool("exclude-cleared", false, "skip ledger transactions that are already cleared when matching")
	flags.Bool("no-cashback", false, "do not append unmatched ABC reward credits to the ledger")
	flags.String("encoding", "auto", "input encoding: auto, utf-8, gbk")

	flags.StringP("output-format", "o", "console", "output format: console, json, csv")
	flags.String("output-file", "", "output file path (default: stdout)")
	flags.Bool("show-excluded", false, "list policy-excluded records in the report")
	flags.Bool("show-matched", false, "list matched records in the report")
	flags.Bool("no-color", false, "disable colored console output")

	for _, name := range []string{
		"source", "file", "card-account", "exclude-cleared", "no-cashback", "encoding",
		"output-format", "output-file", "show-excluded", "show-matched", "no-color",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func inputPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return viper.GetString("file")
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	source := viper.GetString("source")
	if source == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "source", nil, fmt.Errorf("source is required")).
			WithSuggestion("pass --source, one of " + strings.Join(parsers.SourceNames(), ", "))
	}
	if parsers.Describe(models.Source(source)) == "" {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "source", source,
			fmt.Errorf("unsupported source '%s'", source)).
			WithSuggestion("run 'reconciler sources' to list supported formats")
	}

	path := inputPath(args)
	if path == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "file", nil, fmt.Errorf("input file is required"))
	}
	if err := validateFileExists(path); err != nil {
		return err
	}

	format := reporter.OutputFormat(strings.ToLower(viper.GetString("output-format")))
	if !format.IsValid() {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", format,
			fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", format))
	}

	if _, err := config.ParseCardAccounts(viper.GetStringSlice("card-account")); err != nil {
		return err
	}

	if outputFile := viper.GetString("output-file"); outputFile != "" {
		dir := filepath.Dir(outputFile)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return errors.FileError(errors.CodeFileNotFound, dir, err).
				WithSuggestion("create the output directory first")
		}
	}

	return nil
}

func validateFileExists(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.FileError(errors.CodeFileNotFound, path, err)
	}
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	if info.IsDir() {
		return errors.FileError(errors.CodeFileCorrupted, path, fmt.Errorf("%s is a directory, expected a file", path))
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	matching := config.CreateMatchingConfig(viper.GetBool("exclude-cleared"), viper.GetBool("dry-run"))
	reconcilerConfig, err := config.CreateReconcilerConfig(matching,
		viper.GetStringSlice("card-account"), !viper.GetBool("no-cashback"))
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, reconcilerConfig)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	result, err := sess.service.Reconcile(ctx, reconciler.Request{
		Source: models.Source(viper.GetString("source")),
		Path:   inputPath(args),
	})
	if err != nil {
		return err
	}

	reportConfig := config.CreateReportConfig(
		viper.GetString("output-format"),
		viper.GetBool("show-excluded"),
		viper.GetBool("show-matched"),
		!viper.GetBool("no-color"),
	)
	generator, err := reporter.NewSafeReportGenerator(reportConfig, sess.logger)
	if err != nil {
		return err
	}

	output := cmd.OutOrStdout()
	if outputFile := viper.GetString("output-file"); outputFile != "" {
		file, err := os.Create(outputFile)
		if err != nil {
			return errors.FileError(errors.CodeFilePermission, outputFile, err)
		}
		defer file.Close()
		output = file
	}

	if err := generator.GenerateReportSafely(result, output); err != nil {
		return err
	}
	sess.logger.Info(reporter.Banner(result))

	if summary := result.Errors(); summary != nil {
		return summary
	}
	return nil
}
