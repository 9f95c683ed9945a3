package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciler/cmd/reconciler/config"
	"ledger-reconciler/internal/ocr"
	"ledger-reconciler/internal/reconciler"
	"ledger-reconciler/internal/reporter"
	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// ocrCmd records payment screenshots as ledger transactions
var ocrCmd = &cobra.Command{
	Use:   "ocr [flags] IMAGE...",
	Short: "Record payment screenshots in the ledger",
	Long: `Ocr sends each screenshot to a cnocr server, reads the payment details
and inserts one ledger transaction per screenshot. The payment method on
the screenshot must name an existing ledger account (after ACCOUNT_NAME_MAP).

The app is detected from the order-number label unless --type is given.
With --regions the WeChat bill layout is cropped into strips that are
recognized concurrently.

Examples:
  reconciler ocr --ledger-driver sqlite --ledger-dsn ledger.db IMG_0001.png
  reconciler ocr --type quickpass --dry-run IMG_0002.jpg
  reconciler ocr --regions --ocr-workers 3 IMG_0003.png IMG_0004.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOCR,
}

// ocrStatusCmd checks the cnocr server
var ocrStatusCmd = &cobra.Command{
	Use:   "ocr-status",
	Short: "Check that the cnocr server is reachable",
	Args:  cobra.NoArgs,
	RunE:  runOCRStatus,
}

func init() {
	rootCmd.AddCommand(ocrCmd)
	rootCmd.AddCommand(ocrStatusCmd)

	for _, c := range []*cobra.Command{ocrCmd, ocrStatusCmd} {
		c.Flags().String("cnocr-server", "", "cnocr server URL (default http://127.0.0.1:8501)")
		c.Flags().Duration("cnocr-timeout", 30*time.Second, "cnocr request timeout")
	}

	flags := ocrCmd.Flags()
	flags.StringP("type", "t", "auto", "screenshot type: auto, alipay, wechat, quickpass")
	flags.Bool("regions", false, "crop the WeChat bill layout and recognize the strips in parallel")
	flags.Int("ocr-workers", 0, "recognition workers for --regions (default 4)")
	flags.Int("ocr-rebuild-after", 0, "jobs before the recognition workers are rebuilt (default 100)")
	flags.StringP("output-format", "o", "console", "output format: console, json")
}

// bindOCRFlags binds the flags of the running command; ocr and ocr-status
// share key names.
func bindOCRFlags(cmd *cobra.Command) {
	for key, name := range map[string]string{
		"cnocr.server":      "cnocr-server",
		"cnocr.timeout":     "cnocr-timeout",
		"ocr.type":          "type",
		"ocr.regions":       "regions",
		"ocr.workers":       "ocr-workers",
		"ocr.rebuild_after": "ocr-rebuild-after",
		"ocr.output_format": "output-format",
	} {
		if f := cmd.Flags().Lookup(name); f != nil {
			viper.BindPFlag(key, f)
		}
	}
}

func newOCRClient(log logger.Logger) (*ocr.Client, error) {
	return ocr.NewClient(config.CreateClientConfig(
		viper.GetString("cnocr.server"),
		viper.GetDuration("cnocr.timeout"),
	), log)
}

// screenshotReader turns one image file into an OCR result.
type screenshotReader func(ctx context.Context, path string, data []byte) (ocr.Result, error)

func runOCR(cmd *cobra.Command, args []string) (err error) {
	bindOCRFlags(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pt, err := ocr.ParsePaymentType(viper.GetString("ocr.type"))
	if err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "type", viper.GetString("ocr.type"), err)
	}

	reconcilerConfig := reconciler.DefaultConfig()
	reconcilerConfig.Matching = config.CreateMatchingConfig(false, viper.GetBool("dry-run"))
	sess, err := openSession(ctx, reconcilerConfig)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	client, err := newOCRClient(sess.logger)
	if err != nil {
		return err
	}

	var read screenshotReader
	if viper.GetBool("ocr.regions") {
		pool, err := ocr.NewPool(config.CreatePoolConfig(
			viper.GetInt("ocr.workers"),
			viper.GetInt("ocr.rebuild_after"),
		), ocr.ClientEngineFactory(client), sess.logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		read = regionReader(pool, sess)
	} else {
		processor := ocr.NewProcessor(sess.mappings, sess.today)
		read = func(ctx context.Context, path string, data []byte) (ocr.Result, error) {
			blocks, err := client.Recognize(ctx, data, filepath.Base(path))
			if err != nil {
				return ocr.Result{}, err
			}
			return processor.Process(blocks, pt), nil
		}
	}

	format := reporter.FormatConsole
	if viper.GetString("ocr.output_format") == string(reporter.FormatJSON) {
		format = reporter.FormatJSON
	}
	generator, err := reporter.NewReportGenerator(config.CreateReportConfig(string(format), false, false, true))
	if err != nil {
		return err
	}

	var failures []*errors.ReconcilerError
	for _, path := range args {
		if err := recordScreenshot(ctx, cmd, sess, read, generator, path); err != nil {
			reconcilerErr := errors.WrapIfNeeded(err, errors.CategoryOCR, errors.CodeRecognitionFailed, "screenshot failed")
			reconcilerErr.WithContext("file", path)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", path, reconcilerErr.Message)
			failures = append(failures, reconcilerErr)
		}
	}
	if len(failures) > 0 {
		return errors.NewErrorSummary(failures)
	}
	return nil
}

func regionReader(pool *ocr.Pool, sess *session) screenshotReader {
	return func(ctx context.Context, path string, data []byte) (ocr.Result, error) {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return ocr.Result{}, errors.FileError(errors.CodeFileCorrupted, path, err)
		}
		regions, err := ocr.CropRegions(img, ocr.WechatRegions)
		if err != nil {
			return ocr.Result{}, err
		}
		texts, err := pool.RecognizeRegions(ctx, regions)
		if err != nil {
			return ocr.Result{}, err
		}
		return ocr.ParseWechatRegions(texts, sess.mappings, sess.today)
	}
}

func recordScreenshot(ctx context.Context, cmd *cobra.Command, sess *session, read screenshotReader,
	generator *reporter.ReportGenerator, path string) error {
	if err := validateFileExists(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}

	result, err := read(ctx, path, data)
	if err != nil {
		return err
	}
	if !result.OK() {
		// Not a failure of the tool: the screenshot needs retaking.
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s, skipped\n", path, outcomeMessage(result.Outcome))
		return nil
	}

	recorded, err := sess.service.RecordScreenshot(ctx, result.Extraction)
	if err != nil {
		return err
	}
	return generator.GenerateRecordReport(recorded, cmd.OutOrStdout())
}

func outcomeMessage(o ocr.Outcome) string {
	switch o {
	case ocr.OutcomeNoAmountDetected:
		return "no amount found on the screenshot"
	case ocr.OutcomeAmbiguousFormat:
		return "could not tell which app the screenshot is from, pass --type"
	default:
		return o.String()
	}
}

func runOCRStatus(cmd *cobra.Command, args []string) error {
	bindOCRFlags(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := newOCRClient(logger.GetGlobalLogger())
	if err != nil {
		return err
	}

	server := config.CreateClientConfig(viper.GetString("cnocr.server"), 0).Server
	if !client.Status(ctx) {
		return errors.OCRError(errors.CodeServiceUnavailable, server, fmt.Errorf("cnocr server is not responding")).
			WithSuggestion("start the cnocr server or pass --cnocr-server")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cnocr server at %s is up\n", server)
	return nil
}
