package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"

	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	out     io.Writer
	verbose bool
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		out:     os.Stderr,
		verbose: viper.GetBool("verbose"),
	}
}

// HandleError prints err for the operator and returns the exit code.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	var summary *errors.ErrorSummary
	if errors.As(err, &summary) {
		return h.handleSummary(summary)
	}

	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}

	return h.handleGenericError(err)
}

// handleSummary reports the failed batches of a run that otherwise completed.
func (h *CLIErrorHandler) handleSummary(summary *errors.ErrorSummary) int {
	if summary.Total == 0 {
		return 0
	}
	fmt.Fprintf(h.out, "Error: %d of the run's batches failed\n", summary.Total)
	for _, err := range summary.Errors {
		fmt.Fprintf(h.out, "  - %s\n", err.Message)
		if err.Suggestion != "" {
			fmt.Fprintf(h.out, "    Suggestion: %s\n", err.Suggestion)
		}
	}
	return summary.GetExitCode()
}

// handleReconcilerError handles ReconcilerError with detailed context
func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(h.out, "\nContext:\n")
		for key, value := range err.Context {
			fmt.Fprintf(h.out, "  %s: %v\n", key, value)
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	if help := h.getCategoryHelp(err.Category); help != "" {
		fmt.Fprintf(h.out, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

// handleGenericError handles non-ReconcilerError types
func (h *CLIErrorHandler) handleGenericError(err error) int {
	if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file or directory") {
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	}

	if os.IsPermission(err) || strings.Contains(err.Error(), "permission denied") {
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	}

	// cobra argument and flag errors
	fmt.Fprintf(h.out, "Error: %v\n", err)
	fmt.Fprintf(h.out, "Run 'reconciler --help' for usage.\n")
	return 1
}

// getCategoryHelp returns category-specific help text
func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryFile:
		return `File error help:
• Check if the file exists and is readable
• Verify the file path is correct (use absolute paths if needed)`

	case errors.CategoryParse:
		return `Parse error help:
• Check that --source matches the export you passed
• Try --encoding gbk for exports saved by Windows banking clients
• Use 'reconciler sources' to list supported formats`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and arguments
• Verify configuration file syntax if using --config
• Use 'reconciler reconcile --help' to see all available options`

	case errors.CategoryAccount:
		return `Account error help:
• Account names are matched exactly after ACCOUNT_NAME_MAP
• Assign cards with --card-account card=name or CARD_ACCOUNT_MAP
• Create the account in the ledger if it does not exist yet`

	case errors.CategoryLedger:
		return `Ledger error help:
• Check --ledger-driver and --ledger-dsn
• Cleared flags already set by this run stay set; rerunning is safe`

	case errors.CategoryOCR:
		return `OCR error help:
• Run 'reconciler ocr-status' to check the cnocr server
• Pass --cnocr-server if it does not run on localhost`

	default:
		return ""
	}
}
