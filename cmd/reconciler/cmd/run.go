package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cfdi-reconciliation-engine/cmd/reconciler/config"
	"cfdi-reconciliation-engine/internal/batch"
	"cfdi-reconciliation-engine/internal/reporter"
	"cfdi-reconciliation-engine/pkg/logger"
)

// Flags for the run command
var (
	outputFormat string
	outputFile   string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a reconciliation batch for one company",
	Long: `Run executes a full reconciliation batch against the configured store:
cancelled invoice cleanup, installment tracking for active payment plans,
then the cascading matcher over every new invoice and manual expense.

Records the engine cannot settle on its own are queued for review; inspect
them with 'reconciler pending list'.

Examples:
  # Reconcile with defaults
  reconciler run --company acme

  # Custom thresholds and a JSON report written to a file
  reconciler run --company acme --auto-link-threshold 90 \
    --output-format json --output-file report.json

  # Skip the semantic tier even when an API key is configured
  reconciler run --company acme --no-semantic`,

	PreRunE: validateRunFlags,
	RunE:    runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Output flags
	runCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	runCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")

	// Matching configuration flags
	runCmd.Flags().Float64("auto-link-threshold", 85, "minimum score for automatic linking")
	runCmd.Flags().Float64("review-threshold", 50, "minimum score for review candidates")
	runCmd.Flags().Float64("disambiguation-margin", 5, "lead over the runner-up required to auto-link")
	runCmd.Flags().Float64("amount-tolerance", 10, "fuzzy amount tolerance percentage")
	runCmd.Flags().Int("date-window", 15, "fuzzy date window in days")

	// Deferred payment flags
	runCmd.Flags().Float64("installment-tolerance", 2, "installment amount tolerance percentage")
	runCmd.Flags().Float64("plan-confidence-threshold", 0.8, "minimum confidence to create a payment plan")

	// Orchestration flags
	runCmd.Flags().Int("record-concurrency", 8, "records scored in parallel")
	runCmd.Flags().Int("semantic-concurrency", 3, "concurrent semantic service calls")
	runCmd.Flags().Bool("no-semantic", false, "disable the semantic comparison tier")
	runCmd.Flags().String("semantic-model", "", "semantic service model (default: provider default)")

	// Bind flags to viper
	for _, flag := range []string{
		"output-format", "output-file",
		"auto-link-threshold", "review-threshold", "disambiguation-margin",
		"amount-tolerance", "date-window",
		"installment-tolerance", "plan-confidence-threshold",
		"record-concurrency", "semantic-concurrency",
		"no-semantic", "semantic-model",
	} {
		viper.BindPFlag(flag, runCmd.Flags().Lookup(flag))
	}
}

func validateRunFlags(cmd *cobra.Command, args []string) error {
	outputFormat = viper.GetString("output-format")
	outputFile = viper.GetString("output-file")

	validFormats := map[string]bool{"console": true, "json": true, "csv": true}
	if !validFormats[outputFormat] {
		return fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", outputFormat)
	}

	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}

	if viper.GetString("company") == "" {
		return fmt.Errorf("company cannot be empty")
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	companyID := viper.GetString("company")
	log := logger.GetGlobalLogger()

	st, err := config.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	matcherConfig, err := config.CreateMatcherConfig()
	if err != nil {
		return err
	}
	deferredConfig, err := config.CreateDeferredConfig()
	if err != nil {
		return err
	}
	batchConfig, err := config.CreateBatchConfig()
	if err != nil {
		return err
	}
	judge, err := config.CreateJudge()
	if err != nil {
		return fmt.Errorf("failed to configure semantic judge: %w", err)
	}
	if judge == nil && viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Semantic tier disabled; matching on lexical scores only.\n")
	}

	orchestrator, err := batch.NewOrchestrator(batch.Options{
		Store:          st,
		Judge:          judge,
		Config:         batchConfig,
		MatcherConfig:  matcherConfig,
		DeferredConfig: deferredConfig,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	result, err := orchestrator.Run(ctx, companyID)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	report, err := reporter.BuildReport(ctx, st, result)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}

	generator, err := reporter.NewReportGenerator(config.CreateReportConfig(outputFormat))
	if err != nil {
		return fmt.Errorf("failed to create report generator: %w", err)
	}

	output := os.Stdout
	if outputFile != "" {
		output, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	}
	if err := generator.Generate(report, output); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	if summary := result.Summary(); summary.Total > 0 {
		fmt.Fprintf(os.Stderr, "\n%d record(s) failed during the batch; see the report for details.\n",
			summary.Total)
	}
	return nil
}
