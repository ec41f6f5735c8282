// Package config assembles the engine's package configurations from CLI
// flags, the optional config file, and environment variables, all read
// through viper.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"cfdi-reconciliation-engine/internal/batch"
	"cfdi-reconciliation-engine/internal/deferred"
	"cfdi-reconciliation-engine/internal/matcher"
	"cfdi-reconciliation-engine/internal/reporter"
	"cfdi-reconciliation-engine/internal/semantic"
	"cfdi-reconciliation-engine/internal/store"
)

// CreateMatcherConfig builds the matching configuration, applying any
// threshold overrides the user set.
func CreateMatcherConfig() (*matcher.Config, error) {
	cfg := matcher.DefaultConfig()

	if viper.IsSet("auto-link-threshold") {
		cfg.AutoLinkThreshold = viper.GetFloat64("auto-link-threshold")
	}
	if viper.IsSet("review-threshold") {
		cfg.ReviewThreshold = viper.GetFloat64("review-threshold")
	}
	if viper.IsSet("disambiguation-margin") {
		cfg.DisambiguationMargin = viper.GetFloat64("disambiguation-margin")
	}
	if viper.IsSet("amount-tolerance") {
		cfg.FuzzyAmountTolerancePercent = viper.GetFloat64("amount-tolerance")
	}
	if viper.IsSet("date-window") {
		cfg.FuzzyDateWindowDays = viper.GetInt("date-window")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matching configuration: %w", err)
	}
	return cfg, nil
}

// CreateDeferredConfig builds the installment plan configuration.
func CreateDeferredConfig() (*deferred.Config, error) {
	cfg := deferred.DefaultConfig()

	if viper.IsSet("installment-tolerance") {
		cfg.InstallmentTolerancePercent = viper.GetFloat64("installment-tolerance")
	}
	if viper.IsSet("plan-confidence-threshold") {
		cfg.ConfidenceThreshold = viper.GetFloat64("plan-confidence-threshold")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deferred configuration: %w", err)
	}
	return cfg, nil
}

// CreateBatchConfig builds the orchestration configuration.
func CreateBatchConfig() (*batch.Config, error) {
	cfg := batch.DefaultConfig()

	if viper.IsSet("record-concurrency") {
		cfg.RecordConcurrency = viper.GetInt("record-concurrency")
	}
	if viper.IsSet("semantic-concurrency") {
		cfg.SemanticConcurrency = viper.GetInt("semantic-concurrency")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch configuration: %w", err)
	}
	return cfg, nil
}

// CreateReportConfig builds a report configuration for the given format.
func CreateReportConfig(format string) *reporter.ReportConfig {
	cfg := reporter.DefaultReportConfig()
	cfg.Format = reporter.OutputFormat(format)
	cfg.IncludeErrors = true
	return cfg
}

// OpenStore opens the sqlite-backed store at the configured path.
func OpenStore() (store.Store, error) {
	path := viper.GetString("db")
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	return store.NewGormStore(path)
}

// CreateJudge builds the semantic judge from the environment. Returns nil
// when no API key is configured or the semantic tier is disabled; the
// engine then runs on lexical scores alone.
func CreateJudge() (semantic.Judge, error) {
	if viper.GetBool("no-semantic") {
		return nil, nil
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	return semantic.NewOpenAIJudge(apiKey, viper.GetString("semantic-model"))
}
