// Package reporter renders the outcome of a reconciliation batch for
// humans and machines.
//
// A report combines the run's counters with the queue state that needs
// follow-up: pending review assignments, derived expenses awaiting
// confirmation, upcoming and overdue installments of active payment plans.
//
// Supported output formats:
//   - Console: human-readable output for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: follow-up items for spreadsheet triage
package reporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/batch"
	"cfdi-reconciliation-engine/internal/deferred"
	"cfdi-reconciliation-engine/internal/store"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported.
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation.
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	IncludePendingReview bool `json:"include_pending_review"`
	IncludeExpenses      bool `json:"include_expenses"`
	IncludeInstallments  bool `json:"include_installments"`
	IncludeErrors        bool `json:"include_errors"`

	// MaxItems caps each list section; zero means no cap.
	MaxItems int `json:"max_items"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration.
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:               FormatConsole,
		IncludePendingReview: true,
		IncludeExpenses:      true,
		IncludeInstallments:  true,
		IncludeErrors:        true,
		MaxItems:             50,
		CSVDelimiter:         ',',
		CSVHeaders:           true,
	}
}

// Validate validates the report configuration.
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	return nil
}

// ReviewItem is one record waiting on a human decision.
type ReviewItem struct {
	AssignmentID string    `json:"assignment_id"`
	RecordID     string    `json:"record_id"`
	RecordKind   string    `json:"record_kind"` // invoice or expense
	TopScore     float64   `json:"top_score"`
	Candidates   int       `json:"candidates"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExpenseItem is a derived expense that still needs user confirmation.
type ExpenseItem struct {
	ExpenseID    string          `json:"expense_id"`
	ProviderName string          `json:"provider_name"`
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
}

// InstallmentItem is the next unpaid installment of an active plan.
type InstallmentItem struct {
	PlanID         string          `json:"plan_id"`
	InvoiceID      string          `json:"invoice_id"`
	SequenceNumber int             `json:"sequence_number"`
	TotalCount     int             `json:"total_count"`
	Amount         decimal.Decimal `json:"amount"`
	DueDate        time.Time       `json:"due_date"`
	Overdue        bool            `json:"overdue"`
}

// Report is a batch result joined with the follow-up work it left behind.
type Report struct {
	Result      *batch.Result     `json:"result"`
	GeneratedAt time.Time         `json:"generated_at"`
	Review      []ReviewItem      `json:"pending_review,omitempty"`
	Expenses    []ExpenseItem     `json:"expenses_needing_review,omitempty"`
	Upcoming    []InstallmentItem `json:"upcoming_installments,omitempty"`
}

// BuildReport joins a batch result with the store's current follow-up
// queues.
func BuildReport(ctx context.Context, st store.Store, result *batch.Result) (*Report, error) {
	if result == nil {
		return nil, fmt.Errorf("batch result cannot be nil")
	}
	report := &Report{
		Result:      result,
		GeneratedAt: time.Now().UTC(),
	}

	pending, err := st.PendingAssignments(ctx, result.CompanyID)
	if err != nil {
		return nil, err
	}
	for _, pa := range pending {
		item := ReviewItem{
			AssignmentID: pa.ID,
			RecordID:     pa.RecordRef(),
			RecordKind:   "expense",
			Candidates:   len(pa.Candidates),
			CreatedAt:    pa.CreatedAt,
		}
		if pa.InvoiceID != "" {
			item.RecordKind = "invoice"
		}
		if len(pa.Candidates) > 0 {
			item.TopScore = pa.Candidates[0].Score
		}
		report.Review = append(report.Review, item)
	}

	expenses, err := st.ExpensesByCompany(ctx, result.CompanyID)
	if err != nil {
		return nil, err
	}
	for _, e := range expenses {
		if !e.NeedsReview {
			continue
		}
		report.Expenses = append(report.Expenses, ExpenseItem{
			ExpenseID:    e.ID,
			ProviderName: e.ProviderName,
			Amount:       e.Amount,
			Date:         e.Date,
		})
	}

	plans, err := st.ActivePlans(ctx, result.CompanyID)
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		installments, err := st.PlanInstallments(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		next := deferred.NextUnpaid(installments)
		if next == nil {
			continue
		}
		report.Upcoming = append(report.Upcoming, InstallmentItem{
			PlanID:         plan.ID,
			InvoiceID:      plan.InvoiceID,
			SequenceNumber: next.SequenceNumber,
			TotalCount:     plan.InstallmentCount,
			Amount:         next.Amount,
			DueDate:        next.DueDate,
			Overdue:        next.OverdueFlagged,
		})
	}
	sort.Slice(report.Upcoming, func(i, j int) bool {
		return report.Upcoming[i].DueDate.Before(report.Upcoming[j].DueDate)
	})

	return report, nil
}

// ReportGenerator renders reports in the configured format.
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a generator. A nil config selects the
// defaults.
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// Generate writes the report to the writer in the configured format.
func (rg *ReportGenerator) Generate(report *Report, writer io.Writer) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsole(report, writer)
	case FormatJSON:
		return rg.generateJSON(report, writer)
	case FormatCSV:
		return rg.generateCSV(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) generateConsole(report *Report, writer io.Writer) error {
	res := report.Result

	fmt.Fprintf(writer, "RECONCILIATION REPORT\n")
	fmt.Fprintf(writer, "Company:   %s\n", res.CompanyID)
	fmt.Fprintf(writer, "Started:   %s\n", res.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Duration:  %v\n\n", res.Duration.Round(time.Millisecond))

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	fmt.Fprintf(writer, "Invoices Processed:   %d\n", res.InvoicesProcessed)
	fmt.Fprintf(writer, "Expenses Processed:   %d\n", res.ExpensesProcessed)
	fmt.Fprintf(writer, "Auto-Linked:          %d\n", res.AutoLinked)
	fmt.Fprintf(writer, "Queued for Review:    %d\n", res.QueuedForReview)
	fmt.Fprintf(writer, "No Match:             %d\n", res.NoMatch)
	fmt.Fprintf(writer, "Expenses Created:     %d\n", res.ExpensesCreated)
	fmt.Fprintf(writer, "Failed:               %d\n", res.Failed)
	fmt.Fprintf(writer, "Semantic Calls:       %d\n\n", res.SemanticCalls)

	fmt.Fprintf(writer, "=== DEFERRED PAYMENTS ===\n")
	fmt.Fprintf(writer, "Plans Created:        %d\n", res.PlansCreated)
	fmt.Fprintf(writer, "Installments Matched: %d\n", res.InstallmentsMatched)
	fmt.Fprintf(writer, "Plans Completed:      %d\n", res.PlansCompleted)
	fmt.Fprintf(writer, "Overdue Flagged:      %d\n", res.OverdueFlagged)
	fmt.Fprintf(writer, "Matches Invalidated:  %d\n\n", res.MatchesInvalidated)

	if rg.config.IncludePendingReview && len(report.Review) > 0 {
		fmt.Fprintf(writer, "=== PENDING REVIEW (%d) ===\n", len(report.Review))
		for i, item := range rg.cappedReview(report.Review) {
			fmt.Fprintf(writer, "  %d. %s %s: %d candidates, top score %.1f\n",
				i+1, item.RecordKind, item.RecordID, item.Candidates, item.TopScore)
		}
		rg.printTruncation(writer, len(report.Review))
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeExpenses && len(report.Expenses) > 0 {
		fmt.Fprintf(writer, "=== EXPENSES NEEDING CONFIRMATION (%d) ===\n", len(report.Expenses))
		for i, item := range rg.cappedExpenses(report.Expenses) {
			fmt.Fprintf(writer, "  %d. %s: %s on %s (%s)\n",
				i+1, item.ExpenseID, item.Amount.StringFixed(2),
				item.Date.Format("2006-01-02"), item.ProviderName)
		}
		rg.printTruncation(writer, len(report.Expenses))
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeInstallments && len(report.Upcoming) > 0 {
		fmt.Fprintf(writer, "=== UPCOMING INSTALLMENTS (%d) ===\n", len(report.Upcoming))
		for i, item := range rg.cappedInstallments(report.Upcoming) {
			marker := ""
			if item.Overdue {
				marker = " OVERDUE"
			}
			fmt.Fprintf(writer, "  %d. plan %s: %d/%d, %s due %s%s\n",
				i+1, item.PlanID, item.SequenceNumber, item.TotalCount,
				item.Amount.StringFixed(2), item.DueDate.Format("2006-01-02"), marker)
		}
		rg.printTruncation(writer, len(report.Upcoming))
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeErrors && len(res.Errors) > 0 {
		fmt.Fprintf(writer, "=== ERRORS (%d) ===\n", len(res.Errors))
		for i, err := range res.Errors {
			fmt.Fprintf(writer, "  %d. [%s/%s] %s\n", i+1, err.Category, err.Code, err.Message)
			if rg.config.MaxItems > 0 && i+1 >= rg.config.MaxItems {
				fmt.Fprintf(writer, "  ... and %d more\n", len(res.Errors)-rg.config.MaxItems)
				break
			}
		}
	}
	return nil
}

func (rg *ReportGenerator) generateJSON(report *Report, writer io.Writer) error {
	out := map[string]interface{}{
		"result":       report.Result,
		"generated_at": report.GeneratedAt,
	}
	if rg.config.IncludePendingReview {
		out["pending_review"] = report.Review
	}
	if rg.config.IncludeExpenses {
		out["expenses_needing_review"] = report.Expenses
	}
	if rg.config.IncludeInstallments {
		out["upcoming_installments"] = report.Upcoming
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

// generateCSV emits one row per follow-up item; the summary counters stay
// out of the CSV since spreadsheets consume the item lists.
func (rg *ReportGenerator) generateCSV(report *Report, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter
	defer csvWriter.Flush()

	if rg.config.CSVHeaders {
		headers := []string{"Type", "ID", "Record", "Amount", "Date", "Detail"}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	if rg.config.IncludePendingReview {
		for _, item := range report.Review {
			record := []string{
				"Pending Review",
				item.AssignmentID,
				item.RecordID,
				"",
				item.CreatedAt.Format("2006-01-02"),
				fmt.Sprintf("%d candidates, top score %.1f", item.Candidates, item.TopScore),
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write review record: %w", err)
			}
		}
	}

	if rg.config.IncludeExpenses {
		for _, item := range report.Expenses {
			record := []string{
				"Expense Needs Review",
				item.ExpenseID,
				"",
				item.Amount.StringFixed(2),
				item.Date.Format("2006-01-02"),
				item.ProviderName,
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write expense record: %w", err)
			}
		}
	}

	if rg.config.IncludeInstallments {
		for _, item := range report.Upcoming {
			detail := "installment " + strconv.Itoa(item.SequenceNumber) + "/" + strconv.Itoa(item.TotalCount)
			if item.Overdue {
				detail += " OVERDUE"
			}
			record := []string{
				"Upcoming Installment",
				item.PlanID,
				item.InvoiceID,
				item.Amount.StringFixed(2),
				item.DueDate.Format("2006-01-02"),
				detail,
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("failed to write installment record: %w", err)
			}
		}
	}
	return nil
}

func (rg *ReportGenerator) cappedReview(items []ReviewItem) []ReviewItem {
	if rg.config.MaxItems > 0 && len(items) > rg.config.MaxItems {
		return items[:rg.config.MaxItems]
	}
	return items
}

func (rg *ReportGenerator) cappedExpenses(items []ExpenseItem) []ExpenseItem {
	if rg.config.MaxItems > 0 && len(items) > rg.config.MaxItems {
		return items[:rg.config.MaxItems]
	}
	return items
}

func (rg *ReportGenerator) cappedInstallments(items []InstallmentItem) []InstallmentItem {
	if rg.config.MaxItems > 0 && len(items) > rg.config.MaxItems {
		return items[:rg.config.MaxItems]
	}
	return items
}

func (rg *ReportGenerator) printTruncation(writer io.Writer, total int) {
	if rg.config.MaxItems > 0 && total > rg.config.MaxItems {
		fmt.Fprintf(writer, "  ... and %d more\n", total-rg.config.MaxItems)
	}
}
