package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cfdi-reconciliation-engine/cmd/reconciler/config"
	"cfdi-reconciliation-engine/internal/review"
	"cfdi-reconciliation-engine/pkg/logger"
)

// pendingCmd groups the review queue operations.
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect and resolve the review queue",
	Long: `Pending manages the queue of ambiguous matches waiting on a human
decision. Each entry carries the scored candidate transactions the engine
could not choose between.

Examples:
  reconciler pending list --company acme
  reconciler pending resolve 4f6f... tx-2041
  reconciler pending reject 4f6f...`,
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records waiting for review",
	RunE:  runPendingList,
}

var pendingResolveCmd = &cobra.Command{
	Use:   "resolve <assignment-id> <transaction-id>",
	Short: "Link a pending record to the chosen transaction",
	Args:  cobra.ExactArgs(2),
	RunE:  runPendingResolve,
}

var pendingRejectCmd = &cobra.Command{
	Use:   "reject <assignment-id>",
	Short: "Reject every shown candidate and return the record to the pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runPendingReject,
}

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingResolveCmd)
	pendingCmd.AddCommand(pendingRejectCmd)
}

func newReviewService() (*review.Service, error) {
	st, err := config.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return review.NewService(st, logger.GetGlobalLogger()), nil
}

func runPendingList(cmd *cobra.Command, args []string) error {
	svc, err := newReviewService()
	if err != nil {
		return err
	}

	assignments, err := svc.List(context.Background(), viper.GetString("company"))
	if err != nil {
		return fmt.Errorf("failed to list pending assignments: %w", err)
	}
	if len(assignments) == 0 {
		fmt.Println("No records pending review.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ASSIGNMENT\tRECORD\tCREATED\tCANDIDATES")
	for _, pa := range assignments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			pa.ID, pa.RecordRef(), pa.CreatedAt.Format("2006-01-02"), len(pa.Candidates))
		for _, c := range pa.Candidates {
			fmt.Fprintf(w, "\t-> %s\tscore %.1f\t%s\n", c.TransactionID, c.Score, c.Explanation)
		}
	}
	return w.Flush()
}

func runPendingResolve(cmd *cobra.Command, args []string) error {
	svc, err := newReviewService()
	if err != nil {
		return err
	}

	match, err := svc.Resolve(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Linked %s to transaction %s (match %s, confidence %.2f).\n",
		recordRefOfMatch(match.InvoiceID, match.ExpenseID), match.TransactionID, match.ID, match.Confidence)
	return nil
}

func runPendingReject(cmd *cobra.Command, args []string) error {
	svc, err := newReviewService()
	if err != nil {
		return err
	}

	if err := svc.Reject(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Assignment %s rejected; the record returns to the matching pool.\n", args[0])
	return nil
}

func recordRefOfMatch(invoiceID, expenseID string) string {
	if invoiceID != "" {
		return "invoice " + invoiceID
	}
	return "expense " + expenseID
}
