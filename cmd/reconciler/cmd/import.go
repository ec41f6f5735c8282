package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cfdi-reconciliation-engine/cmd/reconciler/config"
	"cfdi-reconciliation-engine/internal/models"
	"cfdi-reconciliation-engine/internal/store"
	"cfdi-reconciliation-engine/pkg/logger"
)

// Flags for the import command
var (
	transactionsFile string
	invoicesFile     string
	expensesFile     string
)

// importCmd loads source records into the store.
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import bank transactions, invoices, and expenses",
	Long: `Import loads JSON arrays of source records into the store. Records
without a company id inherit the --company flag; new records start in the
NEW reconciliation status.

Examples:
  reconciler import --transactions statements.json
  reconciler import --invoices cfdi.json --expenses manual.json --company acme`,

	PreRunE: validateImportFlags,
	RunE:    runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&transactionsFile, "transactions", "", "path to a JSON array of bank transactions")
	importCmd.Flags().StringVar(&invoicesFile, "invoices", "", "path to a JSON array of invoices")
	importCmd.Flags().StringVar(&expensesFile, "expenses", "", "path to a JSON array of manual expenses")
}

func validateImportFlags(cmd *cobra.Command, args []string) error {
	if transactionsFile == "" && invoicesFile == "" && expensesFile == "" {
		return fmt.Errorf("nothing to import: pass --transactions, --invoices, or --expenses")
	}
	for _, path := range []string{transactionsFile, invoicesFile, expensesFile} {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", path)
		}
		if err != nil {
			return fmt.Errorf("error accessing %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("expected a file, got a directory: %s", path)
		}
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	companyID := viper.GetString("company")
	log := logger.GetGlobalLogger().WithComponent("import")

	st, err := config.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if transactionsFile != "" {
		n, err := importTransactions(ctx, st, transactionsFile, companyID)
		if err != nil {
			return err
		}
		log.WithField("count", n).Info("Transactions imported")
		fmt.Printf("Imported %d transactions.\n", n)
	}
	if invoicesFile != "" {
		n, err := importInvoices(ctx, st, invoicesFile, companyID)
		if err != nil {
			return err
		}
		log.WithField("count", n).Info("Invoices imported")
		fmt.Printf("Imported %d invoices.\n", n)
	}
	if expensesFile != "" {
		n, err := importExpenses(ctx, st, expensesFile, companyID)
		if err != nil {
			return err
		}
		log.WithField("count", n).Info("Expenses imported")
		fmt.Printf("Imported %d expenses.\n", n)
	}
	return nil
}

func importTransactions(ctx context.Context, st store.Store, path, companyID string) (int, error) {
	var records []*models.BankTransaction
	if err := decodeFile(path, &records); err != nil {
		return 0, err
	}
	for i, tx := range records {
		if tx.CompanyID == "" {
			tx.CompanyID = companyID
		}
		if tx.Status == "" {
			tx.Status = models.StatusNew
		}
		if err := tx.Validate(); err != nil {
			return 0, fmt.Errorf("transaction %d in %s: %w", i+1, path, err)
		}
		if err := st.SaveTransaction(ctx, tx); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func importInvoices(ctx context.Context, st store.Store, path, companyID string) (int, error) {
	var records []*models.Invoice
	if err := decodeFile(path, &records); err != nil {
		return 0, err
	}
	for i, inv := range records {
		if inv.CompanyID == "" {
			inv.CompanyID = companyID
		}
		if inv.Status == "" {
			inv.Status = models.InvoiceValid
		}
		if inv.ReconStatus == "" {
			inv.ReconStatus = models.StatusNew
		}
		if err := inv.Validate(); err != nil {
			return 0, fmt.Errorf("invoice %d in %s: %w", i+1, path, err)
		}
		if err := st.SaveInvoice(ctx, inv); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func importExpenses(ctx context.Context, st store.Store, path, companyID string) (int, error) {
	var records []*models.ManualExpense
	if err := decodeFile(path, &records); err != nil {
		return 0, err
	}
	for i, e := range records {
		if e.CompanyID == "" {
			e.CompanyID = companyID
		}
		if e.Status == "" {
			e.Status = models.ExpenseOpen
		}
		if e.ReconStatus == "" {
			e.ReconStatus = models.StatusNew
		}
		if err := e.Validate(); err != nil {
			return 0, fmt.Errorf("expense %d in %s: %w", i+1, path, err)
		}
		if err := st.SaveExpense(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func decodeFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
