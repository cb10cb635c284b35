package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/repository"
)

var (
	importCSV       string
	importBatchSize int
	importReloadURL string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a transaction CSV into the database",
	Long: `Import a cleaned transaction CSV into the configured database.

The file needs a header row with at least customer_id, product_id, date,
quantity and unit_price. order_id, total and is_refund are optional.
Refund rows are skipped.

Examples:
  refillctl import --csv orders.csv
  refillctl import --csv orders.csv --batch 5000
  refillctl import --csv orders.csv --reload http://localhost:8080`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importCSV, "csv", "", "Path to the transaction CSV")
	importCmd.Flags().IntVar(&importBatchSize, "batch", 1000, "Rows written per database transaction")
	importCmd.Flags().StringVar(&importReloadURL, "reload", "", "Server base URL to ask for a dataset reload afterwards")
	importCmd.MarkFlagRequired("csv")
}

// transactionWriter is the part of the repository import needs.
type transactionWriter interface {
	SaveTransactions(ctx context.Context, txs []domain.Transaction) (int, error)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(importCSV)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	parsed, err := ReadTransactions(f)
	if err != nil {
		return err
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	saved, err := importTransactions(cmd.Context(), repo, parsed.Transactions, importBatchSize, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d rows into %s (%d refunds skipped)\n",
		saved, parsed.Rows, repo.Driver(), parsed.Refunds)

	if importReloadURL != "" {
		if err := requestReload(cmd.Context(), importReloadURL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Dataset reload requested")
	}
	return nil
}

// importTransactions writes txs in batches, drawing progress on out.
func importTransactions(ctx context.Context, w transactionWriter, txs []domain.Transaction, batchSize int, out io.Writer) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	bar := progressbar.NewOptions64(int64(len(txs)),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("importing"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	saved := 0
	for start := 0; start < len(txs); start += batchSize {
		end := min(start+batchSize, len(txs))
		n, err := w.SaveTransactions(ctx, txs[start:end])
		if err != nil {
			return saved, fmt.Errorf("rows %d-%d: %w", start+1, end, err)
		}
		saved += n
		bar.Add(end - start)
	}
	return saved, nil
}

func requestReload(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/dataset/reload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("reload request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
