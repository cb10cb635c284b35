package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/refill/internal/config"
	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/repository"
	"github.com/opensource-finance/refill/internal/segment"
)

// reportOptions are the report flags. Negative values mean the configured default.
type reportOptions struct {
	Tolerance int
	Lookahead int
	MinDays   int
	Threshold float64
	Filter    string
	Segment   string
}

var reportOpts reportOptions

var reportCmd = &cobra.Command{
	Use:   "report <overdue|upcoming|likely-lost|compliance|irregular|customer|product|pairs|summary> [id]",
	Short: "Run a refill report against the database",
	Long: `Run a refill report against the configured database and print it as JSON.

customer and product need an id. --filter takes a segment expression over
refill rows; --segment names a stored segment.

Examples:
  refillctl report overdue
  refillctl report upcoming --lookahead 14
  refillctl report likely-lost --filter 'lifetime_value > 1000.0'
  refillctl report customer C-1042
  refillctl report irregular --threshold 0.8`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().IntVar(&reportOpts.Tolerance, "tolerance", -1, "Tolerance days for overdue and compliance")
	reportCmd.Flags().IntVar(&reportOpts.Lookahead, "lookahead", -1, "Lookahead days for upcoming")
	reportCmd.Flags().IntVar(&reportOpts.MinDays, "min-days", -1, "Minimum days overdue for likely-lost")
	reportCmd.Flags().Float64Var(&reportOpts.Threshold, "threshold", -1, "Coefficient of variation threshold for irregular")
	reportCmd.Flags().StringVar(&reportOpts.Filter, "filter", "", "Segment expression narrowing the refill list")
	reportCmd.Flags().StringVar(&reportOpts.Segment, "segment", "", "Stored segment narrowing the refill list")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, cmd.ErrOrStderr())

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	txs, err := repo.ListTransactions(cmd.Context())
	if err != nil {
		return err
	}

	eng := engine.New(cfg.Engine, engine.WithLogger(logger))
	eng.SetDataset(domain.NewDataset(txs))

	segs, err := segment.NewEngine()
	if err != nil {
		return err
	}
	if reportOpts.Segment != "" {
		seg, err := repo.GetSegment(cmd.Context(), reportOpts.Segment)
		if err != nil {
			return fmt.Errorf("segment %s: %w", reportOpts.Segment, err)
		}
		seg.Enabled = true
		if err := segs.Load(*seg); err != nil {
			return err
		}
	}

	id := ""
	if len(args) == 2 {
		id = args[1]
	}

	result, err := runQuery(eng, segs, args[0], id, reportOpts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runQuery runs one report. With a filter the refill list of the report
// is narrowed and printed on its own.
func runQuery(eng *engine.Engine, segs *segment.Engine, kind, id string, opts reportOptions) (any, error) {
	cfg := eng.Config()
	orDefault := func(v, def int) int {
		if v < 0 {
			return def
		}
		return v
	}

	var f *segment.Filter
	switch {
	case opts.Filter != "" && opts.Segment != "":
		return nil, errors.New("use either --filter or --segment, not both")
	case opts.Filter != "":
		compiled, err := segs.Compile(opts.Filter)
		if err != nil {
			return nil, err
		}
		f = compiled
	case opts.Segment != "":
		loaded, err := segs.Filter(opts.Segment)
		if err != nil {
			return nil, err
		}
		f = loaded
	}

	narrow := func(report any, refills []domain.Refill) (any, error) {
		if f == nil {
			return report, nil
		}
		kept, err := f.Apply(refills)
		if err != nil {
			return nil, err
		}
		if kept == nil {
			kept = []domain.Refill{}
		}
		return kept, nil
	}
	needID := func() error {
		if id == "" {
			return fmt.Errorf("report %s needs an id", kind)
		}
		return nil
	}

	switch kind {
	case "overdue":
		r, err := eng.OverdueRefills(orDefault(opts.Tolerance, cfg.GraceDays))
		if err != nil {
			return nil, err
		}
		return narrow(r, r.Refills)
	case "upcoming":
		r, err := eng.UpcomingRefills(orDefault(opts.Lookahead, cfg.UpcomingLookaheadDays))
		if err != nil {
			return nil, err
		}
		return narrow(r, r.Refills)
	case "likely-lost":
		r, err := eng.LikelyLostCustomers(orDefault(opts.MinDays, cfg.LikelyLostMinDays))
		if err != nil {
			return nil, err
		}
		return narrow(r, r.Refills)
	case "compliance":
		return eng.RefillComplianceScore(orDefault(opts.Tolerance, cfg.ComplianceToleranceDays))
	case "irregular":
		threshold := opts.Threshold
		if threshold <= 0 {
			threshold = cfg.IrregularCVThreshold
		}
		return eng.IrregularRefillPatterns(threshold)
	case "customer":
		if err := needID(); err != nil {
			return nil, err
		}
		r, err := eng.CustomerRefillSchedule(id)
		if err != nil {
			return nil, err
		}
		return narrow(r, r.Refills)
	case "product":
		if err := needID(); err != nil {
			return nil, err
		}
		return eng.ProductRefillPatterns(id)
	case "pairs":
		r, err := eng.ListPairs(0, 0)
		if err != nil {
			return nil, err
		}
		return narrow(r, r.Pairs)
	case "summary":
		return eng.Summary()
	default:
		return nil, fmt.Errorf("unknown report %q", kind)
	}
}
