package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rshade/subsweep/internal/config"
	"github.com/rshade/subsweep/internal/engine"
	"github.com/rshade/subsweep/internal/ingest"
	"github.com/rshade/subsweep/internal/logging"
	"github.com/rshade/subsweep/internal/playapi"
)

// batchFlags holds the flag values shared by validate, cancel, and revoke.
type batchFlags struct {
	input          string
	serviceAccount string
	packageName    string

	tokenColumn          string
	subscriptionIDColumn string
	packageColumn        string
	productColumn        string
	orderIDColumn        string

	logPath string
	delay   float64
	retries int
	backoff float64
	jitter  float64

	maxRows    int
	sampleSize int
	dryRun     bool

	checkpointSuccess string
	checkpointFailed  string

	noProgress bool
	noRunDirs  bool
}

// addBatchFlags registers the shared batch flags. Defaults shown in help
// come from the built-in config; explicitly set flags override the config
// file at run time.
func addBatchFlags(cmd *cobra.Command, f *batchFlags) {
	flags := cmd.Flags()

	flags.StringVarP(&f.input, "input", "i", "", "input CSV of purchase tokens (required)")
	flags.StringVar(&f.serviceAccount, "service-account", "", "path to a service-account JSON key with Manage Orders permission")
	flags.StringVar(&f.packageName, "package-name", "", "application package, used when the CSV has no package column")

	flags.StringVar(&f.tokenColumn, "token-column", "", "CSV column holding the purchase token")
	flags.StringVar(&f.subscriptionIDColumn, "subscription-id-column", "", "CSV column holding the subscription id")
	flags.StringVar(&f.packageColumn, "package-column", "", "CSV column holding the application package")
	flags.StringVar(&f.productColumn, "product-column", "", "CSV column holding the product id")
	flags.StringVar(&f.orderIDColumn, "order-id-column", "", "CSV column holding the order id")

	flags.StringVar(&f.logPath, "log", "", "JSONL audit log path (default logs/<run-id>/<mode>_<run-id>.jsonl)")
	flags.Float64Var(&f.delay, "delay", config.DefaultDelaySeconds, "seconds between remote calls")
	flags.IntVar(&f.retries, "retries", config.DefaultRetries, "retries after the first attempt for transient errors")
	flags.Float64Var(&f.backoff, "backoff", config.DefaultBackoffSeconds, "base exponential backoff in seconds")
	flags.Float64Var(&f.jitter, "jitter", config.DefaultJitterSeconds, "random extra backoff in seconds")

	flags.IntVar(&f.maxRows, "max-rows", 0, "process at most this many rows (0 = all)")
	flags.IntVar(&f.sampleSize, "sample-size", 0, "uniformly sample this many rows from the whole input (0 = off)")
	flags.BoolVar(&f.dryRun, "dry-run", false, "audit what would happen without calling the remote API")

	flags.StringVar(&f.checkpointSuccess, "checkpoint-success", "", "file recording succeeded tokens, auto-skipped on resume")
	flags.StringVar(&f.checkpointFailed, "checkpoint-failed", "", "file recording failed tokens for review (never auto-skipped)")

	flags.BoolVar(&f.noProgress, "no-progress", false, "disable the progress bar")
	flags.BoolVar(&f.noRunDirs, "no-run-dirs", false, "write default logs and outputs without a per-run directory")
}

// apply overlays explicitly set flags onto the loaded config, the flag >
// file > default precedence.
func (f *batchFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("service-account") {
		cfg.Play.ServiceAccount = f.serviceAccount
	}
	if flags.Changed("package-name") {
		cfg.Play.PackageName = f.packageName
	}

	if flags.Changed("token-column") {
		cfg.Columns.Token = f.tokenColumn
	}
	if flags.Changed("subscription-id-column") {
		cfg.Columns.SubscriptionID = f.subscriptionIDColumn
	}
	if flags.Changed("package-column") {
		cfg.Columns.Package = f.packageColumn
	}
	if flags.Changed("product-column") {
		cfg.Columns.Product = f.productColumn
	}
	if flags.Changed("order-id-column") {
		cfg.Columns.OrderID = f.orderIDColumn
	}

	if flags.Changed("delay") {
		cfg.Batch.Delay = f.delay
	}
	if flags.Changed("retries") {
		cfg.Batch.Retries = f.retries
	}
	if flags.Changed("backoff") {
		cfg.Batch.Backoff = f.backoff
	}
	if flags.Changed("jitter") {
		cfg.Batch.Jitter = f.jitter
	}
	if flags.Changed("max-rows") {
		cfg.Batch.MaxRows = f.maxRows
	}
	if flags.Changed("sample-size") {
		cfg.Batch.SampleSize = f.sampleSize
	}

	if flags.Changed("log") {
		cfg.Paths.Log = f.logPath
	}
	if flags.Changed("checkpoint-success") {
		cfg.Paths.CheckpointSuccess = f.checkpointSuccess
	}
	if flags.Changed("checkpoint-failed") {
		cfg.Paths.CheckpointFailed = f.checkpointFailed
	}
	if f.noRunDirs {
		cfg.Paths.RunDirs = false
	}
}

// runPaths are the per-run file locations after defaulting.
type runPaths struct {
	log               string
	checkpointSuccess string
	checkpointFailed  string
	eligible          string
	ineligible        string
}

// resolvePaths fills run-stamped defaults for paths the operator left
// unset. Checkpoints have no default: checkpointing is opt-in.
func resolvePaths(cfg *config.Config, mode engine.Mode, runID string) runPaths {
	stamp := func(dir, name string) string {
		if cfg.Paths.RunDirs {
			return filepath.Join(dir, runID, name)
		}
		return filepath.Join(dir, name)
	}

	p := runPaths{
		log:               cfg.Paths.Log,
		checkpointSuccess: cfg.Paths.CheckpointSuccess,
		checkpointFailed:  cfg.Paths.CheckpointFailed,
		eligible:          cfg.Paths.EligibleOutput,
		ineligible:        cfg.Paths.IneligibleOutput,
	}
	if p.log == "" {
		p.log = stamp("logs", fmt.Sprintf("%s_%s.jsonl", mode, runID))
	}
	if mode == engine.ModeValidate {
		if p.eligible == "" {
			p.eligible = stamp("outputs", fmt.Sprintf("eligible_for_revoke_%s.csv", runID))
		}
		if p.ineligible == "" {
			p.ineligible = stamp("outputs", fmt.Sprintf("ineligible_%s.csv", runID))
		}
	}
	return p
}

// batchOptions carries mode-specific knobs into runBatch.
type batchOptions struct {
	logResponse     bool
	skipRevokeGuard bool
}

// runBatch is the shared body of the validate, cancel, and revoke commands:
// ingest, client setup, engine run, summary.
func runBatch(cmd *cobra.Command, mode engine.Mode, f *batchFlags, opts batchOptions) error {
	ctx := cmd.Context()
	cfg := configFrom(cmd)
	f.apply(cmd, cfg)

	if f.input == "" {
		return &UsageError{Err: errors.New("--input is required")}
	}
	if !f.dryRun && cfg.Play.ServiceAccount == "" {
		return &UsageError{Err: errors.New("--service-account is required (or set play.service_account in the config file)")}
	}

	runID := ulid.Make().String()
	paths := resolvePaths(cfg, mode, runID)

	records, stats, err := ingest.Collect(ctx, f.input, ingest.Preferences{
		Token:          cfg.Columns.Token,
		SubscriptionID: cfg.Columns.SubscriptionID,
		Package:        cfg.Columns.Package,
		Product:        cfg.Columns.Product,
		OrderID:        cfg.Columns.OrderID,
	}, ingest.CollectOptions{
		MaxRows:        cfg.Batch.MaxRows,
		SampleSize:     cfg.Batch.SampleSize,
		DefaultPackage: cfg.Play.PackageName,
		RequireState:   mode == engine.ModeRevoke && !opts.skipRevokeGuard,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrMissingTokenColumn) ||
			errors.Is(err, ingest.ErrMissingStateColumn) ||
			errors.Is(err, ingest.ErrNoPackage) {
			return &UsageError{Err: err}
		}
		return err
	}

	logger.Debug().
		Str("run_id", runID).
		Int("rows_read", stats.Read).
		Int("rows_dropped", stats.Skipped()).
		Int("records", len(records)).
		Msg("input collected")

	var api engine.API
	if !f.dryRun {
		client, err := playapi.New(ctx, cfg.Play.ServiceAccount)
		if err != nil {
			return err
		}
		api = client
	}

	checkpoint, err := engine.OpenCheckpoint(paths.checkpointSuccess, paths.checkpointFailed)
	if err != nil {
		return err
	}
	defer checkpoint.Close()

	audit, err := engine.OpenAuditLog(paths.log)
	if err != nil {
		return err
	}
	defer audit.Close()

	runner := engine.NewRunner(
		api,
		engine.NewRetrier(cfg.Batch.MaxAttempts(), cfg.Batch.BackoffDuration(), cfg.Batch.JitterDuration()),
		engine.NewThrottle(cfg.Batch.DelayDuration()),
		checkpoint,
		audit,
		logging.ComponentLogger(logging.FromContext(ctx), "engine"),
	)

	var partitions *ingest.Partitions
	if mode == engine.ModeValidate {
		partitions, err = ingest.OpenPartitions(paths.eligible, paths.ineligible)
		if err != nil {
			return err
		}
		defer partitions.Close()
		runner.WithPartitioner(partitions)
	}

	if bar := newProgressBar(mode, len(records), f.noProgress); bar != nil {
		runner.WithProgress(func(p engine.Progress) {
			_ = bar.Set(p.Completed)
		})
		defer func() { _ = bar.Clear() }()
	}

	summary, err := runner.Run(ctx, records, engine.RunConfig{
		Mode:            mode,
		RunID:           runID,
		DryRun:          f.dryRun,
		LogResponse:     opts.logResponse,
		SkipRevokeGuard: opts.skipRevokeGuard,
	})
	if err != nil {
		return err
	}

	printSummary(cmd, mode, runID, summary, stats, paths)
	return nil
}

// newProgressBar builds the stderr progress bar, or nil when disabled or
// not attached to a terminal.
func newProgressBar(mode engine.Mode, total int, disabled bool) *progressbar.ProgressBar {
	if disabled || total == 0 || !isTerminal(os.Stderr) {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(string(mode)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// printSummary renders the end-of-run report on stdout.
func printSummary(cmd *cobra.Command, mode engine.Mode, runID string, s *engine.Summary, stats ingest.Stats, paths runPaths) {
	cmd.Printf("---- %s summary ----\n", mode)
	cmd.Printf("run id:              %s\n", runID)
	cmd.Printf("rows read:           %d\n", stats.Read)
	if n := stats.Skipped(); n > 0 {
		cmd.Printf("rows dropped:        %d (blank token %d, package %d)\n",
			n, stats.SkippedBlankToken, stats.SkippedPackage)
	}
	cmd.Printf("processed:           %d\n", s.Processed)
	if s.Skipped > 0 {
		cmd.Printf("checkpoint skipped:  %d\n", s.Skipped)
	}
	cmd.Printf("success:             %d\n", s.Counts[engine.StatusSuccess])
	cmd.Printf("already done:        %d\n", s.Counts[engine.StatusAlreadyDone])
	cmd.Printf("transient failures:  %d\n", s.Counts[engine.StatusTransientFailure])
	cmd.Printf("permanent failures:  %d\n", s.Counts[engine.StatusPermanentFailure])
	if n := s.Counts[engine.StatusDryRun]; n > 0 {
		cmd.Printf("dry run:             %d\n", n)
	}
	cmd.Printf("audit log:           %s\n", paths.log)
	if mode == engine.ModeValidate {
		cmd.Printf("eligible output:     %s\n", paths.eligible)
		cmd.Printf("ineligible output:   %s\n", paths.ineligible)
	}
}
