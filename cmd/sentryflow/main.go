// Command sentryflow drives one engine run from a compiled pipeline
// configuration: load config, compile the DAG, open the landscape store,
// and execute (or resume, or verify-replay) against it. A top-level flag
// set, a subcommand switch, errors surfaced to stderr with a non-zero
// exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"github.com/sentryflow/sentryflow/internal/canonical"
	"github.com/sentryflow/sentryflow/internal/config"
	"github.com/sentryflow/sentryflow/internal/dag"
	"github.com/sentryflow/sentryflow/internal/landscape"
	"github.com/sentryflow/sentryflow/internal/landscape/postgres"
	"github.com/sentryflow/sentryflow/internal/landscape/sqlitestore"
	"github.com/sentryflow/sentryflow/internal/metrics"
	"github.com/sentryflow/sentryflow/internal/obslog"
	"github.com/sentryflow/sentryflow/internal/orchestrator"
	"github.com/sentryflow/sentryflow/internal/payloadstore"
	"github.com/sentryflow/sentryflow/internal/replay"
	"github.com/sentryflow/sentryflow/internal/resilience"
	"github.com/sentryflow/sentryflow/internal/tracing"
)

// engineVersion is the canonical engine build identifier recorded on every
// run (landscape.Run.canonical_version); fixed here rather than threaded
// through config.
const engineVersion = "sentryflow-1"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("sentryflow", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}
	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	switch remaining[0] {
	case "run":
		return cmdRun(ctx, remaining[1:], false)
	case "resume":
		return cmdRun(ctx, remaining[1:], true)
	case "verify":
		return cmdVerify(ctx, remaining[1:])
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	fmt.Fprintln(os.Stderr, "usage: sentryflow <run|resume|verify> [flags]")
	return err
}

// cmdRun executes a run end to end, or resumes a previously interrupted
// one when resume is true.
func cmdRun(ctx context.Context, args []string, resume bool) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run identifier (required for resume; generated for a fresh run)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if resume && *runID == "" {
		return errors.New("resume requires -run-id")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := obslog.New(cfg.Logging)

	db, err := openLandscape(cfg.Landscape)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := landscape.NewRecorder(db)
	if cfg.PayloadStore.BaseDir != "" {
		store, err := payloadstore.Open(cfg.PayloadStore.BaseDir)
		if err != nil {
			return fmt.Errorf("open payload store: %w", err)
		}
		rec = rec.WithPayloadStore(store)
	}

	spec := cfg.Pipeline.ToDAGSpec()
	id := *runID
	if id == "" {
		id = uuid.NewString()
	}
	graph, err := dag.NewBuilder(id, spec).Build()
	if err != nil {
		return fmt.Errorf("compile graph: %w", err)
	}

	configHash, err := canonical.Hash(spec)
	if err != nil {
		return fmt.Errorf("hash pipeline config: %w", err)
	}

	entry := logger.WithRun(id)
	if !resume {
		if err := registerGraph(ctx, rec, graph); err != nil {
			return fmt.Errorf("register graph: %w", err)
		}
		settings := map[string]interface{}{"run_mode": cfg.RunMode}
		if _, err := rec.BeginRun(ctx, id, configHash, settings, engineVersion); err != nil {
			return fmt.Errorf("begin run: %w", err)
		}
	}

	o, err := orchestrator.New(orchestrator.Config{
		RunID:                   id,
		ConfigHash:              configHash,
		CanonicalVersion:        engineVersion,
		Graph:                   graph,
		Recorder:                rec,
		Tracer:                  tracing.NewTracer(nil),
		Metrics:                 metrics.New(id),
		Logger:                  entry,
		Retry:                   retryConfigFrom(cfg.Retry),
		RateLimit:               limiterFrom(cfg.RateLimit),
		Breaker:                 breakerConfigFrom(cfg.CircuitBreaker),
		CheckpointEveryRows:     cfg.Checkpoint.EveryRows,
		CheckpointEveryCron:     cfg.Checkpoint.EveryCron,
		AggregationBoundaryOnly: cfg.Checkpoint.AggregationBoundariesOnly,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	if resume {
		entry.Info("resuming run")
		if err := o.Resume(ctx); err != nil {
			return fmt.Errorf("resume run: %w", err)
		}
		return nil
	}

	entry.Info("starting run")
	if err := o.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// cmdVerify compares the recorded node states of two existing runs
// (-source-run-id and -verify-run-id) and reports any hash-surface
// mismatch (run_mode: verify). It does not start a run itself.
func cmdVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	sourceRunID := fs.String("source-run-id", "", "run id to verify against (required)")
	verifyRunID := fs.String("verify-run-id", "", "run id of the replay to compare (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sourceRunID == "" || *verifyRunID == "" {
		return errors.New("verify requires -source-run-id and -verify-run-id")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openLandscape(cfg.Landscape)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := landscape.NewRecorder(db)
	verifier := replay.New(rec)
	mismatches, err := verifier.Compare(ctx, *sourceRunID, *verifyRunID)
	if err != nil {
		return fmt.Errorf("compare runs: %w", err)
	}
	if len(mismatches) == 0 {
		fmt.Println("no mismatches: replay is deterministic")
		return nil
	}
	for _, m := range mismatches {
		fmt.Printf("mismatch: row=%d node=%s reason=%s\n", m.RowIndex, m.NodeID, m.Reason)
	}
	return fmt.Errorf("%d mismatch(es) found", len(mismatches))
}

func openLandscape(cfg config.LandscapeConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN)
	default:
		return sqlitestore.Open(cfg.DSN)
	}
}

func registerGraph(ctx context.Context, rec *landscape.Recorder, g *dag.Graph) error {
	for _, n := range g.Nodes {
		if err := rec.RegisterNode(ctx, *n); err != nil {
			return err
		}
	}
	for _, e := range g.Edges {
		if err := rec.RegisterEdge(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// limiterFrom builds the pooled executor's admission limiter, or nil when
// rate limiting is disabled (requests_per_second of 0).
func limiterFrom(c config.RateLimitConfig) *rate.Limiter {
	if c.RequestsPerSecond <= 0 {
		return nil
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
}

func breakerConfigFrom(c config.CircuitBreakerConfig) resilience.Config {
	bc := resilience.DefaultConfig()
	if c.MaxFailures > 0 {
		bc.MaxFailures = c.MaxFailures
	}
	if c.TimeoutMs > 0 {
		bc.Timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	if c.HalfOpenMax > 0 {
		bc.HalfOpenMax = c.HalfOpenMax
	}
	return bc
}

func retryConfigFrom(c config.RetryConfig) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		rc.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelayMs > 0 {
		rc.InitialDelay = time.Duration(c.InitialDelayMs) * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		rc.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		rc.Multiplier = c.Multiplier
	}
	if c.Jitter > 0 {
		rc.Jitter = c.Jitter
	}
	return rc
}
