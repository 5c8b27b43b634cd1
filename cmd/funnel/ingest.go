// Ingest command for the funnel CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/funnel/internal/checkpoint"
	"github.com/mesh-intelligence/funnel/internal/ingest"
	"github.com/mesh-intelligence/funnel/internal/paths"
	"github.com/mesh-intelligence/funnel/internal/staging"
)

var (
	flagTenant       string
	flagRunID        string
	flagFile         string
	flagFullSnapshot bool
	flagStrict       bool
	flagParallel     int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [url...]",
	Short: "Ingest one or more bulk JSONL exports into staging tables",
	Long: `Ingest downloads each export URL into a local replay file, stitches the
flat record stream back into parent-child form, and bulk-loads the result
into the staging tables. Progress is checkpointed at every batch flush, so a
crashed or cancelled run resumes without double-staging.

With --file, a local export file is ingested instead of a URL. Local-file
runs never resume: the file is read in place and is not a run-owned artifact,
so a failed --file ingestion must be rerun under a new run id. Multiple URLs
run as independent concurrent ingestions, each under its own run id.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant identifier (required)")
	ingestCmd.Flags().StringVar(&flagRunID, "run", "", "run identifier (default: new UUIDv7; resumes if a checkpoint exists)")
	ingestCmd.Flags().StringVar(&flagFile, "file", "", "ingest a local export file instead of downloading")
	ingestCmd.Flags().BoolVar(&flagFullSnapshot, "full-snapshot", false, "mark the export as a complete snapshot")
	ingestCmd.Flags().BoolVar(&flagStrict, "strict", false, "abort on the first malformed input line")
	ingestCmd.Flags().IntVar(&flagParallel, "parallel", 2, "maximum concurrent ingestions")
	_ = ingestCmd.MarkFlagRequired("tenant")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if flagFile == "" && len(args) == 0 {
		return usageErr("nothing to ingest: pass export URLs or --file")
	}
	if flagFile != "" && len(args) > 0 {
		return usageErr("--file and URL arguments are mutually exclusive")
	}
	if flagRunID != "" && len(args) > 1 {
		return usageErr("--run only applies to a single ingestion")
	}
	if cfg.StagingDSN == "" {
		return usageErr("staging_dsn is not configured (set it in config.yaml or FUNNEL_STAGING_DSN)")
	}

	artifactsDir, err := resolveArtifactsDir()
	if err != nil {
		return err
	}

	store, err := openCheckpointStore(artifactsDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	sink, err := staging.NewPGSink(ctx, cfg.StagingDSN)
	if err != nil {
		return fmt.Errorf("connecting to staging database: %w", err)
	}
	defer sink.Close()

	newOpts := func(runID, sourceURL, replayPath string) ingest.Options {
		return ingest.Options{
			Tenant:           flagTenant,
			RunID:            runID,
			SourceURL:        sourceURL,
			RunDir:           paths.RunDir(artifactsDir, flagTenant, runID),
			ReplayPath:       replayPath,
			Store:            store,
			Sink:             sink,
			IsFullSnapshot:   flagFullSnapshot,
			StrictDecode:     flagStrict,
			BucketCount:      cfg.BucketCount,
			MaxMemoryParents: cfg.MaxMemoryParents,
			MaxMemoryOrphans: cfg.MaxMemoryOrphans,
			BatchMaxRows:     cfg.BatchMaxRows,
			BatchMaxBytes:    cfg.BatchMaxBytes,
			Logger:           log,
		}
	}

	if flagFile != "" {
		runID := flagRunID
		if runID == "" {
			runID = newRunID()
		}
		res, err := ingest.Run(ctx, newOpts(runID, "", flagFile))
		reportResult(runID, res, err)
		return err
	}

	if len(args) == 1 {
		runID := flagRunID
		if runID == "" {
			runID = newRunID()
		}
		res, err := ingest.Run(ctx, newOpts(runID, args[0], ""))
		reportResult(runID, res, err)
		return err
	}

	// Independent exports ingest concurrently; each owns its run directory,
	// spill buckets, and checkpoint row, so they share nothing but the sink
	// pool and the checkpoint database.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flagParallel)
	for _, url := range args {
		runID := newRunID()
		g.Go(func() error {
			res, err := ingest.Run(gctx, newOpts(runID, url, ""))
			reportResult(runID, res, err)
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// newRunID returns a time-ordered UUID so run directories sort by start time.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func openCheckpointStore(artifactsDir string) (*checkpoint.SQLiteStore, error) {
	dbPath := cfg.CheckpointDB
	if dbPath == "" {
		dbPath = filepath.Join(artifactsDir, "checkpoints.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	store, err := checkpoint.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	return store, nil
}

func reportResult(runID string, res ingest.Result, runErr error) {
	if flagJSON {
		out := struct {
			RunID string        `json:"runId"`
			Error string        `json:"error,omitempty"`
			Res   ingest.Result `json:"result"`
		}{RunID: runID, Res: res}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	if runErr != nil {
		fmt.Printf("run %s failed after %d records: %v\n", runID, res.Final.CommittedRecords, runErr)
		return
	}
	fmt.Printf("run %s complete: %d records, %d products, %d variants, %d bytes (%s)\n",
		runID,
		res.Final.CommittedRecords,
		res.Final.CommittedProducts,
		res.Final.CommittedVariants,
		res.Final.CommittedBytes,
		res.ResumeMode)
}
