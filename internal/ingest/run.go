// Package ingest orchestrates one bulk export run: resume computation,
// optional download of the export into a local replay file, then a single
// sequential pass of decode -> stitch -> stage with checkpoints persisted at
// batch flush boundaries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/funnel/internal/checkpoint"
	"github.com/mesh-intelligence/funnel/internal/fetch"
	"github.com/mesh-intelligence/funnel/internal/jsonl"
	"github.com/mesh-intelligence/funnel/internal/staging"
	"github.com/mesh-intelligence/funnel/internal/stitch"
)

// ReplayFileName is the local copy of the export inside the run directory.
const ReplayFileName = "export.jsonl"

// ErrLocalReplayResume means a checkpoint exists for a run that reads a
// caller-supplied export file. Resuming would truncate that file to the
// committed offset, and with no downloader to re-extend it the tail would be
// lost. Such runs restart under a new run id instead.
var ErrLocalReplayResume = errors.New("cannot resume a run over a caller-supplied export file")

// Options configures one run.
type Options struct {
	Tenant string
	RunID  string

	// SourceURL, when set, is downloaded into the run's replay file before
	// processing. When empty the replay file must already exist.
	SourceURL string

	// RunDir is the per-run scratch directory holding the replay file and the
	// stitcher's spill buckets.
	RunDir string

	// ReplayPath overrides the replay file location. When empty the replay
	// file lives at RunDir/export.jsonl. Useful for ingesting an export that
	// already exists on local disk.
	ReplayPath string

	Store checkpoint.Store
	Sink  staging.Sink

	// IsFullSnapshot marks the export as a complete snapshot, recorded in
	// every checkpoint so the downstream merge knows deletes are safe.
	IsFullSnapshot bool

	// StrictDecode aborts on the first malformed line instead of counting it.
	StrictDecode bool

	BucketCount      int
	MaxMemoryParents int
	MaxMemoryOrphans int
	BatchMaxRows     int
	BatchMaxBytes    int

	Fetch  fetch.Options
	Logger *zap.SugaredLogger
}

// Result reports what one run did.
type Result struct {
	ResumeMode checkpoint.Mode
	Download   fetch.Stats

	Decode  jsonl.Counters
	Stitch  stitch.Counters
	Staging staging.Counters

	// Final is the last checkpoint persisted, equal to the run's end state on
	// success.
	Final checkpoint.Checkpoint
}

// Run executes a single ingestion run to completion. On error the returned
// Result still carries every counter accumulated so far; whatever the last
// persisted checkpoint captured is the resume point for the next attempt.
func Run(ctx context.Context, opts Options) (res Result, err error) {
	if opts.Tenant == "" || opts.RunID == "" {
		return Result{}, fmt.Errorf("ingest: tenant and run id are required")
	}
	if opts.Store == nil || opts.Sink == nil {
		return Result{}, fmt.Errorf("ingest: checkpoint store and staging sink are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("tenant", opts.Tenant, "run", opts.RunID)

	cp, err := opts.Store.Load(ctx, opts.Tenant, opts.RunID)
	if err != nil {
		return res, fmt.Errorf("loading checkpoint: %w", err)
	}

	replayPath := opts.ReplayPath
	if replayPath == "" {
		replayPath = filepath.Join(opts.RunDir, ReplayFileName)
	} else if cp != nil {
		// The guard must precede ComputeResume, which truncates the replay
		// artifact to the committed offset.
		return res, fmt.Errorf("run %s has a checkpoint but reads %s directly: %w",
			opts.RunID, replayPath, ErrLocalReplayResume)
	}
	resume, err := checkpoint.ComputeResume(cp, replayPath)
	if err != nil {
		// Includes ErrResumeImpossible: fail loudly, never guess an offset.
		return res, fmt.Errorf("computing resume point: %w", err)
	}
	res.ResumeMode = resume.Mode
	log.Infow("resume point computed",
		"mode", resume.Mode, "byteOffset", resume.ByteOffset, "skipRecords", resume.SkipRecords)

	if resume.Mode == checkpoint.StartFresh {
		if err := clearStaging(ctx, opts); err != nil {
			return res, err
		}
	}

	if opts.SourceURL != "" {
		res.Download, err = fetch.Fetch(ctx, opts.SourceURL, replayPath, resume.ByteOffset, withLogger(opts.Fetch, log))
		if err != nil {
			return res, fmt.Errorf("downloading export: %w", err)
		}
		log.Infow("export downloaded",
			"bytesWritten", res.Download.BytesWritten, "attempts", res.Download.Attempts,
			"encoding", res.Download.ContentEncoding)
	}

	f, err := os.Open(replayPath)
	if err != nil {
		return res, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()

	// Carry-over baselines so resumed runs report cumulative totals.
	var baseProducts, baseVariants int64
	if cp != nil && resume.Mode != checkpoint.StartFresh {
		baseProducts = cp.CommittedProducts
		baseVariants = cp.CommittedVariants
	}

	writer, err := staging.NewWriter(staging.Config{
		Tenant:   opts.Tenant,
		RunID:    opts.RunID,
		MaxRows:  opts.BatchMaxRows,
		MaxBytes: opts.BatchMaxBytes,
		Sink:     opts.Sink,
		Logger:   log,
	})
	if err != nil {
		return res, err
	}

	// The stitch pass always replays from byte zero so the recent-parent
	// cache is rebuilt deterministically; the first skipRecords stitched
	// records were committed by a prior attempt and are not re-staged.
	var (
		emitted          int64
		lastSuccessfulID string
		flushedSinceCkpt bool
	)

	dec := jsonl.NewDecoder(f, jsonl.Options{
		Strict: opts.StrictDecode,
		OnIssue: func(is jsonl.Issue) {
			log.Debugw("skipping malformed line", "line", is.Line, "kind", is.Kind, "message", is.Message)
		},
	})

	// committed snapshots the progress captured at the most recent flush. A
	// record emitted after that flush is still sitting in a writer buffer and
	// must not appear in a checkpoint.
	type committedState struct {
		records, bytes, lines int64
		lastID                string
	}
	var committed committedState

	markCommitted := func() {
		committed = committedState{
			records: emitted,
			bytes:   dec.Counters().BytesRead,
			lines:   dec.Counters().TotalLines,
			lastID:  lastSuccessfulID,
		}
	}

	persist := func() error {
		wc := writer.Counters()
		snap := checkpoint.Checkpoint{
			Version:           checkpoint.VersionV2,
			CommittedRecords:  committed.records,
			CommittedProducts: baseProducts + wc.ProductsCopied,
			CommittedVariants: baseVariants + wc.VariantsCopied,
			CommittedBytes:    committed.bytes,
			CommittedLines:    committed.lines,
			LastSuccessfulID:  committed.lastID,
			LastCommitAt:      time.Now().UTC(),
			IsFullSnapshot:    opts.IsFullSnapshot,
		}
		if err := opts.Store.Save(ctx, opts.Tenant, opts.RunID, snap, snap.CommittedRecords, snap.CommittedBytes); err != nil {
			return fmt.Errorf("persisting checkpoint: %w", err)
		}
		res.Final = snap
		return nil
	}

	var st *stitch.Stitcher
	st, err = stitch.New(stitch.Config{
		ArtifactsDir:     opts.RunDir,
		Tenant:           opts.Tenant,
		BucketCount:      opts.BucketCount,
		MaxMemoryParents: opts.MaxMemoryParents,
		MaxMemoryOrphans: opts.MaxMemoryOrphans,
		Logger:           log,
		Emit: func(rec stitch.Record) error {
			emitted++
			if emitted <= resume.SkipRecords {
				return nil
			}
			if rec.ID != "" {
				lastSuccessfulID = rec.ID
			}
			flushed, err := writer.HandleRecord(ctx, rec)
			if err != nil {
				return err
			}
			if flushed {
				markCommitted()
				flushedSinceCkpt = true
			}
			return nil
		},
	})
	if err != nil {
		return res, err
	}
	defer func() {
		res.Decode = dec.Counters()
		res.Stitch = st.Counters()
		res.Staging = writer.Counters()
		st.Close()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("run cancelled: %w", err)
		}
		obj, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("decoding export line %d: %w", dec.Counters().TotalLines, err)
		}
		if err := st.ProcessObject(obj); err != nil {
			return res, fmt.Errorf("stitching line %d: %w", obj.Line, err)
		}
		if flushedSinceCkpt {
			flushedSinceCkpt = false
			if err := persist(); err != nil {
				return res, err
			}
		}
	}

	// Finalize drains spill buckets; orphan resolutions emit through the same
	// callback and may trigger further flushes.
	if err := st.Finalize(); err != nil {
		return res, fmt.Errorf("finalizing stitch pass: %w", err)
	}
	if err := writer.Flush(ctx); err != nil {
		return res, fmt.Errorf("final flush: %w", err)
	}
	markCommitted()
	if err := persist(); err != nil {
		return res, err
	}

	sc := st.Counters()
	log.Infow("run complete",
		"records", emitted,
		"products", sc.ProductsSeen,
		"variantsEmitted", sc.VariantsEmitted,
		"variantsQuarantined", sc.VariantsQuarantined,
		"metafieldsEmitted", sc.MetafieldsEmitted,
		"inventoryLevelsEmitted", sc.InventoryLevelsEmitted,
		"bytes", dec.Counters().BytesRead)
	return res, nil
}

// clearStaging removes any rows a prior aborted attempt left behind for this
// run. A fresh run must not double-stage.
func clearStaging(ctx context.Context, opts Options) error {
	for _, table := range []string{"staging_media", "staging_variants", "staging_products"} {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE bulk_run_id = $1 AND tenant_id = $2", table)
		if err := opts.Sink.Exec(ctx, stmt, opts.RunID, opts.Tenant); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

func withLogger(fo fetch.Options, log *zap.SugaredLogger) fetch.Options {
	if fo.Logger == nil {
		fo.Logger = log
	}
	return fo
}
