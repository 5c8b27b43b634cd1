// Status command for the funnel CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status --tenant TENANT [--run RUN]",
	Short: "Show checkpoint progress for a tenant's ingestion runs",
	Long: `Status lists the persisted checkpoints for a tenant. With --run it prints
the full checkpoint snapshot for that single run.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant identifier (required)")
	statusCmd.Flags().StringVar(&flagRunID, "run", "", "show one run's full checkpoint")
	_ = statusCmd.MarkFlagRequired("tenant")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	if flagRunID != "" {
		cp, err := store.Load(ctx, flagTenant, flagRunID)
		if err != nil {
			return err
		}
		if cp == nil {
			return usageErr("no checkpoint for tenant %q run %q", flagTenant, flagRunID)
		}
		if flagJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		}
		fmt.Printf("run %s (v%d)\n", flagRunID, cp.Version)
		fmt.Printf("  records:   %d\n", cp.CommittedRecords)
		fmt.Printf("  products:  %d\n", cp.CommittedProducts)
		fmt.Printf("  variants:  %d\n", cp.CommittedVariants)
		fmt.Printf("  bytes:     %d\n", cp.CommittedBytes)
		fmt.Printf("  lines:     %d\n", cp.CommittedLines)
		fmt.Printf("  last id:   %s\n", cp.LastSuccessfulID)
		fmt.Printf("  committed: %s\n", cp.LastCommitAt.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Printf("  snapshot:  %v\n", cp.IsFullSnapshot)
		return nil
	}

	runs, err := store.List(ctx, flagTenant)
	if err != nil {
		return err
	}
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Printf("no runs for tenant %q\n", flagTenant)
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  records=%d  bytes=%d  updated=%s\n",
			r.RunID, r.RecordsProcessed, r.BytesProcessed, r.UpdatedAt)
	}
	return nil
}
