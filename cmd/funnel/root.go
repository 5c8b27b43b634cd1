// Root command for the funnel CLI.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/funnel/internal/logging"
	"github.com/mesh-intelligence/funnel/internal/paths"
	"github.com/mesh-intelligence/funnel/pkg/funnel"
)

// Exit codes: 0 success, 1 user error, 2 system error.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// Global flag values.
var (
	flagConfigDir    string
	flagArtifactsDir string
	flagJSON         bool
	flagLogLevel     string
)

// cfg holds the loaded config.yaml values. Set by PersistentPreRunE so all
// subcommands can use it.
var cfg *config

// log is the process logger, built once flags are parsed.
var log *zap.SugaredLogger

var rootCmd = &cobra.Command{
	Use:     "funnel",
	Short:   "Funnel ingests bulk JSONL exports into relational staging tables",
	Version: funnel.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configDir, err := paths.ResolveConfigDir(flagConfigDir)
		if err != nil {
			return err
		}

		cfg, err = loadConfig(configDir)
		if err != nil {
			return err
		}

		log, err = logging.New(flagJSON, flagLogLevel)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&flagArtifactsDir, "artifacts-dir", "", "artifact directory (default: $(CWD)/.funnel-artifacts)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "log and report as JSON")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statusCmd)
}

// resolveArtifactsDir follows the precedence chain:
// --artifacts-dir flag > config.yaml artifacts_dir > FUNNEL_ARTIFACTS_DIR env
// > default $(CWD)/.funnel-artifacts.
func resolveArtifactsDir() (string, error) {
	return paths.ResolveArtifactsDir(flagArtifactsDir, cfg.ArtifactsDir)
}
