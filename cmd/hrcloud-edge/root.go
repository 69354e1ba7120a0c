package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hrcloud/edge"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configDir string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "hrcloud-edge",
		Short: "Offline edge for the Ham Radio Cloud logbook",
		Long: `hrcloud-edge sits between the browser and the logbook backend.

It precaches the build assets of every deployment, serves them without the
network, keeps a copy of visited pages for offline use and answers API calls
with 503 when the backend cannot be reached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}} (commit: %s)\n", commit))

	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", defaultConfigDir(), "directory holding config.yaml and the database")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every request")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInstallCmd(opts),
		newActivateCmd(opts),
		newStoresCmd(opts),
		newShowCmd(opts),
		newLogsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".hrcloud-edge"
	}
	return filepath.Join(dir, "hrcloud-edge")
}

// openEdge loads the configuration and builds an edge from it. The caller closes the edge.
func openEdge(cmd *cobra.Command, opts *rootOptions) (*edge.Edge, error) {
	cfg, err := edge.LoadConfig(opts.configDir)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	return edge.New(
		edge.WithLogger(logger),
		edge.WithConfig(cfg),
	)
}

// manifestPath returns the first argument, or the configured manifest when none is given.
func manifestPath(e *edge.Edge, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return e.Config.ManifestPath
}
