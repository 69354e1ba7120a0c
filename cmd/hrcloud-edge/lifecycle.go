package main

import (
	"context"
	"fmt"

	"github.com/hrcloud/edge"
	"github.com/hrcloud/edge/core"
	"github.com/spf13/cobra"
)

// newWorker builds a worker for the manifest at source using the edge's store and network.
func newWorker(ctx context.Context, e *edge.Edge, source string) (*edge.Worker, error) {
	m, err := e.LoadManifest(ctx, source)
	if err != nil {
		return nil, err
	}
	return edge.NewWorker(edge.WorkerConfig{
		Manifest:           m,
		Origin:             e.Origin,
		Store:              e.Cache,
		Network:            e.Network,
		APIPrefix:          e.APIPrefix,
		InstallConcurrency: e.InstallConcurrency,
		Logger:             e.Logger,
		Events: func(level, message string, context map[string]any) {
			e.WriteLog(level, message, core.LogWithContext(context), core.LogWithVersion(m.Version()))
		},
	})
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install [manifest]",
		Short: "Precache every asset of a manifest into its store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEdge(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			worker, err := newWorker(cmd.Context(), e, manifestPath(e, args))
			if err != nil {
				return err
			}
			if err := worker.OnInstall(cmd.Context()); err != nil {
				return err
			}
			message := fmt.Sprintf("installed %d assets into %s", worker.Manifest().Len(), worker.StoreName())
			e.WriteLog("INFO", message, core.LogWithVersion(worker.Version()))
			fmt.Fprintln(cmd.OutOrStdout(), message)
			return nil
		},
	}
}

func newActivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate [manifest]",
		Short: "Delete every store but the one of the manifest's version",
		Long: `Activate the manifest's version. Its store must already hold every asset,
run install first. Every other store is deleted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEdge(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			worker, err := newWorker(cmd.Context(), e, manifestPath(e, args))
			if err != nil {
				return err
			}
			complete, err := worker.Restore(cmd.Context())
			if err != nil {
				return err
			}
			if !complete {
				return fmt.Errorf("%w: %s is incomplete, run install first", edge.ErrNotInstalled, worker.StoreName())
			}
			if err := worker.OnActivate(cmd.Context()); err != nil {
				return err
			}
			message := fmt.Sprintf("%s is active", worker.StoreName())
			e.WriteLog("INFO", message, core.LogWithVersion(worker.Version()))
			fmt.Fprintln(cmd.OutOrStdout(), message)
			return nil
		},
	}
}
