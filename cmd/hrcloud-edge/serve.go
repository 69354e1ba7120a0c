package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/hrcloud/edge"
	"github.com/hrcloud/edge/manifest"
	"github.com/hrcloud/edge/tracing"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var address, port string
	var open bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge",
		Long: `Run the edge in the configured mode.

The manifest is deployed on start, resuming from the database when the store of
its version is already complete. When that deployment fails the edge still
listens and passes requests through until a later manifest change deploys. While running, a change to the manifest file
deploys the new version. A manifest_path that is an http(s) URL is polled every
manifest_poll instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEdge(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			shutdown, err := tracing.Setup(ctx, e.Config.OTelEndpoint, "hrcloud-edge", version)
			if err != nil {
				return fmt.Errorf("setting up tracing : %w", err)
			}
			defer shutdown(context.WithoutCancel(ctx))

			if address == "" {
				address = e.Config.Address
			}
			if port == "" {
				port = e.Config.Port
			}

			m, err := e.LoadManifest(ctx, e.Config.ManifestPath)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				e.Logger.Warn("no manifest yet, requests pass through", "path", e.Config.ManifestPath)
			case err != nil && manifest.IsRemote(e.Config.ManifestPath):
				e.Logger.Warn("manifest unreachable, requests pass through", "url", e.Config.ManifestPath, "error", err)
			case err != nil:
				return err
			default:
				if _, err := e.Start(ctx, m); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					// Same as a failed redeploy: keep serving, the next manifest change retries.
					e.Logger.Warn("initial deployment failed, requests pass through", "version", m.Version(), "error", err)
				}
			}

			if e.Config.WatchManifest {
				go func() {
					if err := e.WatchManifest(ctx, e.Config.ManifestPath); err != nil {
						e.Logger.Error("manifest watcher stopped", "error", err)
					}
				}()
			}

			l, err := e.Listen(address, port)
			if err != nil {
				return err
			}

			errs := make(chan error, 1)
			go func() { errs <- e.Serve(l) }()

			if open {
				if err := e.OpenBrowser(address, port); err != nil {
					e.Logger.Warn("could not open browser", "error", err)
				}
			}

			select {
			case <-ctx.Done():
				e.Logger.Info("shutting down")
				return e.Close()
			case err := <-errs:
				if errors.Is(err, edge.ErrEdgeClosed) {
					return nil
				}
				return err
			}
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (default from config)")
	cmd.Flags().StringVar(&port, "port", "", "listen port (default from config)")
	cmd.Flags().BoolVar(&open, "open", false, "launch Chrome against the edge once listening")
	return cmd
}
