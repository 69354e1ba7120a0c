package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/hrcloud/edge/domain"
	"github.com/hrcloud/edge/rawhttp"
	"github.com/spf13/cobra"
)

func newStoresCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List cache stores and their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEdge(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			current := ""
			if m, err := e.LoadManifest(cmd.Context(), e.Config.ManifestPath); err == nil {
				current = m.StoreName()
			}

			names, err := e.Cache.StoreNames(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tENTRIES\t")
			for _, name := range names {
				count, err := e.Cache.CountEntries(cmd.Context(), name)
				if err != nil {
					return err
				}
				marker := ""
				if name == current {
					marker = "current"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", name, count, marker)
			}
			return w.Flush()
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "show <store> [url]",
		Short: "List the entries of a store, or dump one entry",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEdge(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			store := args[0]
			if len(args) == 2 {
				key := domain.RequestKey{Method: http.MethodGet, URL: args[1]}
				captured, err := e.Cache.Match(cmd.Context(), store, key)
				if err != nil {
					return fmt.Errorf("%s in %s: %w", key, store, err)
				}
				dump, err := rawhttp.DumpCaptured(key, captured, !raw)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(dump)
				return err
			}

			entries, err := e.Cache.Entries(cmd.Context(), store)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "URL\tSTATUS\tTYPE\tLENGTH\tCAPTURED")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
					entry.Key.URL, entry.StatusCode, entry.ContentType, entry.Length,
					entry.CapturedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the body exactly as stored")
	return cmd
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Print the persisted lifecycle log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEdge(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if e.Logs == nil {
				return fmt.Errorf("no database configured")
			}
			logs, err := e.Logs.GetLogs()
			if err != nil {
				return err
			}
			for _, log := range logs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s %s", log.Timestamp.Local().Format(time.DateTime), log.Level, log.Message)
				if log.Version != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " version=%s", log.Version)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}
