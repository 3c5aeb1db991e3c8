package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nkkko/redis-profiler/pkg/client"
	"github.com/spf13/cobra"
)

func newDatabasesCmd() *cobra.Command {
	var url string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "databases",
		Short: "List the databases of a profiler and their monitor state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDatabases(cmd.Context(), cmd.OutOrStdout(), client.New(url, client.WithTimeout(timeout)))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&url, "url", defaultURL, "Base URL of the profiler")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func runDatabases(ctx context.Context, out io.Writer, c *client.Client) error {
	dbs, err := c.Databases(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tCLUSTER\tSTATE\tSESSIONS\tSHARDS")
	for _, db := range dbs {
		status, err := c.ProfilerStatus(ctx, db.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%t\t%s\t%d\t%d\n",
			db.ID, db.Name, db.Host, db.Port, db.Cluster, status.State, status.Sessions, len(status.Shards))
	}
	return w.Flush()
}
