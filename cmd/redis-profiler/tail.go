package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nkkko/redis-profiler/pkg/client"
	"github.com/nkkko/redis-profiler/pkg/protocol"
	"github.com/spf13/cobra"
)

const tailExamples = `  # Print every command run against the "cache" database
  redis-profiler tail cache

  # Use a remote profiler
  redis-profiler tail cache --url https://profiler.internal`

const defaultURL = "http://localhost:8080"

type tailOpts struct {
	url          string
	timeout      time.Duration
	pingInterval time.Duration
	showShard    bool
}

func newTailCmd() *cobra.Command {
	var opts tailOpts

	cmd := &cobra.Command{
		Use:     "tail <database>",
		Short:   "Stream the commands of a database",
		Example: tailExamples,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cmd.OutOrStdout(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", defaultURL, "Base URL of the profiler")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connection timeout")
	flags.DurationVar(&opts.pingInterval, "ping-interval", 30*time.Second, "Keepalive period")
	flags.BoolVar(&opts.showShard, "shard", false, "Prefix every line with the node it came from")
	return cmd
}

func runTail(ctx context.Context, out io.Writer, databaseID string, opts tailOpts) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := client.New(opts.url, client.WithTimeout(opts.timeout))

	stream, err := c.Connect(ctx, databaseID)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Monitor(); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}

	// Pause and close the stream on interrupt so the read loop ends
	go func() {
		<-ctx.Done()
		_ = stream.Pause()
		_ = stream.Close()
	}()

	go keepalive(ctx, stream, opts.pingInterval)

	for {
		msg, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("monitor stream closed: %w", err)
		}

		switch msg.Type {
		case protocol.TypeMonitorData:
			for _, ev := range msg.Data {
				fmt.Fprintln(out, formatEvent(ev, opts.showShard))
			}
		case protocol.TypeException:
			if msg.Error != nil {
				return fmt.Errorf("profiler error: %w", msg.Error)
			}
		}
	}
}

func keepalive(ctx context.Context, stream *client.Stream, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := stream.Ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// formatEvent renders an event the way redis-cli prints MONITOR output
func formatEvent(ev protocol.Event, showShard bool) string {
	var b strings.Builder

	if showShard {
		b.WriteString(ev.Shard.Host)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ev.Shard.Port))
		b.WriteByte(' ')
	}

	b.WriteString(strconv.FormatInt(ev.Time.Unix(), 10))
	b.WriteByte('.')
	b.WriteString(fmt.Sprintf("%06d", ev.Time.Nanosecond()/1000))
	b.WriteString(" [")
	b.WriteString(strconv.Itoa(ev.Database))
	b.WriteByte(' ')
	b.WriteString(ev.Source)
	b.WriteByte(']')

	for _, arg := range ev.Args {
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(arg))
	}
	return b.String()
}
