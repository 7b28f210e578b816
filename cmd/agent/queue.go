package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bilal/edr-agent/internal/queue"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the local relay queue",
	}
	cmd.AddCommand(newQueueStatsCmd(opts), newQueueFlushCmd(opts))
	return cmd
}

func newQueueStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many envelopes are waiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := queue.Stat(cfg.Queue.Path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "path:    %s\nentries: %d\ncorrupt: %d\nbytes:   %d\n",
				cfg.Queue.Path, st.Entries, st.Corrupt, st.Bytes)
			return nil
		},
	}
}

func newQueueFlushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay the queue once (refused while the agent owns the queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			q, err := queue.Open(cfg.Queue.Path)
			if err != nil {
				return err
			}
			defer q.Close()

			client, err := newClient(cfg, q)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Flush(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered: %d\nretained:  %d\ncorrupt:   %d\n",
				res.Delivered, res.Retained, res.Corrupt)
			return nil
		},
	}
}
