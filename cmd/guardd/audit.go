package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/store/pg"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the persisted security event trail",
	}

	var (
		since time.Duration
		limit int
	)
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest security events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s *pg.Store) error {
				events, err := s.Recent(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				return writeEvents(cmd.OutOrStdout(), events)
			})
		},
	}
	recent.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	recent.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	trail := &cobra.Command{
		Use:   "trail RESOURCE_TYPE RESOURCE_ID",
		Short: "Print every stored event touching one resource, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s *pg.Store) error {
				events, err := s.Trail(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeEvents(cmd.OutOrStdout(), events)
			})
		},
	}

	var verifyLimit int
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain over the newest stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s *pg.Store) error {
				events, err := s.Recent(ctx, time.Time{}, verifyLimit)
				if err != nil {
					return err
				}
				slices.Reverse(events)
				if err := audit.VerifySequence(events); err != nil {
					return err
				}
				head, err := s.LastHash(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "verified %d events, head %s\n", len(events), head)
				return nil
			})
		},
	}
	verify.Flags().IntVar(&verifyLimit, "limit", 1000, "number of newest events to check")

	cmd.AddCommand(recent, trail, verify)
	return cmd
}

func withStore(fn func(context.Context, *pg.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, store)
}

func writeEvents(w io.Writer, events []audit.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
