package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rb3ckers/trafficfunnel/internal/coalesce"
	"github.com/rb3ckers/trafficfunnel/internal/config"
	"github.com/rb3ckers/trafficfunnel/internal/fetch"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func ProbeCommand(cfg *config.Config) *cobra.Command {
	var (
		parallel int
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Fires concurrent identical requests at a URL through the coalescer",
		Long: `
Issues a burst of identical GET requests through a local coalescing registry
and reports how many actually reached the target. A burst that lands inside
one in-flight window reports a single upstream call regardless of its size.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunProbe(cmd.Context(), args[0], parallel, timeout, cfg)
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 10, "Number of concurrent requests to fire")         //nolint:gomnd
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up on the probe after this long") //nolint:gomnd

	return cmd
}

func RunProbe(ctx context.Context, target string, parallel int, timeout time.Duration, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	registry := coalesce.NewRegistry(log.Logger)
	fetcher := fetch.NewFetcher(registry, time.Duration(cfg.RetryAfter)*time.Minute, log.Logger)

	desc := fetch.Description{Target: target}

	var received atomic.Int64

	g, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < parallel; i++ {
		g.Go(func() error {
			body, err := fetcher.Bytes(groupCtx, desc)
			if err != nil {
				return err
			}

			received.Add(int64(len(body)))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	stats := registry.Stats()

	fmt.Printf("Fired %d concurrent GET requests at %s\n", parallel, target)
	fmt.Printf("Upstream calls : %d\n", stats.Started)
	fmt.Printf("Coalesced joins: %d\n", stats.Joined)
	fmt.Printf("Bytes received : %d\n", received.Load())

	return nil
}
