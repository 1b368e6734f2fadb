package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/UniQw/edgepurge"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/resolver"
)

// failedItem is the stats view of a failed item; the payload is printed as JSON.
type failedItem struct {
	Queue     string          `json:"queue"`
	ID        string          `json:"id"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp loads the config, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run one burst for every site and print its stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				ctx, stop := signalContext(cmd.Context())
				defer stop()
				stats, err := a.server.RunOnce(ctx)
				if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil {
					return werr
				}
				return err
			})
		},
	}
}

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Only consume change events into the queues; bursts run elsewhere",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				consumer, closeReader, err := a.newConsumer()
				if err != nil {
					return err
				}
				defer func() { _ = closeReader() }()
				ctx, stop := signalContext(cmd.Context())
				defer stop()
				a.log.Info("consuming change events",
					slog.Any("brokers", a.cfg.KafkaBrokers),
					slog.String("topic", a.cfg.KafkaTopic),
				)
				return consumer.Run(ctx)
			})
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete completed and failed items past retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				return a.server.CollectGarbage(cmd.Context())
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	var site string
	var failed int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depths and failed counts as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				ids := a.cfg.SiteIDs()
				if site != "" {
					ids = []string{site}
				}
				type siteStats struct {
					Site   string                 `json:"site"`
					Queues []edgepurge.QueueStats `json:"queues"`
					Failed []failedItem           `json:"failed,omitempty"`
				}
				out := make([]siteStats, 0, len(ids))
				for _, id := range ids {
					svc, err := a.server.Service(id)
					if err != nil {
						return err
					}
					st, err := svc.Stats(cmd.Context())
					if err != nil {
						return err
					}
					ss := siteStats{Site: id, Queues: st}
					if failed > 0 {
						for _, q := range []string{edgepurge.ObjectQueueName(id), edgepurge.URLQueueName(id)} {
							items, err := svc.ListFailedItems(cmd.Context(), q, failed)
							if err != nil {
								return err
							}
							for _, it := range items {
								ss.Failed = append(ss.Failed, failedItem{
									Queue:     it.Queue,
									ID:        it.ID,
									Attempts:  it.Attempts,
									Payload:   json.RawMessage(it.Payload),
									UpdatedAt: it.UpdatedAt,
								})
							}
						}
					}
					out = append(out, ss)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "only this site")
	cmd.Flags().IntVar(&failed, "failed", 0, "also list up to N failed items per queue")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a purge intent by hand",
	}
	cmd.PersistentFlags().StringVar(&site, "site", "", "target site (optional with a single site)")

	run := func(fn func(cmd *cobra.Command, svc *edgepurge.Service) ([]*queue.Item, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				svc, err := a.service(site)
				if err != nil {
					return err
				}
				items, err := fn(cmd, svc)
				if err != nil {
					return err
				}
				for _, it := range items {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", it.Queue, it.ID)
				}
				return nil
			})
		}
	}
	one := func(it *queue.Item, err error) ([]*queue.Item, error) {
		if err != nil {
			return nil, err
		}
		return []*queue.Item{it}, nil
	}

	postCmd := &cobra.Command{
		Use:   "post <id>",
		Short: "Purge a post and everything that lists it",
		Args:  cobra.ExactArgs(1),
	}
	postCmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("post id %q: %w", args[0], err)
		}
		return run(func(cmd *cobra.Command, svc *edgepurge.Service) ([]*queue.Item, error) {
			return one(svc.EnqueuePurgeIntent(cmd.Context(), resolver.TypePost, id))
		})(cmd, args)
	}

	var taxonomy string
	termCmd := &cobra.Command{
		Use:   "term <id>",
		Short: "Purge a taxonomy term archive",
		Args:  cobra.ExactArgs(1),
	}
	termCmd.Flags().StringVar(&taxonomy, "taxonomy", "category", "taxonomy of the term")
	termCmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("term id %q: %w", args[0], err)
		}
		return run(func(cmd *cobra.Command, svc *edgepurge.Service) ([]*queue.Item, error) {
			return one(svc.EnqueueTermPurge(cmd.Context(), id, taxonomy))
		})(cmd, args)
	}

	urlCmd := &cobra.Command{
		Use:   "url <url>",
		Short: "Purge one URL, or the post published there",
		Args:  cobra.ExactArgs(1),
	}
	urlCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(cmd *cobra.Command, svc *edgepurge.Service) ([]*queue.Item, error) {
			return one(svc.EnqueueURLPurge(cmd.Context(), args[0]))
		})(cmd, args)
	}

	tagCmd := &cobra.Command{
		Use:   "tag <tag>...",
		Short: "Purge cache tags",
		Args:  cobra.MinimumNArgs(1),
	}
	tagCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(cmd *cobra.Command, svc *edgepurge.Service) ([]*queue.Item, error) {
			return svc.EnqueueTagPurge(cmd.Context(), args...)
		})(cmd, args)
	}

	var networkWide bool
	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Purge the whole site, or every site with --network-wide",
		Args:  cobra.NoArgs,
	}
	allCmd.Flags().BoolVar(&networkWide, "network-wide", false, "purge every configured site")
	allCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(cmd *cobra.Command, svc *edgepurge.Service) ([]*queue.Item, error) {
			return one(svc.EnqueuePurgeAll(cmd.Context(), networkWide))
		})(cmd, args)
	}

	cmd.AddCommand(postCmd, termCmd, urlCmd, tagCmd, allCmd)
	return cmd
}
