package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tradeflow/access"
	"tradeflow/assignment"
	"tradeflow/auth"
	"tradeflow/config"
	"tradeflow/db"
	"tradeflow/dispute"
	"tradeflow/invoice"
	"tradeflow/job"
	"tradeflow/messaging"
	"tradeflow/outbox"
	"tradeflow/quote"
	"tradeflow/settlement"
	"tradeflow/timeline"
	"tradeflow/variation"
)

var rootCmd = &cobra.Command{
	Use:           "tradeflow",
	Short:         "Tradeflow job, invoice and escrow engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(timelineCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.AppConfig) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// app holds the shared process dependencies of every command.
type app struct {
	cfg    config.AppConfig
	logger *slog.Logger
	pool   *pgxpool.Pool
}

func (rt *app) Close() {
	rt.pool.Close()
}

func bootstrap(ctx context.Context, validate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else if cfg.Database.URL == "" {
		return nil, errors.New("config: DATABASE_URL is required")
	}
	logger := newLogger(cfg)
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return &app{cfg: cfg, logger: logger, pool: pool}, nil
}

func newServices(rt *app) (Services, error) {
	settler, err := settlement.NewClient(settlement.Config{
		BaseURL:    rt.cfg.Settlement.URL,
		APIKey:     rt.cfg.Settlement.APIKey,
		Timeout:    rt.cfg.Settlement.Timeout,
		RetryLimit: rt.cfg.Settlement.RetryLimit,
	})
	if err != nil {
		return Services{}, err
	}

	jobs := job.NewRepository()
	invoices := invoice.NewRepository()
	assignments := assignment.NewService(rt.pool, nil, nil, nil, nil)
	authSvc := auth.NewService(auth.NewRepository(rt.pool), rt.cfg.Auth.JWTSecret, rt.cfg.Auth.ServiceActorID)

	return Services{
		Auth:        authSvc,
		Jobs:        job.NewService(rt.pool, jobs),
		Quotes:      quote.NewService(rt.pool, nil, assignments),
		Assignments: assignments,
		Invoices: invoice.NewService(rt.pool, invoice.Deps{
			Repo:    invoices,
			Settler: settler,
		}).WithPaymentTerms(rt.cfg.InvoicePaymentTerms),
		Variations: variation.NewService(rt.pool, variation.Deps{Invoices: invoices}),
		Disputes:   dispute.NewService(rt.pool, dispute.Deps{Invoices: invoices}),
		Timeline:   timeline.NewService(rt.pool, timeline.NewRepository(), jobs),
	}, nil
}

// newRelay wires the outbox relay to the messaging collaborator, caching
// conversation lookups in Redis when it is configured.
func newRelay(rt *app) (*outbox.Relay, func(), error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		BaseURL: rt.cfg.Messaging.URL,
		APIKey:  rt.cfg.Messaging.APIKey,
		Timeout: rt.cfg.Messaging.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	var messenger messaging.Messenger = client
	cleanup := func() {}
	if rt.cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     rt.cfg.Redis.Addr,
			Password: rt.cfg.Redis.Password,
			DB:       rt.cfg.Redis.DB,
		})
		messenger = messaging.NewCachedMessenger(client, rdb, rt.cfg.Messaging.ConversationCacheTTL, rt.logger)
		cleanup = func() { _ = rdb.Close() }
	}
	notifier := messaging.NewNotifier(messenger, rt.cfg.Messaging.DeepLinkBaseURL, rt.logger)
	relay := outbox.NewRelay(rt.pool, outbox.NewRepository(), notifier, rt.logger, outbox.RelayConfig{
		BatchSize:    rt.cfg.Outbox.BatchSize,
		MaxAttempts:  rt.cfg.Outbox.MaxAttempts,
		PollInterval: rt.cfg.Outbox.PollInterval,
	})
	return relay, cleanup, nil
}

func serveCmd() *cobra.Command {
	var withRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc, err := newServices(rt)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:         rt.cfg.HTTP.Addr,
				Handler:      newHandler(svc, rt.logger),
				ReadTimeout:  rt.cfg.HTTP.ReadTimeout,
				WriteTimeout: rt.cfg.HTTP.WriteTimeout,
			}

			var relay *outbox.Relay
			if withRelay {
				r, cleanup, err := newRelay(rt)
				if err != nil {
					return err
				}
				defer cleanup()
				relay = r
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.logger.InfoContext(gctx, "http server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTP.ShutdownTimeout)
				defer cancel()
				rt.logger.Info("http server shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			if relay != nil {
				g.Go(func() error { return relay.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withRelay, "relay", true, "run the outbox relay in-process")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			return db.Migrate(cmd.Context(), rt.pool, rt.logger)
		},
	}
}

func relayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver pending outbox notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			relay, cleanup, err := newRelay(rt)
			if err != nil {
				return err
			}
			defer cleanup()
			if once {
				n, err := relay.RunOnce(cmd.Context())
				rt.logger.InfoContext(cmd.Context(), "relay batch delivered", "messages", n)
				return err
			}
			return relay.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "deliver one batch and exit")
	return cmd
}

func timelineCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print a job's timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(jobID) == "" {
				return errors.New("--job is required")
			}
			rt, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := timeline.NewService(rt.pool, timeline.NewRepository(), job.NewRepository())
			events, err := svc.List(cmd.Context(), access.ServiceActor(rt.cfg.Auth.ServiceActorID), jobID)
			if err != nil {
				return err
			}
			renderTimeline(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	return cmd
}

func renderTimeline(out io.Writer, events []timeline.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Seq", "When", "Event", "Actor", "Visibility"})
	for _, e := range events {
		actor := "-"
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		tw.AppendRow(table.Row{e.Seq, e.CreatedAt.Format(time.RFC3339), e.Title(), actor, e.Visibility})
	}
	tw.Render()
}
