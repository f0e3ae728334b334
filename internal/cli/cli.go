package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ignatij/campaignflow/internal/config"
	"github.com/ignatij/campaignflow/internal/events"
	internal_http "github.com/ignatij/campaignflow/internal/http"
	"github.com/ignatij/campaignflow/internal/log"
	"github.com/ignatij/campaignflow/internal/metrics"
	"github.com/ignatij/campaignflow/internal/plan"
	internal_storage "github.com/ignatij/campaignflow/internal/storage"
	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// SetupCLI registers the serve, runs and jobs commands on rootCmd.
func SetupCLI(rootCmd *cobra.Command, cfg config.Config) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (defaults to DATABASE_URL or DB_* env vars)")
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(serveCmd(cfg), runsCmd(cfg), jobsCmd(cfg))
}

// backend is a store plus the services wired on top of it.
type backend struct {
	controller *service.Controller
	control    *service.ControlService
	closers    []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.GetLogger().Errorf("Failed to close: %v", err)
		}
	}
}

func dsnFrom(cmd *cobra.Command, cfg config.Config) (string, error) {
	dsn, err := cmd.Flags().GetString("db")
	if err != nil {
		return "", errors.Wrap(err, "error retrieving db flag")
	}
	if dsn == "" {
		dsn = cfg.DSN()
	}
	if dsn == "" {
		return "", errors.New("--db flag or DATABASE_URL / DB_* env vars required")
	}
	return dsn, nil
}

// openBackend connects to the configured store and builds the controller.
// Committed transitions are also published to Redis when REDIS_URL is set,
// so mutations made from the CLI reach the same subscribers as the server's.
func openBackend(store storage.Store, cfg config.Config, opts ...service.ControllerOption) (*backend, error) {
	b := &backend{}
	logger := log.GetLogger()
	opts = append([]service.ControllerOption{
		service.WithRetryPolicy(service.MaxRetriesPolicy{Max: cfg.MaxRetries}),
	}, opts...)
	if cfg.RedisURL != "" {
		pub, err := events.NewRedisPublisher(cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pub.Close)
		opts = append(opts, service.WithEventSink(pub))
	}
	b.controller = service.NewController(store, logger, opts...)
	b.control = service.NewControlService(store, b.controller, logger)
	return b, nil
}

func openPostgres(cmd *cobra.Command, cfg config.Config) (*backend, error) {
	dsn, err := dsnFrom(cmd, cfg)
	if err != nil {
		return nil, err
	}
	log.GetLogger().Debugf("Connecting to database")
	store, err := internal_storage.InitStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}
	b, err := openBackend(store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	b.closers = append([]func() error{store.Close}, b.closers...)
	return b, nil
}

func serveCmd(cfg config.Config) *cobra.Command {
	var (
		memory         bool
		port           string
		workers        int
		simulateQueues []string
		simulateDelay  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				store  storage.Store
				health func(ctx context.Context) error
			)
			if memory {
				log.GetLogger().Warn("Using the in-memory store; state is lost on exit")
				store = storage.NewMemoryStore()
			} else {
				dsn, err := dsnFrom(cmd, cfg)
				if err != nil {
					return err
				}
				pg, err := internal_storage.InitStore(dsn)
				if err != nil {
					return errors.Wrap(err, "failed to initialize store")
				}
				defer pg.Close()
				store, health = pg, pg.Ping
			}

			hub := service.NewEventHub(service.WithReplayRuns(replayRuns))
			rec := metrics.NewRecorder(nil)
			b, err := openBackend(store, cfg,
				service.WithEventSink(hub, rec, forgetFinishedRuns(hub, replayRetention)),
				service.WithRejectHook(rec.Reject))
			if err != nil {
				return err
			}
			defer b.Close()

			logger := log.GetLogger()
			dispatcher := service.NewDispatcher(store, b.controller, logger,
				service.WithDispatchInterval(cfg.DispatchInterval),
				service.WithDispatchBatch(cfg.DispatchBatch),
				service.WithSweepObserver(rec.ObserveSweep))
			b.controller.AddSink(dispatcher)

			srv := internal_http.NewServer(b.control,
				internal_http.WithEventHub(hub),
				internal_http.WithMetrics(rec),
				internal_http.WithHealthCheck(health))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return internal_http.Serve(gctx, ":"+port, srv.Routes())
			})
			g.Go(func() error {
				return dispatcher.Run(gctx)
			})
			if len(simulateQueues) > 0 {
				wp := service.NewWorkerPool(store, b.controller, logger)
				for _, q := range simulateQueues {
					wp.Register(q, simulatedHandler(simulateDelay))
				}
				logger.Infof("Simulating workers for queues %s", strings.Join(simulateQueues, ","))
				wp.Start(gctx, workers)
				g.Go(func() error {
					<-gctx.Done()
					wp.Stop()
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "Use the in-memory store instead of Postgres")
	cmd.Flags().StringVar(&port, "port", cfg.Port, "HTTP listen port")
	cmd.Flags().IntVar(&workers, "workers", cfg.Workers, "Simulated workers (0 means one per CPU)")
	cmd.Flags().StringSliceVar(&simulateQueues, "simulate-queues", nil, "Queues served by an in-process worker that completes every job")
	cmd.Flags().DurationVar(&simulateDelay, "simulate-delay", time.Second, "Time a simulated job takes")
	return cmd
}

// replayRetention is how long the event replay of a finished run is kept for
// late websocket subscribers. FAILED runs can still be retried, so their
// buffers are only reclaimed by the replayRuns cap.
const (
	replayRetention = 10 * time.Minute
	replayRuns      = 1000
)

func forgetFinishedRuns(hub *service.EventHub, after time.Duration) service.EventSink {
	return service.EventSinkFunc(func(_ context.Context, evt models.Event) {
		if evt.JobID != "" {
			return
		}
		switch models.RunStatus(evt.To) {
		case models.CompletedRunStatus, models.CancelledRunStatus:
			time.AfterFunc(after, func() { hub.Forget(evt.RunID) })
		}
	})
}

// simulatedHandler completes every job after delay. It stands in for the
// external workers during local runs.
func simulatedHandler(delay time.Duration) service.JobHandler {
	return func(ctx context.Context, job models.WorkflowJob) (models.Payload, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.Marshal(map[string]any{"simulated": true, "job": job.JobName})
	}
}

func runsCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control workflow runs",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openPostgres(cmd, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			var filter *models.RunStatus
			if status != "" {
				st := models.RunStatus(strings.ToUpper(status))
				filter = &st
			}
			runs, err := b.control.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Only list runs in this status")

	getCmd := &cobra.Command{
		Use:   "get [run-id]",
		Short: "Show a run with its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openPostgres(cmd, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			detail, err := b.control.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detail)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show the transition log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openPostgres(cmd, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			records, err := b.control.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}

	var (
		planFile string
		dryRun   bool
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run from a plan file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.LoadFile(planFile)
			if err != nil {
				return err
			}
			spec, err := p.RunSpec(time.Now().UTC())
			if err != nil {
				return err
			}
			if dryRun {
				return printJSON(cmd.OutOrStdout(), spec)
			}
			b, err := openPostgres(cmd, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			run, err := b.control.CreateRun(cmd.Context(), spec)
			if err != nil {
				return err
			}
			log.WithRun(run.ID).Debugf("Created from plan %s", planFile)
			fmt.Fprintf(cmd.OutOrStdout(), "Created run %s for campaign %s with %d jobs (%s)\n",
				run.ID, run.CampaignRef, run.TotalJobs, run.Status)
			return nil
		},
	}
	createCmd.Flags().StringVarP(&planFile, "file", "f", "", "Plan file (YAML or JSON, - for stdin)")
	createCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the expanded run request without storing it")
	_ = createCmd.MarkFlagRequired("file")

	actions := []struct {
		use, short, verb string
		fn               func(*service.ControlService, context.Context, string) (models.WorkflowRun, error)
	}{
		{"pause", "Stop dispatching new jobs of a run", "Paused", (*service.ControlService).PauseRun},
		{"resume", "Resume dispatching a paused run", "Resumed", (*service.ControlService).ResumeRun},
		{"cancel", "Cancel a run and its pending jobs", "Cancelled", (*service.ControlService).CancelRun},
	}
	cmd.AddCommand(listCmd, getCmd, historyCmd, createCmd)
	for _, a := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   a.use + " [run-id]",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := openPostgres(cmd, cfg)
				if err != nil {
					return err
				}
				defer b.Close()
				run, err := a.fn(b.control, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s run %s (status %s, progress %.0f%%)\n",
					a.verb, run.ID, run.Status, run.Progress*100)
				return nil
			},
		})
	}
	return cmd
}

func jobsCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Retry jobs and report worker outcomes",
	}

	retryCmd := &cobra.Command{
		Use:   "retry [job-id]",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openPostgres(cmd, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			job, err := b.control.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-queued job %s (%s), retry %d\n", job.ID, job.JobName, job.RetryCount)
			return nil
		},
	}

	var (
		status  string
		message string
		result  string
	)
	reportCmd := &cobra.Command{
		Use:   "report [job-id]",
		Short: "Report a job outcome as a worker would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := models.ParseJobStatus(strings.ToUpper(status))
			if err != nil {
				return err
			}
			var payload models.Payload
			if result != "" {
				if !json.Valid([]byte(result)) {
					return errors.New("--result must be valid JSON")
				}
				payload = models.Payload(result)
			}
			b, err := openPostgres(cmd, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			job, err := b.control.ReportJob(cmd.Context(), args[0], to,
				service.JobOutcome{ErrorMessage: message, Result: payload})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s (%s) is now %s\n", job.ID, job.JobName, job.Status)
			return nil
		},
	}
	reportCmd.Flags().StringVar(&status, "status", "", "RUNNING, COMPLETED, FAILED, SKIPPED or CANCELLED")
	reportCmd.Flags().StringVar(&message, "error", "", "Error message for a FAILED report")
	reportCmd.Flags().StringVar(&result, "result", "", "JSON result for a COMPLETED report")
	_ = reportCmd.MarkFlagRequired("status")

	cmd.AddCommand(retryCmd, reportCmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []models.WorkflowRunSummary) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCAMPAIGN\tSTATUS\tPROGRESS\tJOBS\tQUEUED\tFAILED\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d\t%d\t%d\t%s\n",
			r.ID, r.CampaignRef, r.Status, r.Progress*100, r.TotalJobs, r.QueuedJobs, r.FailedJobs,
			r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printHistory(w io.Writer, records []models.TransitionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tENTITY\tJOB\tFROM\tTO\tMESSAGE")
	for _, rec := range records {
		job := "-"
		if rec.JobID != nil {
			job = *rec.JobID
		}
		from := rec.FromStatus
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.LoggedAt.Format(time.RFC3339), rec.Entity, job, from, rec.ToStatus, rec.Message)
	}
	return tw.Flush()
}
