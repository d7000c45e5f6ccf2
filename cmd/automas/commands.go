package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/batch"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/dispatcher"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/web/api"
)

const shutdownTimeout = 2 * time.Minute

var (
	servePort      int
	serveRetention time.Duration
	runMode        string
	runsTask       string
	runsOutcome    string
	runsLimit      int
	historyPeriod  string
	historyFrom    string
	historyTo      string
	historyUser    string
	historyLogs    bool
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and queue timers",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().DurationVar(&serveRetention, "retention", 90*24*time.Hour, "drop run records older than this on start, 0 keeps all")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run TARGET",
		Short: "Run a queue or script in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runMode, "mode", string(domain.ModeAutoRun), "auto-run, manual-review or configure-script")
	rootCmd.AddCommand(runCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs [RUN]",
		Short: "List finished runs or show one with its attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsTask, "task", "", "filter by task or queue id")
	runsCmd.Flags().StringVar(&runsOutcome, "outcome", "", "filter by outcome")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(runsCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Summarise attempt history per user",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyPeriod, "period", "day", "day, week or month")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "first date (YYYY-MM-DD, default 7 days ago)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "last date (YYYY-MM-DD, default today)")
	historyCmd.Flags().StringVar(&historyUser, "user", "", "only this user (name or id)")
	historyCmd.Flags().BoolVar(&historyLogs, "logs", false, "print every attempt with its captured log")
	rootCmd.AddCommand(historyCmd)

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.store.Snapshot()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveRetention > 0 {
		n, err := a.runs.Prune(ctx, time.Now().Add(-serveRetention))
		if err != nil {
			return fmt.Errorf("pruning runs: %w", err)
		}
		if n > 0 {
			log.Info("pruned old runs", "count", n)
		}
	}

	timers, err := batch.TimersFrom(cfg)
	if err != nil {
		return err
	}
	sched, err := batch.NewScheduler(timers, a.tasks.AddTask)
	if err != nil {
		return err
	}

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(api.Options{
		Addr:       addr,
		Dispatcher: a.tasks,
		Runs:       a.runs,
		History:    a.history,
		Hub:        a.hub,
		Mailbox:    a.mailbox,
		Gatherer:   a.registry,
		Timers:     sched,
		Observer:   a.observer,
		Version:    version,
	})

	for _, q := range sched.Queues() {
		log.Info("queue timer armed", "queue", q, "next", sched.NextRun(q))
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(sched.Stop(shutdownCtx), a.tasks.Shutdown(shutdownCtx))
	})

	fmt.Printf("Serving API at http://%s\n", addr)
	return g.Wait()
}

func runRun(cmd *cobra.Command, args []string) error {
	mode, err := domain.ParseMode(runMode)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	evs, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	taskID, err := a.tasks.AddTask(mode, args[0])
	if err != nil {
		return err
	}
	fmt.Println(renderTitle(fmt.Sprintf("%s %s (task %s)", mode, args[0], taskID)))

	lines := readLines(cmd.InOrStdin())
	var pending []events.Prompt
	for {
		select {
		case ev := <-evs:
			if ev.TaskID != taskID {
				continue
			}
			if line := renderEvent(ev); line != "" {
				fmt.Println(line)
			}
			switch p := ev.Payload.(type) {
			case events.Prompt:
				pending = append(pending, p)
			case events.Completion:
				return finishRun(a, taskID, p)
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if len(pending) == 0 {
				continue
			}
			msg, ok := answerPrompt(pending[0], line)
			if !ok {
				fmt.Println(renderNotice("warning", "answer with one of: "+strings.Join(pending[0].Options, ", ")))
				continue
			}
			pending = pending[1:]
			a.mailbox.Publish(msg)
		case <-ctx.Done():
			fmt.Println(renderNotice("warning", "stopping, waiting for cleanup"))
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.tasks.StopTask(stopCtx, taskID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return ctx.Err()
		}
	}
}

// finishRun lets the dispatcher finish recording and notifying before the
// process exits.
func finishRun(a *app, taskID string, c events.Completion) error {
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tasks.Shutdown(waitCtx); err != nil {
		return err
	}
	if c.Outcome == string(domain.StatusError) {
		return fmt.Errorf("task %s finished with errors: %s", taskID, c.Error)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		run, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(renderRun(*run, time.Now()))
		return nil
	}

	runs, err := store.ListRuns(ctx, taskstore.ListOptions{
		TaskID:  runsTask,
		Outcome: runsOutcome,
		Limit:   runsLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	fmt.Print(renderRuns(runs, time.Now()))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	period, err := history.ParsePeriod(historyPeriod)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	to := time.Now()
	from := to.AddDate(0, 0, -7)
	if historyFrom != "" {
		if from, err = time.ParseInLocation(dateLayout, historyFrom, time.Local); err != nil {
			return fmt.Errorf("%w: --from: %v", domain.ErrValidation, err)
		}
	}
	if historyTo != "" {
		if to, err = time.ParseInLocation(dateLayout, historyTo, time.Local); err != nil {
			return fmt.Errorf("%w: --to: %v", domain.ErrValidation, err)
		}
	}

	rec := history.NewRecorder(cfg.General.HistoryDir)
	entries, err := rec.Load(from, to)
	if err != nil {
		return err
	}
	if historyUser != "" {
		entries = filterUser(entries, historyUser)
	}
	if len(entries) == 0 {
		fmt.Printf("No history in range under %s\n", rec.Root())
		return nil
	}

	if historyLogs {
		for _, e := range entries {
			lines, err := history.ReadLog(e)
			if err != nil {
				log.Warn("reading attempt log failed", "path", e.LogPath, "error", err)
			}
			fmt.Print(renderEntry(e, lines))
		}
		return nil
	}
	fmt.Print(renderHistory(history.Aggregate(entries, period)))
	return nil
}

func filterUser(entries []history.Entry, user string) []history.Entry {
	var out []history.Entry
	for _, e := range entries {
		if e.User == user || e.UserID == user {
			out = append(out, e)
		}
	}
	return out
}

var _ api.Dispatcher = (*dispatcher.Dispatcher)(nil)
