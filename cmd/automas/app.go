package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/broadcast"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/dispatcher"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/judge"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/notify"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/observer"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/process"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/runmode"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/updater"
)

const (
	stuckThreshold = 6 * time.Hour
	hubBuffer      = 256
)

// app holds the components shared by serve and run
type app struct {
	store    *config.Store
	runs     *taskstore.Store
	history  *history.Recorder
	hub      *events.Hub
	mailbox  *broadcast.Broadcast
	registry *prometheus.Registry
	observer *observer.Observer
	tasks    *dispatcher.Dispatcher
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func newApp() (*app, error) {
	store, err := config.Open(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := store.Snapshot()

	log.Init(log.Config{Level: log.Level(cfg.General.LogLevel), Format: cfg.General.LogFormat})

	runs, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool := process.NewPool(cfg.General.OSWorkers)
	process.SetDefaultPool(pool)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		store:    store,
		runs:     runs,
		history:  history.NewRecorder(cfg.General.HistoryDir),
		hub:      events.NewHub(hubBuffer),
		mailbox:  broadcast.New(),
		registry: registry,
		observer: observer.New(stuckThreshold, observer.NewMetrics(registry)),
	}

	deps := runmode.Deps{
		Store:     store,
		Devices:   runmode.Drivers(pool),
		Processes: runmode.Launchers(pool),
		Judge:     judge.New(cfg.LLM),
		Notifier:  notify.New(cfg.Notifications),
		History:   a.history,
		Updater:   updater.New(),
		Broadcast: a.mailbox,
		Observer:  a.observer,
		Tools:     runmode.ToolConfig{DataDir: cfg.General.DataDir},
	}
	a.tasks = dispatcher.New(dispatcher.Options{
		Store:   store,
		Deps:    deps,
		Emitter: events.Multi{a.hub, events.EmitterFunc(logNotice)},
		Runs:    runs,
	})
	return a, nil
}

// logNotice mirrors task notices into the service log.
func logNotice(ev events.Event) {
	n, ok := ev.Payload.(events.Notice)
	if !ok {
		return
	}
	switch n.Level {
	case "error":
		log.Error(n.Text, "task", ev.TaskID)
	case "warning":
		log.Warn(n.Text, "task", ev.TaskID)
	default:
		log.Info(n.Text, "task", ev.TaskID)
	}
}

func (a *app) Close() error {
	_ = log.Sync()
	return a.runs.Close()
}
