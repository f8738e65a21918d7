// Package app assembles the database, websocket, processor and timer workers
// on one in-process bus.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"workerbus/internal/bus"
	"workerbus/internal/clients"
	"workerbus/internal/config"
	"workerbus/internal/domain"
	"workerbus/internal/envelope"
	"workerbus/internal/exports"
	"workerbus/internal/jobs"
	"workerbus/internal/metrics"
	"workerbus/internal/scheduler"
	"workerbus/internal/store"
	"workerbus/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Collector

	bus     *bus.Bus
	db      *sql.DB
	workers []*worker.Worker

	Database  *worker.Worker
	Websocket *worker.Worker
	Processor *worker.Worker
	Timer     *worker.Worker

	Store     *store.Store
	Clients   *clients.Registry
	Gateway   *clients.Gateway
	Runner    *jobs.Runner
	Exporter  *exports.Exporter
	Scheduler *scheduler.Scheduler

	notifications store.Notifications
	push          *clients.Remote

	closeOnce sync.Once
}

// New opens the database and wires every worker. Nothing runs until Run.
func New(cfg *config.Config, logger zerolog.Logger, m *metrics.Collector) (*App, error) {
	if _, err := scheduler.ParseTick(cfg.Scheduler.Tick); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		bus:     bus.New(cfg.Bus.BufferSize),
		db:      db,
		Store:   store.New(db),
	}
	if err := a.wire(); err != nil {
		a.bus.Close()
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	opts := worker.Options{
		MaxInFlight: a.cfg.Worker.MaxInFlight,
		CallTimeout: a.cfg.RPC.CallTimeout,
		Logger:      a.logger,
		Metrics:     a.metrics,
	}
	var err error
	for _, w := range []struct {
		id  domain.WorkerID
		dst **worker.Worker
	}{
		{domain.WorkerDatabase, &a.Database},
		{domain.WorkerWebsocket, &a.Websocket},
		{domain.WorkerProcessor, &a.Processor},
		{domain.WorkerTimer, &a.Timer},
	} {
		if *w.dst, err = worker.New(w.id, a.bus, opts); err != nil {
			return fmt.Errorf("worker %s: %w", w.id, err)
		}
		a.workers = append(a.workers, *w.dst)
	}

	// database
	a.Store.Register(a.Database.Repos)

	// websocket
	ws := a.Websocket
	a.Clients = clients.NewRegistry(ws.Logger().With().Str("component", "clients").Logger(), a.metrics)
	ws.Router.SetReplier(a.Clients)
	ws.Router.Handle(envelope.KindPush, clients.PushHandler(a.Clients))
	ws.Router.Handle(envelope.KindDisconnect, clients.DisconnectHandler(a.Clients))
	newFrontend(ws.Caller).register(ws.Router)
	a.Gateway = clients.NewGateway(a.Clients, ws.Router, ws.Logger().With().Str("component", "gateway").Logger())
	a.notifications = store.NewNotifications(ws.Caller)
	a.push = clients.NewRemote(ws.ID, ws)

	// processor
	proc := a.Processor
	a.Runner = jobs.NewRunner(clients.NewRemote(proc.ID, proc), proc.Logger().With().Str("component", "jobs").Logger(), a.metrics)
	a.Exporter = exports.New(a.cfg.Export.Dir,
		store.NewNotes(proc.Caller),
		store.NewExports(proc.Caller),
		a.Runner,
		proc.Logger().With().Str("component", "exports").Logger())
	a.Exporter.Register(proc.Repos, a.cfg.Export.Retention)

	// timer
	timer := a.Timer
	a.Scheduler = scheduler.New(a.cfg.Scheduler.Tick, timer.Logger().With().Str("component", "scheduler").Logger(), a.metrics)
	return registerPeriodic(a.Scheduler, timer, a.cfg)
}

func registerPeriodic(s *scheduler.Scheduler, timer *worker.Worker, cfg *config.Config) error {
	notifications := store.NewNotifications(timer.Caller)
	exportsClient := exports.NewClient(timer.Caller)
	logger := timer.Logger()

	return errors.Join(
		s.RegisterHandler(scheduler.Periodic{
			Label: "notifications.purge",
			Every: cfg.Scheduler.NotificationsPurgeEvery,
			Fn: func(ctx context.Context) error {
				res, err := notifications.PurgeExpired(ctx, struct{}{})
				if err != nil {
					return err
				}
				if res.Count > 0 {
					logger.Info().Int("deleted", res.Count).Msg("expired notifications purged")
				}
				return nil
			},
		}),
		s.RegisterHandler(scheduler.Periodic{
			Label: "exports.purge",
			Every: cfg.Scheduler.ExportsPurgeEvery,
			Fn: func(ctx context.Context) error {
				_, err := exportsClient.PurgeArtifacts(ctx, struct{}{})
				return err
			},
		}),
	)
}

// Run starts every worker and the scheduler, then blocks until ctx is done.
// On the way out running jobs are cancelled while the workers can still
// record them, then the workers stop.
func (a *App) Run(ctx context.Context) error {
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(workersCtx)
		}(w)
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- a.Scheduler.Run(ctx) }()

	a.logger.Info().Int("workers", len(a.workers)).Msg("workers started")
	<-ctx.Done()
	a.logger.Info().Msg("stopping workers")

	schedErr := <-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Runner.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("jobs did not stop in time")
	}

	stopWorkers()
	wg.Wait()
	a.Clients.Close()
	return schedErr
}

// Close releases the bus and the database. Call it after Run returns.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.bus.Close()
		err = a.db.Close()
	})
	return err
}

func (a *App) Config() *config.Config { return a.cfg }

// Stats is a point-in-time view of the running system.
type Stats struct {
	PendingCalls      map[domain.WorkerID]int `json:"pending_calls"`
	ConnectedClients  int                     `json:"connected_clients"`
	ActiveJobs        []jobs.Info             `json:"active_jobs"`
	ScheduledHandlers []string                `json:"scheduled_handlers"`
}

func (a *App) Stats() Stats {
	pending := make(map[domain.WorkerID]int, len(a.workers))
	for _, w := range a.workers {
		pending[w.ID] = w.Caller.Pending()
	}
	return Stats{
		PendingCalls:      pending,
		ConnectedClients:  a.Clients.Count(),
		ActiveJobs:        a.Runner.Active(),
		ScheduledHandlers: a.Scheduler.Handlers(),
	}
}

// Notify stores a notification for userID through the database worker, then
// pushes it to the user's live connections.
func (a *App) Notify(ctx context.Context, args store.CreateNotificationArgs) (domain.Notification, error) {
	if args.TTLSeconds == 0 {
		args.TTLSeconds = int(a.cfg.Notifications.DefaultTTL / time.Second)
	}
	n, err := a.notifications.Create(ctx, args)
	if err != nil {
		return domain.Notification{}, err
	}
	a.Clients.SendToUser(n.UserID, envelope.NewEvent("notification", "notificationCreated", map[string]any{
		"notification": n,
	}))
	return n, nil
}

// Logout pushes a forcedLogout event to every connection of userID and closes
// them. It returns the number of connections that were open.
func (a *App) Logout(ctx context.Context, userID, reason string) (int, error) {
	n := len(a.Clients.Clients(userID))
	if err := a.push.Disconnect(ctx, userID, reason); err != nil {
		return 0, err
	}
	return n, nil
}
