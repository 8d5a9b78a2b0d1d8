package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/common"
	"github.com/ternarybob/skrapp/internal/handlers"
	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/metrics"
	"github.com/ternarybob/skrapp/internal/models"
	"github.com/ternarybob/skrapp/internal/services/crawler"
	"github.com/ternarybob/skrapp/internal/services/events"
	"github.com/ternarybob/skrapp/internal/services/finalizer"
	jobsvc "github.com/ternarybob/skrapp/internal/services/jobs"
	"github.com/ternarybob/skrapp/internal/services/supervisor"
	"github.com/ternarybob/skrapp/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService interfaces.EventService

	// Crawl orchestration
	JobService        *jobsvc.Service
	FinalizerService  *finalizer.Service
	SupervisorService *supervisor.Service

	// HTTP handlers
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler

	eventSubscriber *handlers.EventSubscriber
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Supervisor starts last so claimed jobs land in a fully wired process.
	// Its first tick re-queues work orphaned by a previous crash.
	if err := app.SupervisorService.Start(); err != nil {
		return nil, fmt.Errorf("failed to start supervisor: %w", err)
	}

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("output_dir", cfg.Output.Dir).
		Int("max_concurrent_jobs", cfg.Supervisor.MaxConcurrentJobs).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", a.Config.Storage.Type).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order
func (a *App) initServices() error {
	a.JobService = jobsvc.NewService(a.StorageManager, a.EventService, a.Config, a.Logger)

	a.FinalizerService = finalizer.NewService(a.StorageManager, a.EventService, a.Config.Output.Dir, a.Logger)

	// Each claimed job gets its own engine with a fresh worker identity.
	factory := func(job *models.CrawlJob, workerID string) interfaces.JobRunner {
		return crawler.NewEngine(job, workerID, crawler.EngineOptions{
			Store:      a.StorageManager,
			Events:     a.EventService,
			Finalizer:  a.FinalizerService,
			Crawler:    a.Config.Crawler,
			Quality:    a.Config.Quality,
			Supervisor: a.Config.Supervisor,
			OutputDir:  a.Config.Output.Dir,
		}, a.Logger)
	}

	a.SupervisorService = supervisor.NewService(
		a.StorageManager,
		a.EventService,
		a.FinalizerService,
		factory,
		a.Config,
		a.Logger,
	)

	// Expose live job-state counts on the Prometheus scrape endpoint.
	metrics.SetJobStateSource(a.countJobsByState)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()
	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Config, a.Logger)

	// Bridge job lifecycle events from the bus to WebSocket clients
	a.eventSubscriber = handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger)

	return nil
}

// countJobsByState is the gauge source for the jobs_by_state metric,
// queried at scrape time.
func (a *App) countJobsByState() map[string]int {
	jobs, err := a.StorageManager.JobStorage().ListJobsByState(context.Background(),
		models.JobStateQueued,
		models.JobStateRunning,
		models.JobStateFinalizing,
		models.JobStateDone,
		models.JobStateFailed,
		models.JobStateCancelled,
		models.JobStateExpired,
	)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to count jobs for metrics")
		return nil
	}

	counts := make(map[string]int)
	for _, job := range jobs {
		counts[string(job.State)]++
	}
	return counts
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop claiming and drain engines before anything they depend on goes away
	if a.SupervisorService != nil {
		a.SupervisorService.Stop()
	}

	if a.eventSubscriber != nil {
		a.eventSubscriber.Unsubscribe()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	metrics.SetJobStateSource(nil)

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
