package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stridekit/fitsync/internal/api"
	"github.com/stridekit/fitsync/internal/auth"
	"github.com/stridekit/fitsync/internal/config"
	"github.com/stridekit/fitsync/internal/credstore"
	"github.com/stridekit/fitsync/internal/deviceid"
	"github.com/stridekit/fitsync/internal/localdb"
	"github.com/stridekit/fitsync/internal/queue"
	"github.com/stridekit/fitsync/internal/session"
	"github.com/stridekit/fitsync/internal/settings"
	"github.com/stridekit/fitsync/internal/sync"
)

// App is the wired sync core for one data directory.
type App struct {
	Cfg      *config.Resolved
	Logger   *slog.Logger
	DB       *sql.DB
	DeviceID string

	Creds    *credstore.Store
	Queue    *queue.Queue
	Tokens   *auth.Coordinator
	API      *api.Client
	Sessions *session.Manager

	SettingsRepo *settings.Repository
	Settings     *settings.Service
	Reconciler   *settings.Reconciler

	Drainer *sync.Drainer
	Runner  *sync.Runner
}

// newApp opens the local database and wires every component. The caller
// must Close the App.
func newApp(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*App, error) {
	devID, err := deviceid.LoadOrCreate(cfg.DeviceFilePath())
	if err != nil {
		return nil, err
	}

	db, err := localdb.Open(ctx, cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	a := &App{
		Cfg:      cfg,
		Logger:   logger,
		DB:       db,
		DeviceID: devID,
		Creds:    credstore.New(db, logger),
		Queue:    queue.New(db, logger),
	}

	// The coordinator refreshes through a client that carries no tokens;
	// every other call goes through the authenticated client.
	anon := api.NewClient(cfg.APIURL, httpClient, nil, logger)
	a.Tokens = auth.NewCoordinator(a.Creds, anon, devID, logger)
	a.Tokens.SetTimeout(cfg.RequestTimeout)
	a.API = api.NewClient(cfg.APIURL, httpClient, a.Tokens, logger)

	a.Sessions = session.NewManager(db, a.Creds, a.Queue, anon, devID, logger)
	a.Tokens.OnFailure(a.Sessions.ForceLogout)

	a.SettingsRepo = settings.NewRepository(db, logger)
	a.Settings = settings.NewService(db, a.SettingsRepo, a.Queue, logger)
	a.Reconciler = settings.NewReconciler(db, a.SettingsRepo, a.API, a.Queue, logger)

	a.Drainer = sync.NewDrainer(sync.DrainerConfig{
		Queue:          a.Queue,
		Submitter:      a.API,
		Logger:         logger,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxAttempts:    cfg.MaxAttempts,
		Exhaustion:     cfg.ExhaustionPolicy,
		BatchSize:      cfg.BatchSize,
		RequestTimeout: cfg.RequestTimeout,
	})
	a.Drainer.RegisterApplier(queue.EntitySettings, a.Reconciler)

	a.Runner = sync.NewRunner(sync.RunnerConfig{
		Drain:         a.Drainer.Drain,
		Sessions:      a.Sessions,
		Due:           a.Queue,
		Reconcilers:   []sync.Reconciler{a.Reconciler},
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
		OnAuthExpired: a.Sessions.ForceLogout,
	})

	logger.Debug("app wired",
		slog.String("data_dir", cfg.DataDir),
		slog.String("api_url", cfg.APIURL),
		slog.String("device_id", devID),
	)

	return a, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}

// errNotSignedIn is returned by commands that need a session.
var errNotSignedIn = errors.New("not signed in: run 'fitsync login' first")

// currentUser returns the signed-in user id.
func (a *App) currentUser(ctx context.Context) (string, error) {
	sess, err := a.Sessions.Current(ctx)
	if errors.Is(err, credstore.ErrNoSession) {
		return "", errNotSignedIn
	}

	if err != nil {
		return "", err
	}

	return sess.UserID, nil
}

// openApp builds the App for a command from its CLIContext.
func openApp(ctx context.Context) (*App, *CLIContext, error) {
	cc := mustCLIContext(ctx)
	if cc.Cfg == nil {
		return nil, cc, fmt.Errorf("no configuration loaded")
	}

	a, err := newApp(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return nil, cc, err
	}

	return a, cc, nil
}
