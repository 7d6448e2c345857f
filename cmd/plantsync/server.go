package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkowalski/plantsync/cmd/plantsync/handlers"
	"github.com/dkowalski/plantsync/internal/config"
	"github.com/dkowalski/plantsync/internal/crypto"
	"github.com/dkowalski/plantsync/internal/db"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/runmode"
	"github.com/dkowalski/plantsync/internal/services"
	syncengine "github.com/dkowalski/plantsync/internal/sync"
	"github.com/dkowalski/plantsync/internal/sync/bootstrap"
	"github.com/dkowalski/plantsync/internal/sync/conflict"
	"github.com/dkowalski/plantsync/internal/sync/queue"
	"github.com/dkowalski/plantsync/internal/sync/scheduler"
)

// app is the fully wired process: storage, sync machinery for the
// detected role, and the WebSocket hub.
type app struct {
	cfg      *config.Config
	database *db.DB
	repo     *db.Repository
	oracle   *runmode.Oracle
	hub      *WSHub
	records  *services.RecordService

	// Replica side; nil on the authority.
	queue     *queue.Queue
	engine    *syncengine.Engine
	scheduler *scheduler.Scheduler

	// Authority side; nil on a replica.
	authority *handlers.AuthorityHandler
}

// newApp wires the process for its detected role and runs migrations.
func newApp(cfg *config.Config) (*app, error) {
	oracle, err := runmode.Detect(cfg.Authority.BaseURL, cfg.TimeZone)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		database: database,
		repo:     db.NewRepository(database.DB),
		oracle:   oracle,
		hub:      NewWSHub(),
	}

	if oracle.IsAuthority() {
		if err := a.wireAuthority(); err != nil {
			database.Close()
			return nil, err
		}
	} else {
		a.wireReplica()
	}

	logging.Info("Process wired", map[string]interface{}{
		"role":     string(oracle.Role()),
		"data_dir": cfg.DataDir,
		"zone":     oracle.Location().String(),
	})
	return a, nil
}

// wireAuthority sets up the sync-account credentials and endpoints the
// authority serves to replicas. The account material comes from the
// environment so it never lands in the config file.
func (a *app) wireAuthority() error {
	password := os.Getenv("PLANTSYNC_SYNC_PASSWORD")
	if password == "" {
		return apperrors.New(apperrors.ErrSyncNotConfigured,
			"PLANTSYNC_SYNC_PASSWORD must be set on the authority")
	}
	username := os.Getenv("PLANTSYNC_SYNC_USERNAME")
	if username == "" {
		username = "sync"
	}

	authority, err := handlers.NewAuthorityHandler(a.repo, handlers.AuthorityCredentials{
		SyncUsername:   username,
		SyncPassword:   password,
		EncryptionKey:  os.Getenv("PLANTSYNC_ENCRYPTION_KEY"),
		MailConfig:     os.Getenv("PLANTSYNC_MAIL_CONFIG"),
		BootstrapToken: a.cfg.BootstrapToken(),
	}, a.cfg.Sync.BatchLimit)
	if err != nil {
		return err
	}
	a.authority = authority
	a.records = services.NewRecordService(a.repo, nil, a.oracle, nil)
	return nil
}

// wireReplica sets up the queue, engine, and scheduler.
func (a *app) wireReplica() {
	store := crypto.NewSecureStore(a.cfg.DataDir)
	bootstrapper := bootstrap.New(store, a.cfg.Authority.BaseURL, a.cfg.BootstrapToken, a.cfg.Sync.HTTPTimeout)
	client := syncengine.NewClient(a.cfg.Sync.HTTPTimeout)

	a.queue = queue.New(a.database.DB, a.oracle.Now)
	resolver := conflict.NewResolver(a.oracle.Now)
	uploader := syncengine.NewUploader(a.queue, client, bootstrapper, a.cfg.Sync.BatchLimit)
	reconciler := syncengine.NewReconciler(a.repo, a.queue, client, bootstrapper, resolver)

	a.engine = syncengine.NewEngine(a.oracle, uploader, reconciler, a.queue, a.repo, a.cfg.Sync.Retention, a.hub)
	a.scheduler = scheduler.New(a.engine, scheduler.Config{
		Cooldown:         a.cfg.Sync.Cooldown,
		PeriodicInterval: a.cfg.Sync.PeriodicInterval,
	})
	a.records = services.NewRecordService(a.repo, a.queue, a.oracle, a.scheduler)
}

// routes builds the role-appropriate HTTP surface.
func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handlers.HandleHealth(a.oracle))
	mux.HandleFunc("/ws", HandleWebSocket(a.hub))

	handlers.NewRecordsHandler(a.records, a.repo).Register(mux)

	if a.authority != nil {
		mux.HandleFunc("/api/bootstrap-secrets", a.authority.HandleBootstrapSecrets)
		mux.HandleFunc("/api/sync/data", a.authority.HandleSyncData)
		mux.HandleFunc("/api/sync/status", a.authority.HandleSyncStatus)
	} else {
		sh := handlers.NewSyncHandler(a.engine, a.scheduler, a.repo)
		mux.HandleFunc("/api/sync/status", sh.HandleStatus)
		mux.HandleFunc("/api/sync/trigger", sh.HandleTrigger)
		mux.HandleFunc("/api/sync/conflicts", sh.HandleConflicts)
	}
	return mux
}

// close stops background work and releases the database.
func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.database.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and, on a replica, the sync scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if a.scheduler != nil {
			a.scheduler.Start()
			// Catch up with whatever happened while we were down.
			a.scheduler.NotifyReconnect()
		}

		srv := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      a.routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Info("HTTP server listening", map[string]interface{}{
				"addr": cfg.ListenAddr,
				"role": string(a.oracle.Role()),
			})
			errCh <- srv.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case sig := <-stop:
			logging.Info("Shutting down", map[string]interface{}{
				"signal": sig.String(),
			})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
		}
		return nil
	},
}
