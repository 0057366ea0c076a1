// Package cli implements the custody command line interface.
package cli

import (
	"os"
	"path/filepath"

	"github.com/toole-brendan/handreceipt-custody/internal/config"
	"github.com/toole-brendan/handreceipt-custody/internal/conflict"
	"github.com/toole-brendan/handreceipt-custody/internal/crypto"
	"github.com/toole-brendan/handreceipt-custody/internal/db"
	"github.com/toole-brendan/handreceipt-custody/internal/logging"
	"github.com/toole-brendan/handreceipt-custody/internal/queue"
	"github.com/toole-brendan/handreceipt-custody/internal/remote"
	"github.com/toole-brendan/handreceipt-custody/internal/scan"
	syncpkg "github.com/toole-brendan/handreceipt-custody/internal/sync"
)

// App holds the wired engine for one CLI invocation.
type App struct {
	Cfg      *config.Config
	DB       *db.DB
	Store    *db.Store
	Queue    *queue.Manager
	Resolver *conflict.Resolver
	Pipeline *scan.Pipeline
	Engine   *syncpkg.Engine
}

// openApp loads config, opens storage, runs migrations, and wires every
// component. Callers must Close.
func openApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(os.Stderr, logging.LogLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	// The seal key binds sensitive columns and the device key file to this
	// machine.
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "custody-device"
	}
	sealKey := crypto.DeriveKey(host)

	keyPath := cfg.DeviceKeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(cfg.DataDir, keyPath)
	}
	keystore, err := crypto.OpenFileKeystore(keyPath, sealKey)
	if err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database.DB, sealKey)
	verifier := crypto.NewService(keystore)
	q := queue.NewManager(store, queue.Config{
		RetryCeiling: cfg.RetryCeiling,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
	})
	resolver := conflict.NewResolver(store)
	pipeline := scan.NewPipeline(store, verifier, cfg.MaxProofDepth)
	authority := remote.NewClient(cfg.RemoteURL, cfg.RequestTimeout)
	engine := syncpkg.NewEngine(store, q, resolver, authority, cfg.MaxProofDepth)

	return &App{
		Cfg:      cfg,
		DB:       database,
		Store:    store,
		Queue:    q,
		Resolver: resolver,
		Pipeline: pipeline,
		Engine:   engine,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}
