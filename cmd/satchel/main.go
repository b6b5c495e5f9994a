// Command satchel runs the offline-first sync engine for classkit
// devices: a durable local cache, a prioritized mutation queue, and a
// sync daemon that drains the queue whenever connectivity returns.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/classkit/satchel/internal/config"
	"github.com/classkit/satchel/internal/netmon"
	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/registry"
	"github.com/classkit/satchel/internal/resource"
	"github.com/classkit/satchel/internal/store"
	"github.com/classkit/satchel/internal/syncer"
	"github.com/classkit/satchel/internal/transport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "Offline-first sync engine for classkit devices",
	Long: `Satchel keeps a device's working data available offline and syncs
local changes back to the classkit backend when connectivity allows.

Reads are served from a local SQLite cache; writes commit locally first
and replay to the server through a prioritized mutation queue. Server
conflicts are surfaced for review, never merged silently.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./satchel.yaml, ~/.satchel/satchel.yaml)")
}

// app bundles the wired engine components behind one setup/teardown.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	registry  *registry.Registry
	store     *store.DB
	queue     *queue.Queue
	client    *transport.Client
	monitor   *netmon.Monitor
	processor *syncer.Processor
}

// newApp loads config, opens the database and wires every component.
// Callers must Close the returned app.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath, reg)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	q, err := queue.New(db, cfg.RetryCeiling, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	client, err := transport.New(transport.Config{
		BaseURL: cfg.BaseURL,
		Token:   transport.StaticToken(cfg.Token),
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	monCfg := netmon.DefaultConfig(cfg.HealthURL)
	monCfg.ProbeInterval = cfg.ProbeInterval
	monCfg.Logger = logger
	monitor, err := netmon.New(monCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	processor, err := syncer.New(syncer.Config{
		Queue:  q,
		Store:  db,
		Client: client,
		Logger: logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		store:     db,
		queue:     q,
		client:    client,
		monitor:   monitor,
		processor: processor,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Printf("Failed to close database: %v", err)
	}
}

// facade builds the resource facade for one registered resource.
func (a *app) facade(name string) (*resource.Facade, error) {
	return resource.New(resource.Config{
		Registry:  a.registry,
		Resource:  name,
		Store:     a.store,
		Queue:     a.queue,
		Client:    a.client,
		Monitor:   a.monitor,
		Processor: a.processor,
		Logger:    a.logger,
	})
}

// newLogger builds the shared logger, rotating through a log file when
// one is configured.
func newLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogPath != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, "[satchel] ", log.LstdFlags)
}
