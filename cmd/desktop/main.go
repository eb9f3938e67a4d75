// Package main provides the trip planner sync service for desktop platforms.
// Desktop clients talk to it via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tripplanner/internal/config"
	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"

	tripsync "github.com/kimhsiao/tripplanner/internal/sync"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

// cli holds flag values and the configuration resolved for one invocation.
type cli struct {
	configDir string
	dataDir   string
	jsonOut   bool

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "tripplanner-desktop",
		Short:         "Offline-first sync service for the trip planner",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.configDir, "config-dir", "", "configuration directory holding config.yaml")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "local store directory (overrides data_dir)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(c),
		newStatusCmd(c),
		newQueueCmd(c),
		newSyncCmd(c),
		newResetCmd(c),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	v, err := config.Load(c.configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("data-dir") {
		v.Set(config.KeyDataDir, c.dataDir)
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	logging.Configure(cfg.Log)

	c.cfg = cfg
	return nil
}

// openStore opens only the local store, for commands that never reach the backend.
func (c *cli) openStore(ctx context.Context) (*db.Store, error) {
	store := db.NewStore(c.cfg.DataDir, nil)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// app bundles an initialized orchestrator with the resources it owns.
type app struct {
	orch    *tripsync.Orchestrator
	store   *db.Store
	backend remote.Backend
}

// openApp wires the store, backend and orchestrator and initializes them.
// A local store that cannot be opened degrades to an in-memory one so the
// session keeps working without durability.
func (c *cli) openApp(ctx context.Context, conn connectivity.Source, backend remote.Backend) (*app, error) {
	if pg, ok := backend.(*remote.Postgres); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			logging.Warn("Failed to ensure remote schema", map[string]interface{}{"error": err.Error()})
		}
	}

	build := func(store *db.Store) (*tripsync.Orchestrator, error) {
		return tripsync.New(tripsync.Options{
			Store:         store,
			Backend:       backend,
			Connectivity:  conn,
			MaxRetries:    c.cfg.Sync.MaxRetries,
			SyncInterval:  c.cfg.Sync.Interval,
			RemoteTimeout: c.cfg.Remote.Timeout,
			UserID:        c.cfg.UserID,
		})
	}

	store := db.NewStore(c.cfg.DataDir, nil)
	orch, err := build(store)
	if err != nil {
		return nil, err
	}

	if err := orch.Init(ctx); err != nil {
		if !errors.Is(err, errors.ErrStorageInit) {
			return nil, err
		}
		logging.ErrorWithCode("Local storage unavailable; continuing without durability",
			string(errors.ErrStorageInit), err, map[string]interface{}{"data_dir": c.cfg.DataDir})

		store = db.NewStore("", nil)
		if orch, err = build(store); err != nil {
			return nil, err
		}
		if err := orch.Init(ctx); err != nil {
			return nil, err
		}
	}

	return &app{orch: orch, store: store, backend: backend}, nil
}

// Close stops background work and releases the store and backend.
func (a *app) Close() error {
	a.orch.Dispose()
	if err := a.store.Close(); err != nil {
		return err
	}
	return a.backend.Close()
}
