// server runs the monitoring service: a simulated target published over a
// websocket, with datalogging and acquisition storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/logging"
	"scrutiny-go/internal/server"
	"scrutiny-go/internal/storage"
	"scrutiny-go/internal/target"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	var (
		configPath string
		listen     string
		dbPath     string
		logLevel   string
		memory     bool
	)
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults built in)")
	flags.StringVar(&listen, "listen", "", "listen address, overrides server.listen_address")
	flags.StringVar(&dbPath, "db", "", "SQLite file for acquisitions, overrides storage.db_path")
	flags.BoolVar(&memory, "memory", false, "keep acquisitions in memory only")
	flags.StringVar(&logLevel, "log-level", "", "debug | info | warn | error")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if listen != "" {
		cfg.Server.ListenAddress = listen
	}
	if dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if memory {
		cfg.Storage.DBPath = ""
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log := logging.Global(cfg.Logging)

	backend, err := target.OpenBackend(cfg.Target, log.With().Str("component", "backend").Logger())
	if err != nil {
		return fmt.Errorf("open target backend: %w", err)
	}
	tg, err := target.New(cfg.Target, backend, log)
	if err != nil {
		backend.Close()
		return fmt.Errorf("create target: %w", err)
	}

	store, err := openStore(cfg.Storage, log)
	if err != nil {
		tg.Close()
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go tg.Run(ctx)

	// pending acquisitions fail before the sessions close, Shutdown then
	// waits for their completion pushes
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		tg.Close()
		cancel()
	}()

	srv := server.New(cfg.Server, tg, store, log)
	err = srv.ListenAndServe(srvCtx)
	tg.Close()
	return err
}

func loadConfig(path string) (config.RootConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadYAML(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.StorageConfig, log zerolog.Logger) (storage.Store, error) {
	if cfg.DBPath == "" {
		log.Info().Msg("acquisitions kept in memory")
		return storage.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("path", cfg.DBPath).Msg("acquisition store opened")
	return store, nil
}
