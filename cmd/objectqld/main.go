// Command objectqld serves an ObjectQL instance: it loads the YAML
// configuration, opens the configured datasources, and exposes the
// REST, JSON-RPC and federation endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/syssam/objectql"
	"github.com/syssam/objectql/api"

	// The storage drivers register themselves on import.
	_ "github.com/syssam/objectql/driver/kvdriver"
	_ "github.com/syssam/objectql/driver/memdriver"
	_ "github.com/syssam/objectql/driver/remote"
	_ "github.com/syssam/objectql/driver/sqldriver"

	// The SQL dialects the sql driver can open.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "objectql.yml", "path to the configuration file")
		listen     = flag.String("listen", "", "bind address, overriding the configuration")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, *listen, log); err != nil {
		log.Fatal("objectqld failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath, listen string, log *zap.Logger) error {
	cfg, err := objectql.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Logger = log
	rt, err := objectql.New(ctx, cfg.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.PackageDir != "" {
		go func() {
			if err := rt.WatchPackages(ctx, cfg.PackageDir); err != nil {
				log.Warn("package watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(rt, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Listen))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
