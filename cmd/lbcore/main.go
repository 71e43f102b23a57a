// Command lbcore runs the load balancer core: it loads a configuration
// file, binds the configured frontends, and serves until a shutdown
// signal arrives or the admin surface is asked to stop it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/internal/server"
	"github.com/mir00r/lbcore/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lbcore:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (trace, debug, info, warn, error)")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	noWatch := flag.Bool("no-watch", false, "disable the configuration file watcher")
	adminAddr := flag.String("admin-listen", "127.0.0.1:9091", "admin surface listen address")
	flag.Parse()

	if *configPath == "" {
		return fmt.Errorf("-config is required")
	}

	snap, err := config.LoadFromFile(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration from %q: %w", *configPath, err)
	}

	level := snap.Global.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}

	log, err := logger.New(logger.Config{
		Level:  level,
		Format: snap.Global.LogFormat,
		Output: "stdout",
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	if *validateOnly {
		printConfigSummary(snap)
		return nil
	}

	log.WithField("config_path", *configPath).
		WithField("frontends", len(snap.Frontends)).
		WithField("backends", len(snap.Backends)).
		Info("lbcore starting")

	for _, fe := range snap.Frontends {
		log.WithFields(map[string]interface{}{
			"frontend": fe.Name,
			"listen":   fe.Listen,
			"protocol": string(fe.Protocol),
			"backend":  fe.Backend,
		}).Info("configured frontend")
	}

	rt, err := server.New(snap, server.AdminConfig{
		ListenAddress:  *adminAddr,
		RequestsPerSec: 5,
		BurstSize:      10,
	}, log)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	if !*noWatch {
		startConfigWatcher(log, *configPath, rt)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("lbcore is running; press Ctrl+C to stop")
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("runtime exited with error: %w", err)
	}

	log.Info("lbcore shut down complete")
	return nil
}

func printConfigSummary(snap *config.Snapshot) {
	fmt.Println("Configuration is valid.")
	fmt.Printf("  Frontends: %d\n", len(snap.Frontends))
	fmt.Printf("  Backends: %d\n", len(snap.Backends))
	for _, fe := range snap.Frontends {
		fmt.Printf("    - %s (%s) -> %s [%s]\n", fe.Name, fe.Protocol, fe.Backend, fe.Algorithm)
	}
}

// startConfigWatcher polls the configuration file for changes and feeds
// every change through the runtime's reload path, mirroring the
// admin surface's /admin/reload behavior.
func startConfigWatcher(log *logger.Logger, path string, rt *server.Runtime) {
	watcher := config.NewFileWatcher(path, log)
	go watcher.Run(func(data []byte) {
		if _, err := rt.Reload(data); err != nil {
			log.WithError(err).Warn("rejected configuration reload from file watcher")
		}
	})
}
