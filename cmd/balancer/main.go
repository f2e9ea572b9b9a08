package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/balancer/balancer"
	"github.com/migadu/balancer/config"
	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/pkg/errors"
	"github.com/migadu/balancer/pkg/metrics"
	"github.com/migadu/balancer/reload"
	"github.com/migadu/balancer/server/proxy"
	"github.com/migadu/balancer/server/statsapi"
	"golang.org/x/sync/errgroup"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()

	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		errorHandler.ValidationError("command line", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if opts.showVersion {
		fmt.Printf("balancer version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		if opts.configPath != "" {
			errorHandler.ConfigError(opts.configPath, err)
		} else {
			errorHandler.ValidationError("command line", err)
		}
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "BALANCER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "BALANCER: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer logger.Sync()
	}

	logger.Infof("balancer starting (version %s, commit: %s, built: %s, pid %d)", version, commit, date, os.Getpid())

	code := run(cfg, opts, errorHandler)
	if code != 0 {
		logger.Sync()
		os.Exit(code)
	}
}

func run(cfg *config.Config, opts *cliOptions, errorHandler *errors.ErrorHandler) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before binding so a successor's SIGUSR2 is never lost.
	signalChan := make(chan os.Signal, 4)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signalChan)

	p, err := proxy.New(proxy.OptionsFromConfig(cfg), balancer.FromConfig(cfg.Backends))
	if err != nil {
		errorHandler.FatalError("start proxy", err)
		return errorHandler.WaitForExit()
	}
	logger.Infof("Listening on port %d, algorithm %s, %d backends, pool %t",
		p.Port(), cfg.Algorithm, len(cfg.Backends), cfg.Pool.Enabled)

	spawner, err := reload.NewExecSpawner()
	if err != nil {
		logger.Warn("Reload: successor spawning unavailable", "error", err)
	}
	var sp reload.Spawner
	if spawner != nil {
		sp = spawner
	}
	coord, err := reload.NewCoordinator(reload.Options{
		ConfigPath:  opts.configPath,
		PIDFile:     cfg.PIDFile,
		Spawner:     sp,
		Drainer:     p,
		Current:     cfg,
		Overrides:   []func(*config.Config){opts.apply},
		Predecessor: reload.PredecessorFromEnv(),
	})
	if err != nil {
		errorHandler.FatalError("reload coordinator", err)
		return errorHandler.WaitForExit()
	}
	if old, err := coord.Handoff(os.Getpid()); err != nil {
		logger.Warn("Reload: handoff failed", "error", err)
	} else if old > 0 {
		logger.Info("Reload: took over from predecessor", "old_pid", old)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A finished drain or a stop ends the process.
		defer cancel()
		return p.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		api, err := statsapi.New(p, statsapi.ServerOptions{
			Addr:         cfg.Metrics.Addr,
			MetricsPath:  cfg.Metrics.Path,
			APIKey:       cfg.Metrics.APIKey,
			AllowedHosts: cfg.Metrics.AllowedHosts,
		})
		if err != nil {
			p.Stop()
			errorHandler.FatalError("stats API", err)
			return errorHandler.WaitForExit()
		}
		g.Go(func() error { return api.ListenAndServe(gctx) })

		interval, _ := cfg.Metrics.GetCollectInterval()
		collector := metrics.NewCollector(p, interval)
		g.Go(func() error {
			collector.Start(gctx)
			return nil
		})
	}

	if opts.watch && opts.configPath != "" {
		g.Go(func() error { return coord.Watch(gctx, 0) })
	}

	drainTimeout := cfg.GetDrainTimeoutWithDefault()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-signalChan:
				switch sig {
				case syscall.SIGINT, syscall.SIGTERM:
					logger.Infof("Received signal: %s, shutting down...", sig)
					p.Stop()
					return nil
				case syscall.SIGUSR1:
					p.PrintStats(os.Stdout)
				case syscall.SIGHUP:
					logger.Infof("Received signal: %s, reloading configuration", sig)
					_ = coord.Reload(gctx)
				case syscall.SIGUSR2:
					logger.Infof("Received signal: %s, draining", sig)
					if err := coord.BeginDrain(drainTimeout); err != nil {
						logger.Debug("Reload: drain already in progress")
					}
				}
			}
		}
	})

	err = g.Wait()
	errorHandler.Shutdown(ctx)
	coord.MarkExited(os.Getpid())
	p.PrintStats(os.Stdout)
	if err != nil {
		errorHandler.FatalError("serve", err)
		return errorHandler.WaitForExit()
	}
	logger.Info("balancer stopped")
	return 0
}
