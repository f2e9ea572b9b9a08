package reload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agilira/argus"
	"github.com/migadu/balancer/consts"
	"github.com/migadu/balancer/logger"
)

const DefaultWatchInterval = 2 * time.Second

// Watch polls the configuration file and runs Reload on every
// modification until ctx is done. Reload outcomes are logged by Reload.
func (c *Coordinator) Watch(ctx context.Context, interval time.Duration) error {
	if c.opts.ConfigPath == "" {
		return consts.ErrNoConfigFile
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	changes := make(chan argus.ChangeEvent, 1)
	w := argus.New(argus.Config{
		PollInterval:    interval,
		MaxWatchedFiles: 1,
		// A zero AuditConfig selects argus' enabled default.
		Audit: argus.AuditConfig{Enabled: false, MinLevel: argus.AuditCritical},
		ErrorHandler: func(err error, path string) {
			logger.Warn("Reload: watcher error", "path", path, "error", err)
		},
		OptimizationStrategy: argus.OptimizationSingleEvent,
	})
	if err := w.Watch(c.opts.ConfigPath, func(ev argus.ChangeEvent) {
		select {
		case changes <- ev:
		default:
		}
	}); err != nil {
		return fmt.Errorf("watch %s: %w", c.opts.ConfigPath, err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer w.Stop()

	logger.Info("Reload: watching configuration", "path", c.opts.ConfigPath, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-changes:
			if ev.IsDelete {
				logger.Warn("Reload: configuration file removed", "path", ev.Path)
				continue
			}
			err := c.Reload(ctx)
			if errors.Is(err, consts.ErrDraining) {
				return nil
			}
		}
	}
}
