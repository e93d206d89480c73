package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// watchDebounce coalesces editor save bursts into one re-run.
const watchDebounce = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-apply the scenario whenever its inputs change",
		Long: `Watch the scenario file, the rule file and the zone mask for changes
and re-run the apply pipeline after each change. Rapid write bursts are
debounced. The loop runs until interrupted.`,
		Example: `  # Watch the default scenario
  zoneshift watch

  # Watch a specific scenario
  zoneshift watch -c scenarios/densify.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchLoop(cmd)
		},
	}
	return cmd
}

func watchLoop(cmd *cobra.Command) error {
	ctx := cmd.Context()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// One pass up front; it also tells us which files to watch.
	sc, err := loadScenario(ctx, cmd.Root().Version)
	if err != nil {
		return err
	}
	tel := sc.tel
	defer tel.Shutdown(context.WithoutCancel(ctx))
	logger := tel.Logger
	startMetrics(ctx, sc)

	// Watch directories rather than files so rename-based saves keep
	// working.
	watched := map[string]bool{}
	for _, p := range []string{configPath, sc.cfg.Rules, sc.cfg.Mask.Path} {
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		watched[dir] = true
	}

	runOnce := func(sc *scenario) {
		result, err := runScenario(ctx, sc)
		if err != nil {
			logger.Error().Err(err).Msg("run aborted")
			return
		}
		if jsonOutput {
			printJSON(cmd.OutOrStdout(), result)
		} else {
			printRunResult(cmd, result)
		}
	}

	runOnce(sc)
	logger.Info().Int("dirs", len(watched)).Msg("watching for changes")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	rerun := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).
				Msg("input changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case rerun <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("watch error")

		case <-rerun:
			// Reload everything; the change may be in any input.
			sc, err := reloadScenario(ctx, tel)
			if err != nil {
				logger.Error().Err(err).Msg("reload failed, keeping previous outputs")
				continue
			}
			runOnce(sc)
		}
	}
}
