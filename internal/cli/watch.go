package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/stagegate/internal/controller"
	"github.com/lucasnoah/stagegate/internal/metrics"
	"github.com/lucasnoah/stagegate/internal/pipeline"
	"github.com/lucasnoah/stagegate/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run barrier sweeps on a timer and follow a phase breakdown file",
	Long: `Sweeps every stored run each --interval so barrier timeouts fire without a
worker having to report. With --tasks the breakdown file is watched and the
session is reclassified from it on every save, as long as no stage has been
delegated yet. With --metrics-addr (or metrics.addr) Prometheus counters are
served on /metrics. Stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, _ := cmd.Flags().GetString("tasks")
		template, _ := cmd.Flags().GetString("template")
		interval, _ := cmd.Flags().GetDuration("interval")
		debounce, _ := cmd.Flags().GetDuration("debounce")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if interval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}

		session := ""
		if tasks != "" {
			s, err := requireSession()
			if err != nil {
				return err
			}
			session = s
		}

		ctl, cfg, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if metricsAddr == "" {
			metricsAddr = cfg.Metrics.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := newLogger(cfg, cmd.ErrOrStderr())
		logf := func(format string, a ...any) {
			fmt.Fprintf(cmd.OutOrStdout(), "  → "+format+"\n", a...)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sweepLoop(ctx, ctl, interval, logf, logger)
		})
		if tasks != "" {
			w := &tasksWatcher{
				ctl:      ctl,
				session:  session,
				path:     tasks,
				template: template,
				debounce: debounce,
				logf:     logf,
				logger:   logger,
			}
			g.Go(func() error { return w.run(ctx) })
		}
		if metricsAddr != "" {
			g.Go(func() error { return serveMetrics(ctx, metricsAddr, logf) })
		}

		logf("watching (sweep every %s)", interval)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logf("stopped")
		return nil
	},
}

func sweepLoop(ctx context.Context, ctl *controller.Controller, interval time.Duration, logf func(string, ...any), logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		results, err := ctl.SweepAll(ctx)
		if err != nil {
			// A failed sweep is retried on the next tick.
			logger.Warn("sweep failed", "error", err)
			continue
		}
		for session, outs := range results {
			for _, o := range outs {
				logf("%s: barrier %s resolved %s (%s)", session, o.Group, o.Verdict, o.Action)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logf func(string, ...any)) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logf("metrics on http://%s/metrics", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// tasksWatcher reclassifies a session whenever its phase breakdown file is
// saved. Editors often replace the file instead of writing it, so the parent
// directory is watched and events are filtered by name.
type tasksWatcher struct {
	ctl      *controller.Controller
	session  string
	path     string
	template string
	debounce time.Duration
	logf     func(string, ...any)
	logger   *slog.Logger
}

func (w *tasksWatcher) run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.path, err)
	}
	w.path = abs

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.logf("following %s for %s", abs, w.session)

	// An existing file is applied once at startup.
	if _, err := os.Stat(abs); err == nil {
		w.apply(ctx)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case <-fire:
			fire = nil
			w.apply(ctx)
		}
	}
}

// apply reclassifies from the current file contents unless work has started.
func (w *tasksWatcher) apply(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("read tasks file", "path", w.path, "error", err)
		return
	}

	template := w.template
	info, err := w.ctl.Status(ctx, w.session)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		w.logger.Warn("load run", "session", w.session, "error", err)
		return
	default:
		if !reclassifiable(info) {
			w.logf("%s is %s, leaving its pipeline alone", w.session, info.Phase)
			return
		}
		if template == "" {
			template = info.Template
		}
	}

	doc := string(data)
	res, err := w.ctl.Classify(ctx, w.session, doc, controller.ClassifyOpts{Template: template, TasksDoc: doc})
	if err != nil {
		w.logger.Warn("reclassify", "session", w.session, "error", err)
		return
	}
	w.logf("%s: %s with %d phase(s), %d stage(s)", w.session, res.TemplateID, res.Phases, len(res.Stages))
}

// reclassifiable reports whether no stage of the run has left pending.
func reclassifiable(info *controller.StatusInfo) bool {
	if info.Cancelled {
		return false
	}
	if info.Phase != pipeline.PhaseIdle && info.Phase != pipeline.PhaseClassified {
		return false
	}
	for _, s := range info.Stages {
		if s.Status != pipeline.StatusPending {
			return false
		}
	}
	return true
}

func init() {
	watchCmd.Flags().String("tasks", "", "phase breakdown file to follow (needs --session)")
	watchCmd.Flags().String("template", "", "template to classify with (default: the run's current template)")
	watchCmd.Flags().Duration("interval", 30*time.Second, "barrier sweep interval")
	watchCmd.Flags().Duration("debounce", 500*time.Millisecond, "quiet period after a save before reclassifying")
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus /metrics on this address")
}
