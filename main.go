package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	debugpkg "runtime/debug"
	"syscall"
	"time"
)

func main() {
	// Top-level panic handler: capture any unexpected panic to panic.log
	// with a stack trace so operators can inspect it.
	defer func() {
		if r := recover(); r != nil {
			if f, err := os.OpenFile("panic.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\n%s\n\n", ts, r, debugpkg.Stack())
			}
		}
	}()

	configFlag := flag.String("config", "", "path to config.toml")
	secretsFlag := flag.String("secrets", "", "path to secrets.toml")
	dataDirFlag := flag.String("data-dir", "", "override data directory")
	stdoutLogFlag := flag.Bool("stdout", false, "mirror logs to stdout")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fatal("load config", err)
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}

	debugLogging = *debugFlag
	if debugLogging {
		setLogLevel(logLevelDebug)
	}
	configureFileLogging(cfg.ServiceLogPath, cfg.ErrorLogPath, cfg.DebugLogPath, *stdoutLogFlag)
	defer logger.Stop()

	ensureExampleFiles(cfg.DataDir)

	secretsPath := *secretsFlag
	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "config", "secrets.toml")
	}
	cfg.ObfuscationSecret, err = loadOrCreateSecret(secretsPath)
	if err != nil {
		fatal("load secrets", err)
	}

	db, err := initSharedStateDB(cfg.StateDB)
	if err != nil {
		fatal("open state db", err, "path", cfg.StateDB)
	}
	defer closeSharedStateDB()

	slots, err := newSQLiteSlotStore(db)
	if err != nil {
		fatal("init slot store", err)
	}
	preambles := newPreambleStore(slots)
	settings := newUserSettings(slots)
	managers := newObfuscatedFlagStore(slots, cfg.ObfuscationSecret, managerFlag)
	noLimit := newObfuscatedFlagStore(slots, cfg.ObfuscationSecret, noLimitFlag)
	stats := newStatsStore(db, cfg.StatsWindow)
	dedup := newEventDedup(db)
	gate := newRateGate(settings, noLimit, cfg.Cooldown)
	pipeline := newRenderPipeline(
		preambles,
		settings,
		newExecTexCompiler(cfg.CompilerBin, cfg.CompileTimeout),
		newExecRasterizer(cfg.RasterizerBin),
		cfg.BuildDir,
	)
	scheduler := newRenderScheduler(cfg.RenderSlots)
	metrics := newRenderMetrics()
	metrics.SetSlowRendersFile(filepath.Join(cfg.DataDir, "slow_renders.json"))

	disp := &dispatcher{
		dedup:     dedup,
		gate:      gate,
		scheduler: scheduler,
		pipeline:  pipeline,
		preambles: preambles,
		settings:  settings,
		managers:  managers,
		noLimit:   noLimit,
		stats:     stats,
		metrics:   metrics,
		out:       newStdioTransport(os.Stdout, filepath.Join(cfg.DataDir, "outbox")),
		now:       time.Now,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go statsPruneLoop(ctx, stats, cfg.StatsWindow)
	go activitySummaryLoop(ctx, metrics)

	logger.Info("texpool started",
		"state_db", cfg.StateDB,
		"compiler", cfg.CompilerBin,
		"render_slots", cfg.RenderSlots,
	)

	// Reference event source: one JSON event per stdin line. Host
	// integrations replace this loop with their own delivery transport.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			var ev inboundEvent
			if err := fastJSONUnmarshal([]byte(line), &ev); err != nil {
				logger.Warn("bad inbound event", "error", err)
				continue
			}
			disp.HandleEvent(ctx, ev)
		}
	}

	logger.Info("shutting down, waiting for in-flight renders")
	scheduler.Wait()
	metrics.logSnapshot()
}

// activitySummaryLoop writes the in-process counters to the service log
// once an hour so a quiet instance still leaves a heartbeat.
func activitySummaryLoop(ctx context.Context, metrics *renderMetrics) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.logSnapshot()
		}
	}
}

// statsPruneLoop trims the render ledger on an interval so retention does
// not depend on traffic.
func statsPruneLoop(ctx context.Context, stats *statsStore, window time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := stats.PruneOlderThan(window)
			if err != nil {
				logger.Warn("stats prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("pruned render records", "count", removed)
			}
		}
	}
}
