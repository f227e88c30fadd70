package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rkka02/rikoclaw/internal/config"
	"github.com/rkka02/rikoclaw/internal/db"
	"github.com/rkka02/rikoclaw/internal/heartbeat"
	"github.com/rkka02/rikoclaw/internal/lock"
	"github.com/rkka02/rikoclaw/internal/mcpserver"
	"github.com/rkka02/rikoclaw/internal/mecho"
	"github.com/rkka02/rikoclaw/internal/mecho/client"
	"github.com/rkka02/rikoclaw/internal/overrides"
	"github.com/rkka02/rikoclaw/internal/queue"
	"github.com/rkka02/rikoclaw/internal/restart"
	"github.com/rkka02/rikoclaw/internal/runner"
	"github.com/rkka02/rikoclaw/internal/schedule"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rikoclaw",
		Short: "Chat-fronted orchestrator brokering prompts to coding-agent CLIs",
		RunE:  serve,
	}

	f := rootCmd.PersistentFlags()
	f.String("data-dir", "./data", "directory for persistent state")
	f.String("primary-cmd", "claude", "primary agent CLI binary")
	f.String("secondary-cmd", "codex", "secondary agent CLI binary")
	f.String("default-model", "", "default model passed to the agent CLI")
	f.Int("max-concurrent-runs", 2, "parallel task ceiling")
	f.Int("max-queue-size", 10, "pending+running task ceiling")
	f.Int("run-timeout-sec", 1800, "per-run subprocess timeout")
	f.Float64("rotation-threshold", 0.8, "context usage ratio that triggers session rotation")
	f.Int("rotation-timeout-sec", 120, "timeout for the rotation summary run")
	f.Int("session-max-age-hours", 720, "sessions idle longer than this are pruned")
	f.Bool("mecho-enabled", true, "run the embedded memory service")
	f.String("mecho-addr", "127.0.0.1:8741", "memory service listen address")
	f.String("mecho-api-url", "", "memory service URL (defaults to the embedded listener)")
	f.String("mecho-data-dir", "", "memory service data root (defaults to <data-dir>/mecho)")
	f.String("embedding-base-url", "", "OpenAI-compatible embeddings endpoint")
	f.String("embedding-api-key", "", "embeddings API key")
	f.String("embedding-model", "text-embedding-3-small", "embeddings model")
	f.String("schedules-path", "", "root schedules file (defaults to <data-dir>/schedules.json)")
	f.String("time-zone", "Asia/Seoul", "time zone for cron evaluation and heartbeat hours")
	f.Bool("heartbeat-enabled", false, "enable the periodic checklist heartbeat")
	f.Int("heartbeat-interval-min", 30, "minutes between heartbeat slots")
	f.String("heartbeat-channel-id", "", "channel receiving heartbeat reports")
	f.Int("heartbeat-active-start", 0, "heartbeat active window start hour")
	f.Int("heartbeat-active-end", 0, "heartbeat active window end hour")
	f.String("heartbeat-checklist", "", "checklist text embedded into the heartbeat prompt")
	f.String("restart-command", "", "shell command that relaunches this process")
	f.Int("restart-max-pending-min", 30, "minutes a pending restart resume stays valid")
	f.String("log-level", "info", "log level (debug, info, warn, error)")

	// Viper keys use underscores so they match RIKOCLAW_* env suffixes.
	for _, name := range []string{
		"data-dir", "primary-cmd", "secondary-cmd", "default-model",
		"max-concurrent-runs", "max-queue-size", "run-timeout-sec",
		"rotation-threshold", "rotation-timeout-sec", "session-max-age-hours",
		"mecho-enabled", "mecho-addr", "mecho-api-url", "mecho-data-dir",
		"embedding-base-url", "embedding-api-key", "embedding-model",
		"schedules-path", "time-zone",
		"heartbeat-enabled", "heartbeat-interval-min", "heartbeat-channel-id",
		"heartbeat-active-start", "heartbeat-active-end", "heartbeat-checklist",
		"restart-command", "restart-max-pending-min", "log-level",
	} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), f.Lookup(name))
	}
	viper.SetEnvPrefix("RIKOCLAW")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve orchestrator state as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcpserver.Run(config.Load())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lv,
		TimeFormat: time.TimeOnly,
	}))
}

func serve(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	fmt.Printf("rikoclaw %s starting\n", config.Version)
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Printf("  Primary: %s  Secondary: %s\n", cfg.PrimaryCmd, cfg.SecondaryCmd)
	fmt.Printf("  Queue: %d concurrent / %d max\n", cfg.MaxConcurrentRuns, cfg.MaxQueueSize)
	fmt.Printf("  Memory service: enabled=%t addr=%s\n", cfg.MechoEnabled, cfg.MechoAddr)
	fmt.Printf("  Time zone: %s\n", cfg.TimeZone)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One instance per data dir; two queues against the same session store
	// would double-run prompts.
	lk, err := lock.Acquire(filepath.Join(cfg.DataDir, ".runtime", "bot.lock"))
	if err != nil {
		return err
	}
	defer lk.Release() //nolint:errcheck

	store, err := db.Open(filepath.Join(cfg.DataDir, "sessions.db"), log)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if cfg.SessionMaxAgeHours > 0 {
		if n, err := store.CleanupOldSessions(time.Duration(cfg.SessionMaxAgeHours) * time.Hour); err != nil {
			log.Warn("session cleanup", "error", err)
		} else if n > 0 {
			log.Info("pruned idle sessions", "count", n)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Memory service.
	var memSrv *mecho.Server
	apiURL := ""
	if cfg.MechoEnabled {
		mechoRoot := cfg.MechoDataDir
		if mechoRoot == "" {
			mechoRoot = filepath.Join(cfg.DataDir, "mecho")
		}
		modes, err := mecho.NewManager(mechoRoot)
		if err != nil {
			return err
		}
		defer modes.Close() //nolint:errcheck

		embedder := mecho.NewEmbeddingClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
		memSrv = mecho.NewServer(mecho.NewService(modes, embedder, log), log)

		apiURL = cfg.MechoAPIURL
		if apiURL == "" {
			apiURL = "http://" + cfg.MechoAddr
		}
		g.Go(func() error { return memSrv.Start(cfg.MechoAddr) })
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			return memSrv.Shutdown(shutCtx)
		})
	}
	memory := client.New(apiURL, log)

	over, err := overrides.New(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer over.Close() //nolint:errcheck

	runners := map[string]runner.Runner{
		runner.EnginePrimary:   runner.NewPrimaryRunner(cfg.PrimaryCmd, nil, log),
		runner.EngineSecondary: runner.NewSecondaryRunner(cfg.SecondaryCmd, nil, log),
	}
	restarts := restart.NewManager(cfg.DataDir, cfg.RestartCommand, log)

	qm := queue.New(cfg, store, memory, runners, restarts, over, nil, log)
	if memSrv != nil {
		memSrv.Handle("GET /v1/queue/status", qm.StatusHandler())
	}

	// Replies land in the log until a transport registers real channels.
	resolver := logResolver{log: log}

	// Scheduler.
	schedulesPath := cfg.SchedulesPath
	if schedulesPath == "" {
		schedulesPath = filepath.Join(cfg.DataDir, "schedules.json")
	}
	modesDir := ""
	if cfg.MechoEnabled {
		modesDir = cfg.MechoDataDir
		if modesDir == "" {
			modesDir = filepath.Join(cfg.DataDir, "mecho")
		}
	}
	schedStore, err := schedule.NewStore(schedulesPath, modesDir, log)
	if err != nil {
		return err
	}
	defer schedStore.Close() //nolint:errcheck

	sched, err := schedule.New(schedStore, queue.NewScheduleSink(qm, resolver, log), cfg.TimeZone, log)
	if err != nil {
		return err
	}
	g.Go(func() error { return sched.Run(ctx) })

	// Heartbeat.
	hb := heartbeat.New(cfg, qm, resolver, log)
	g.Go(func() error { return hb.Run(ctx) })

	// Pending restart resume from a previous incarnation.
	resumePending(qm, restarts, resolver, cfg, log)

	// Signal handling: first signal drains, second forces exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		if !qm.Drain(30 * time.Second) {
			log.Warn("queue still busy at shutdown")
		}
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resumePending re-enqueues the task interrupted by a self-restart.
func resumePending(qm *queue.Manager, restarts *restart.Manager, resolver queue.ChannelResolver,
	cfg config.Config, log *slog.Logger) {

	pending, err := restarts.LoadPending(cfg.RestartMaxPending)
	if err != nil {
		log.Warn("load pending resume", "error", err)
		return
	}
	if pending == nil {
		return
	}

	target, ok := resolver.ResolveChannel(pending.ChannelID)
	if !ok {
		log.Warn("pending resume channel unresolvable", "channel", pending.ChannelID)
		return
	}
	_ = target.SendChunks([]string{"Server restarted. Resuming the interrupted task."})

	res := qm.Enqueue(&queue.Task{
		Prompt:        pending.ResumePrompt,
		SessionID:     pending.SessionID,
		SessionUserID: pending.SessionUserID,
		MechoModeID:   pending.MechoModeID,
		Model:         pending.Model,
		TaskKey:       "restart-resume:" + pending.ID,
		RespondTo:     target,
		Engine:        pending.Engine,
		ModeName:      pending.ModeName,
		UserID:        pending.UserID,
		ContextID:     pending.ContextID,
		ChannelID:     pending.ChannelID,
	})
	if !res.Accepted {
		log.Warn("pending resume rejected", "reason", res.Reason)
		return
	}
	if err := restarts.ClearPending(); err != nil {
		log.Warn("clear pending resume", "error", err)
	}
	log.Info("resumed interrupted task", "id", pending.ID)
}

// logResolver satisfies queue.ChannelResolver by logging replies. A chat
// transport replaces it by registering real channels.
type logResolver struct {
	log *slog.Logger
}

func (r logResolver) ResolveChannel(channelID string) (queue.ReplyTarget, bool) {
	return logTarget{log: r.log.With("channel", channelID)}, true
}

type logTarget struct {
	log *slog.Logger
}

func (t logTarget) SendChunks(chunks []string) error {
	for _, c := range chunks {
		t.log.Info("reply", "text", c)
	}
	return nil
}

func (t logTarget) SendTyping() {}

func (t logTarget) SendFiles(paths []string) error {
	t.log.Info("reply files", "paths", paths)
	return nil
}
