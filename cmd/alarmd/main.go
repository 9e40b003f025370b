package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/access"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/action"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/converge"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/database"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/detect"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/healthz"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/lock"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/pipeline"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/trigger"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/window"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
	exitInterrupt  = 130
)

var (
	configFile string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "alarmd",
		Short: "Streaming alarm pipeline worker",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace|debug|info|warn|error)")

	root.AddCommand(newRunCmd(), newFlushQoSCmd(), newMigrateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(exitConfig)
	}
	setupLogging(cfg)
	return cfg
}

func setupLogging(cfg *config.Config) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <stage>",
		Short:     "Run one pipeline stage (access|detect|trigger|converge|action)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"access", "detect", "trigger", "converge", "action"},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runStage(args[0]))
		},
	}
}

func runStage(stage string) int {
	cfg := loadConfig()
	log.Info().Str("stage", stage).Msg("alarmd starting")

	rdb, err := redisc.NewClient(&cfg.Redis)
	if err != nil {
		log.Error().Err(err).Msg("redis client init failed")
		return exitDependency
	}
	defer rdb.Close()
	if err := redisc.Ping(context.Background(), rdb); err != nil {
		log.Error().Err(err).Msg("redis unreachable")
		return exitDependency
	}

	queues := redisc.NewQueues(rdb)
	locks := lock.NewService(rdb)
	windows := window.NewRedisStore(rdb)
	cache := strategy.NewCache(rdb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	interrupted := watchInterrupt(ctx)

	healthOpts := []healthz.Option{
		healthz.WithCheck("redis", func(c context.Context) error { return redisc.Ping(c, rdb) }),
	}

	var db *database.Database
	if stage == "trigger" || stage == "converge" || stage == "action" {
		db, err = database.New(cfg.Store.URL)
		if err != nil {
			log.Error().Err(err).Msg("alert store unreachable")
			return exitDependency
		}
		defer db.Close()
		healthOpts = append(healthOpts,
			healthz.WithCheck("store", func(c context.Context) error { return db.Ping(c) }),
			healthz.WithAlertAPI(alert.NewPgStore(db), os.Getenv("ADMIN_API_TOKEN")),
		)
	}

	server := healthz.New(cfg.Server.BindAddr, healthOpts...)
	go func() {
		if err := server.Run(ctx); err != nil {
			log.Error().Err(err).Msg("self-monitor server failed")
		}
	}()
	go healthz.NewDepthWatcher(queues).Run(ctx, 15*time.Second)
	go cache.Run(ctx)

	switch stage {
	case "access":
		runAccess(ctx, cfg, rdb, queues, locks, cache)
	case "detect":
		runner := pipeline.NewRunner(
			detect.NewProcessor(queues, locks, windows, cache, cache).
				WithBatchSize(cfg.Detect.BatchSize),
			cfg.Detect.Workers,
			pipeline.WithTimeout(config.Duration(cfg.Detect.Timeout, 15*time.Second)),
			pipeline.WithHooks(pipeline.TimingHook("detect", time.Second)),
		)
		runner.Run(ctx)
	case "trigger":
		store := alert.NewPgStore(db)
		proc := trigger.NewProcessor(queues, locks, windows, cache, store,
			alert.NewRedisSequencer(rdb), trigger.NewRedisLimiter(rdb, cfg.Trigger.QoSMaxPerMin))
		sweeper := trigger.NewSweeper(queues, windows, cache, store,
			cfg.Trigger.RecoverCount, config.Duration(cfg.Trigger.CloseDelay, time.Hour))
		go sweeper.Run(ctx, config.Duration(cfg.Trigger.SweepInterval, time.Minute))
		go pumpDelayed(ctx, queues, "trigger", redisc.AnomalySignalKey)
		runner := pipeline.NewRunner(proc, cfg.Trigger.Workers,
			pipeline.WithTimeout(config.Duration(cfg.Trigger.Timeout, 10*time.Second)),
			pipeline.WithHooks(pipeline.TimingHook("trigger", time.Second)))
		runner.Run(ctx)
	case "converge":
		proc := converge.NewProcessor(queues, locks, cache, alert.NewPgStore(db),
			config.Duration(cfg.Converge.Interval, time.Minute), int64(cfg.Converge.MaxFold))
		go pumpDelayed(ctx, queues, "converge", redisc.ConvergeQueueKey)
		runner := pipeline.NewRunner(proc, cfg.Converge.Workers,
			pipeline.WithTimeout(config.Duration(cfg.Converge.Timeout, 10*time.Second)),
			pipeline.WithHooks(pipeline.TimingHook("converge", time.Second)))
		runner.Run(ctx)
	case "action":
		notifier := action.NewKafkaNotifier(cfg.MQ.Brokers, cfg.Action.NotifyTopic)
		defer notifier.Close()
		proc := action.NewProcessor(queues, action.NewPgStore(db), notifier,
			config.Duration(cfg.Action.Timeout, time.Minute)).
			WithRetryPolicy(cfg.Action.MaxRetries, config.Duration(cfg.Action.RetryBase, 30*time.Second))
		go pumpDelayed(ctx, queues, "action", redisc.ActionQueueKey)
		runner := pipeline.NewRunner(proc, cfg.Action.Workers,
			pipeline.WithTimeout(config.Duration(cfg.Action.Timeout, time.Minute)+5*time.Second),
			pipeline.WithHooks(pipeline.TimingHook("action", 2*time.Second)))
		runner.Run(ctx)
	default:
		log.Error().Str("stage", stage).Msg("unknown stage")
		return exitConfig
	}

	log.Info().Str("stage", stage).Msg("alarmd stopped")
	stop()
	if interrupted() == syscall.SIGINT {
		return exitInterrupt
	}
	return exitOK
}

func runAccess(ctx context.Context, cfg *config.Config, rdb *redis.Client, queues redisc.Queue, locks lock.Locker, cache *strategy.Cache) {
	source := access.NewKafkaSource(cfg.MQ.Brokers, cfg.MQ.ClusterPrefix, cfg.MQ.GroupID)
	defer source.Close()

	proc := access.NewGroupProcessor(
		source, queues, locks, cache,
		window.NewRedisDeduplicator(rdb, config.Duration(cfg.Access.DedupTTL, 10*time.Minute)),
		access.NewRedisGate(rdb, config.Duration(cfg.Access.PriorityTTL, 10*time.Minute)),
		access.NewRedisCheckpoints(rdb),
		cfg.Access.MaxQueueDepth,
	).WithBudget(access.NewRedisBudget(rdb, 0, 0))
	sched := access.NewScheduler(access.NewRedisRegistry(rdb), locks, cache, proc, cfg.Access.Workers).
		WithIntervals(
			config.Duration(cfg.Access.DiscoveryInterval, 30*time.Second),
			config.Duration(cfg.Access.CatalogInterval, time.Minute),
		)
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("access scheduler stopped")
	}
}

// pumpDelayed moves due retry payloads back onto a stage input queue.
func pumpDelayed(ctx context.Context, queues redisc.Queue, stage, queue string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := queues.PumpDue(ctx, stage, queue, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("stage", stage).Msg("delayed pump failed")
			}
		}
	}
}

// watchInterrupt reports which signal ended the run, if any.
func watchInterrupt(ctx context.Context) func() os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	var got os.Signal
	done := make(chan struct{})
	go func() {
		select {
		case got = <-ch:
		case <-ctx.Done():
		}
		close(done)
	}()
	return func() os.Signal {
		<-done
		return got
	}
}

func newFlushQoSCmd() *cobra.Command {
	var strategyID int64
	var severity int
	cmd := &cobra.Command{
		Use:   "flush-qos",
		Short: "Reset QoS counters so blocked series can alert again",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			rdb, err := redisc.NewClient(&cfg.Redis)
			if err != nil {
				log.Error().Err(err).Msg("redis client init failed")
				os.Exit(exitDependency)
			}
			defer rdb.Close()
			limiter := trigger.NewRedisLimiter(rdb, cfg.Trigger.QoSMaxPerMin)
			n, err := limiter.Flush(cmd.Context(), strategyID, severity)
			if err != nil {
				log.Error().Err(err).Msg("qos flush failed")
				os.Exit(exitDependency)
			}
			fmt.Printf("flushed %d qos counters\n", n)
		},
	}
	cmd.Flags().Int64Var(&strategyID, "strategy", 0, "limit to one strategy (0 = all)")
	cmd.Flags().IntVar(&severity, "severity", 0, "limit to one severity (0 = all)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the alert store schema",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			db, err := database.New(cfg.Store.URL)
			if err != nil {
				log.Error().Err(err).Msg("alert store unreachable")
				os.Exit(exitDependency)
			}
			defer db.Close()
			rendered, err := db.Migrate(cmd.Context(), dryRun)
			if dryRun {
				fmt.Print(rendered)
			}
			if err != nil {
				log.Error().Err(err).Msg("migration failed")
				os.Exit(exitDependency)
			}
			if !dryRun {
				log.Info().Msg("schema applied")
			}
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the DDL without executing")
	return cmd
}
