// Command cachesim drives a synthetic query workload through the query cache
// and prints what the cache made of it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/querycache/cache"
	"github.com/jonwraymond/querycache/health"
	"github.com/jonwraymond/querycache/observe"
	"github.com/jonwraymond/querycache/scheduler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cachesim",
		Short:        "Simulate a query workload against the adaptive query cache",
		SilenceUsage: true,
		RunE:         run,
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a cache YAML config (env QUERYCACHE_CONFIG)")
	flags.Int("queries", 50_000, "number of queries to run")
	flags.Int("workers", 8, "number of concurrent query workers")
	flags.Int("distinct", 2_000, "number of distinct queries")
	flags.Int64("seed", 1, "seed of the query distribution")
	flags.Int("version-every", 0, "bump the dataset version every n queries, 0 never")
	flags.Duration("reevaluate", 0, "override the evaluation interval")
	flags.Bool("disabled", false, "run with caching disabled")
	flags.String("metrics-exporter", "", "metrics exporter: otlp|prometheus|stdout|none (env QUERYCACHE_METRICS_EXPORTER)")
	flags.String("trace-exporter", "", "trace exporter: otlp|stdout|none (env QUERYCACHE_TRACE_EXPORTER)")
	flags.String("log-level", "", "log level: debug|info|warn|error (env QUERYCACHE_LOG_LEVEL)")
	return cmd
}

// flagOrEnv returns the flag value, else the environment value, else def.
func flagOrEnv(cmd *cobra.Command, flag, env, def string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(env); ok {
		return v
	}
	return def
}

func loadConfig(cmd *cobra.Command) (cache.Config, error) {
	cfg := cache.DefaultConfig()
	if path := flagOrEnv(cmd, "config", "QUERYCACHE_CONFIG", ""); path != "" {
		loaded, err := cache.LoadConfig(path)
		if err != nil {
			return cache.Config{}, err
		}
		cfg = loaded
	}
	if d, _ := cmd.Flags().GetDuration("reevaluate"); d > 0 {
		cfg.ReevaluateEach = d
	}
	if disabled, _ := cmd.Flags().GetBool("disabled"); disabled {
		cfg.Enabled = false
	}
	return cfg, cfg.Validate()
}

func observerConfig(cmd *cobra.Command) observe.Config {
	metrics := flagOrEnv(cmd, "metrics-exporter", "QUERYCACHE_METRICS_EXPORTER", "none")
	traces := flagOrEnv(cmd, "trace-exporter", "QUERYCACHE_TRACE_EXPORTER", "none")
	return observe.Config{
		ServiceName: "cachesim",
		Version:     "dev",
		Tracing: observe.TracingConfig{
			Enabled:   traces != "none",
			Exporter:  traces,
			SamplePct: 1.0,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  metrics != "none",
			Exporter: metrics,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   flagOrEnv(cmd, "log-level", "QUERYCACHE_LOG_LEVEL", "info"),
		},
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	obs, err := observe.NewObserver(ctx, observerConfig(cmd))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	inst, err := observe.FromObserver(obs)
	if err != nil {
		return err
	}

	workers, _ := cmd.Flags().GetInt("workers")
	pool := scheduler.NewPool(scheduler.PoolConfig{Workers: workers})
	defer func() { _ = pool.Close(context.Background()) }()

	sup, err := cache.NewSupervisor(cfg, pool, cache.WithInstrumentation(inst))
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close(ctx) }()

	w := workload{workers: workers}
	w.queries, _ = cmd.Flags().GetInt("queries")
	w.distinct, _ = cmd.Flags().GetInt("distinct")
	w.seed, _ = cmd.Flags().GetInt64("seed")
	w.versionEvery, _ = cmd.Flags().GetInt("version-every")

	inst.Logger.Info(ctx, "starting workload",
		observe.F("queries", w.queries),
		observe.F("workers", w.workers),
		observe.F("distinct", w.distinct),
		observe.F("cache_enabled", cfg.Enabled),
	)

	start := time.Now()
	rep, err := w.run(ctx, sup)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if heap, ok := sup.(*cache.HeapSupervisor); ok {
		heap.Evaluate(ctx)
	}

	checker := health.NewCacheChecker(sup, health.CacheCheckerConfig{})
	printReport(cmd.OutOrStdout(), rep, sup.Usage(), checker.Check(ctx), elapsed)
	return nil
}

func printReport(out io.Writer, rep report, usage health.Usage, status health.Result, elapsed time.Duration) {
	fmt.Fprintf(out, "queries:         %d in %v\n", rep.Queries, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "distinct (est.): %d\n", rep.Distinct)
	fmt.Fprintf(out, "versions:        %d\n", rep.Versions)
	fmt.Fprintf(out, "served cached:   %d\n", rep.Cached)
	fmt.Fprintf(out, "computed:        %d\n", rep.Computed)
	if rep.Queries > 0 {
		fmt.Fprintf(out, "cached ratio:    %.1f%%\n", float64(rep.Cached)/float64(rep.Queries)*100)
	}
	if usage.Disabled {
		fmt.Fprintln(out, "cache:           disabled")
	} else {
		fmt.Fprintf(out, "records:         %d\n", usage.Records)
		fmt.Fprintf(out, "occupied bytes:  %d of %d\n", usage.OccupiedBytes, usage.CapacityBytes)
		fmt.Fprintf(out, "evaluations:     %d\n", usage.Evaluations)
		fmt.Fprintf(out, "overloads:       %d\n", usage.Overloads)
	}
	fmt.Fprintf(out, "health:          %s (%s)\n", status.Status, status.Message)
}
