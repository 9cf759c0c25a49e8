// Command her is the CLI entry point: it wires every component behind
// act/query/stats subcommands. Grounded on the teacher's cmd/agent/main.go
// bootstrap (godotenv, signal-aware context, browser launch/close), rebuilt
// around cobra instead of the flag package since this CLI now has
// multiple verbs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/config"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/embedder"
	"github.com/polzovatel/her/internal/fusion"
	"github.com/polzovatel/her/internal/healer"
	"github.com/polzovatel/her/internal/modelclient"
	"github.com/polzovatel/her/internal/pipeline"
	"github.com/polzovatel/her/internal/promotion"
	"github.com/polzovatel/her/internal/session"
	"github.com/polzovatel/her/internal/snapshotbuilder"
	"github.com/polzovatel/her/internal/telemetry"
	"github.com/polzovatel/her/internal/vectorcache"
	"github.com/polzovatel/her/internal/verifier"
)

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "her",
		Short: "Hybrid element retriever: resolve natural-language steps against a live page",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.AddCommand(newActCmd(), newQueryCmd(), newStatsCmd())
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, domain.ErrNoCandidate) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newActCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "act [instruction]",
		Short: "Resolve an instruction to a verified element and perform its action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), url, func(ctx context.Context, p *pipeline.Pipeline) error {
				result, err := p.Act(ctx, args[0])
				if err != nil {
					return err
				}
				printResult(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "URL to navigate to before resolving")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "query [instruction]",
		Short: "Resolve an instruction without executing its action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), url, func(ctx context.Context, p *pipeline.Pipeline) error {
				result, err := p.Query(ctx, args[0])
				if err != nil {
					return err
				}
				printResult(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "URL to navigate to before resolving")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print promotion store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			promo, err := promotion.Open(cfg.PromotionDBPath)
			if err != nil {
				return err
			}
			defer promo.Close()
			st, err := promo.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entries=%d successes=%d failures=%d avg_confidence=%.3f high_confidence=%d warm_cache=%d\n",
				st.TotalEntries, st.TotalSuccesses, st.TotalFailures, st.AvgConfidence, st.HighConfidenceCount, st.WarmCacheSize)
			return nil
		},
	}
}

func printResult(r pipeline.StepResult) {
	fmt.Printf("request_id=%s action=%s selector=%q strategy=%s healed=%v executed=%v explanation=%q\n",
		r.RequestID, r.Intent.Action, r.Selector, r.Strategy, r.Healed, r.Executed, r.Explanation)
}

// withPipeline performs the full bootstrap sequence the teacher's main()
// does for a single browser session, then runs fn and tears everything
// down in reverse acquisition order.
func withPipeline(parent context.Context, url string, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger("her", debug)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, err := browser.NewLauncher(ctx, logger.With().Str("comp", "browser").Logger())
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer launcher.Close()

	driver, err := launcher.NewDriver(ctx, cfg.StorageStatePath)
	if err != nil {
		return fmt.Errorf("open driver: %w", err)
	}
	defer driver.Close(ctx)

	if url != "" {
		if err := driver.Navigate(ctx, url); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
	}

	model, err := modelclient.NewFromEnv(logger.With().Str("comp", "model").Logger(), cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("init embedding model: %w", err)
	}

	cache, err := vectorcache.Open(cfg.VectorCachePath, cfg.VectorCacheMemoryEntries, cfg.VectorCacheByteCap)
	if err != nil {
		return fmt.Errorf("open vector cache: %w", err)
	}
	defer cache.Close()

	promo, err := promotion.Open(cfg.PromotionDBPath)
	if err != nil {
		return fmt.Errorf("open promotion store: %w", err)
	}
	defer promo.Close()

	builder := snapshotbuilder.New(driver, logger.With().Str("comp", "snapshot").Logger(), cfg.PierceShadowDOM)
	emb := embedder.New(model, cache)
	verify := verifier.New(driver)
	heal := healer.New(verify)
	sess := session.New(driver, builder, cfg.SnapshotRateHz)
	if err := sess.AttachRouteListeners(ctx); err != nil {
		logger.Warn().Err(err).Msg("route listeners not attached")
	}

	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	pcfg := pipeline.Config{
		Weights:       fusion.Weights{Semantic: cfg.FusionWeightSemantic, Heuristic: cfg.FusionWeightHeuristic},
		MinConfidence: cfg.MinConfidence,
	}
	p := pipeline.New(driver, emb, model, promo, heal, verify, sess, logger.With().Str("comp", "pipeline").Logger(), pcfg, metrics)

	return fn(ctx, p)
}
