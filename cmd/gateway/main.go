// Command gateway runs the LLM gateway: as a long-lived HTTP service or as
// one-shot operational commands against the same configuration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developer-mesh/llm-gateway/internal/api"
	"github.com/developer-mesh/llm-gateway/internal/audit"
	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/internal/gateway"
	"github.com/developer-mesh/llm-gateway/internal/storage"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

var (
	command     = flag.String("command", "serve", "Command to execute (serve, health, embed, generate/invoke, cache-stats, archive-audit)")
	configPath  = flag.String("config", "", "Path to config file (defaults to LLMGW_CONFIG_FILE or configs/gateway.yaml)")
	text        = flag.String("text", "", "Text to embed (used with -command embed)")
	prompt      = flag.String("prompt", "", "Prompt to send (used with -command generate)")
	modelID     = flag.String("model", "", "Model id override")
	maxTokens   = flag.Int("max-tokens", 512, "Token budget for generation")
	temperature = flag.Float64("temperature", 0.7, "Sampling temperature for generation")
	timeout     = flag.Duration("timeout", 2*time.Minute, "Per-command timeout")
	olderThan   = flag.Duration("older-than", 30*24*time.Hour, "Audit age cutoff (used with -command archive-audit)")
	noCache     = flag.Bool("no-cache", false, "Bypass the embedding cache")
)

func main() {
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	gw := gateway.New(cfg)
	defer func() {
		if err := gw.Close(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	switch *command {
	case "serve":
		err = runServe(cfg, gw)
	case "health":
		err = runHealth(gw)
	case "embed":
		err = runEmbed(gw)
	case "generate", "invoke":
		err = runGenerate(gw)
	case "cache-stats":
		err = runCacheStats(gw)
	case "archive-audit":
		err = runArchiveAudit(cfg, gw)
	default:
		err = fmt.Errorf("unknown command: %s", *command)
	}
	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
}

func runServe(cfg *config.Config, gw *gateway.Gateway) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewStandardLoggerWithLevel("gateway", observability.ParseLogLevel(cfg.LogLevel))

	gw.StartBackground(ctx)

	if !cfg.API.Enabled {
		logger.Info("http api disabled, running headless until signalled", nil)
		<-ctx.Done()
		return nil
	}

	server := api.NewServer(gw, cfg.API, logger)
	return server.Run(ctx)
}

func runHealth(gw *gateway.Gateway) error {
	ctx, cancel := commandContext()
	defer cancel()

	report := gw.Health(ctx)
	printJSON(report)
	if !report.Healthy {
		os.Exit(1)
	}
	return nil
}

func runEmbed(gw *gateway.Gateway) error {
	if *text == "" {
		return fmt.Errorf("-text is required for the embed command")
	}
	ctx, cancel := commandContext()
	defer cancel()

	res, err := gw.Embed(ctx, models.EmbeddingRequest{
		Text:     *text,
		ModelID:  *modelID,
		UseCache: !*noCache,
	})
	if err != nil {
		return err
	}
	fmt.Printf("source=%s model=%s dims=%d quality=%.2f cache_id=%d\n",
		res.Source, res.ModelUsed, len(res.Vector), res.QualityScore, res.CacheID)
	return nil
}

func runGenerate(gw *gateway.Gateway) error {
	if *prompt == "" {
		return fmt.Errorf("-prompt is required for the generate command")
	}
	ctx, cancel := commandContext()
	defer cancel()

	resp, err := gw.Generate(ctx, models.GenerationRequest{
		Prompt:      *prompt,
		ModelID:     *modelID,
		Temperature: *temperature,
		MaxTokens:   *maxTokens,
	})
	if err != nil {
		return err
	}
	fmt.Println(resp.Content)
	fmt.Fprintf(os.Stderr, "model=%s tokens=%d elapsed_ms=%.1f\n",
		resp.ModelUsed, resp.TokenUsage.Total, resp.ProcessingTimeMs)
	return nil
}

func runCacheStats(gw *gateway.Gateway) error {
	ctx, cancel := commandContext()
	defer cancel()

	stats, err := gw.CacheStats(ctx)
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}

func runArchiveAudit(cfg *config.Config, gw *gateway.Gateway) error {
	ctx, cancel := commandContext()
	defer cancel()

	logger := observability.NewStandardLogger("archive")
	client, db, err := gw.ArchiveClients(ctx)
	if err != nil {
		return err
	}
	store := storage.NewObjectStore(client, cfg.ObjectStore, logger)
	n, err := store.ArchiveAudit(ctx, db, time.Now().Add(-*olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("archived %d audit records\n", n)

	agg := audit.NewAggregator(db, 0, 0, logger)
	return agg.RunOnce(ctx)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *timeout)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render output: %v", err)
	}
	fmt.Println(string(out))
}
