// Command askd runs the Ask HTTP entrypoint: it wires the KV store, task
// queue, provider registry and every pipeline stage, then serves the native
// and OpenAI-compatible Ask endpoints over HTTP (spec §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/openmates/ai-core/internal/cleanup"
	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/debugrecorder"
	"github.com/openmates/ai-core/internal/httpapi"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/mainprocessor"
	"github.com/openmates/ai-core/internal/modelselect"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/pipeline"
	"github.com/openmates/ai-core/internal/postprocessor"
	"github.com/openmates/ai-core/internal/preprocessor"
	"github.com/openmates/ai-core/internal/ratelimiter"
	"github.com/openmates/ai-core/internal/sanitizer"
	"github.com/openmates/ai-core/internal/secretsgw"
	"github.com/openmates/ai-core/internal/skillexec"
	"github.com/openmates/ai-core/internal/skillregistry"
	"github.com/openmates/ai-core/internal/storagegw"
	"github.com/openmates/ai-core/internal/streambus"
	"github.com/openmates/ai-core/internal/taskdispatcher"
)

func main() {
	configPath := flag.String("config", os.Getenv("ASKD_CONFIG"), "path to the worker's YAML config")
	skillManifest := flag.String("skills", os.Getenv("ASKD_SKILL_MANIFEST"), "path to the skill/focus manifest YAML")
	leaderboardManifest := flag.String("leaderboard", os.Getenv("ASKD_LEADERBOARD_MANIFEST"), "path to the model leaderboard manifest YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	obs.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("askd: connect to kv store failed")
	}
	defer store.Close()

	registry, err := skillregistry.Load(*skillManifest)
	if err != nil {
		log.Fatal().Err(err).Msg("askd: load skill manifest failed")
	}
	leaderboard, err := modelselect.Load(*leaderboardManifest)
	if err != nil {
		log.Fatal().Err(err).Msg("askd: load model leaderboard failed")
	}

	llm := llmgateway.NewRegistry()
	for providerID := range cfg.Providers {
		switch providerID {
		case "openai":
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				llm.Register(providerID, llmgateway.NewOpenAIProvider(key))
			}
		case "anthropic":
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
				llm.Register(providerID, llmgateway.NewAnthropicProvider(key))
			}
		default:
			log.Warn().Str("provider", providerID).Msg("askd: no concrete adapter wired for provider, skipping")
		}
	}

	// storagegw/secretsgw are named external collaborators the core never
	// owns a live connection to (spec §1 Non-goals): no concrete backing
	// client ships in this module. A real deployment injects its own
	// Gateway implementation here instead of the in-memory fakes.
	storage := storagegw.NewFakeGateway()
	secrets := secretsgw.NewFakeGateway()

	bus := streambus.New(store)

	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Balancer: &kafka.LeastBytes{},
	}
	defer kafkaWriter.Close()
	dispatcher := taskdispatcher.New(store, kafkaWriter)

	limiter := ratelimiter.New(store, cfg)
	var contentSanitizer *sanitizer.Sanitizer
	if provider, bareModel, ok := llm.Resolve(cfg.Pipeline.SanitizerModel); ok {
		contentSanitizer = sanitizer.New(provider, bareModel)
	} else {
		log.Warn().Str("sanitizer_model", cfg.Pipeline.SanitizerModel).Msg("askd: no provider resolved for sanitizer_model, skill results will not be sanitized")
	}
	executor := skillexec.New(store, limiter, dispatcher, contentSanitizer)
	cleanupCoordinator := cleanup.New(store)
	recorder := debugrecorder.New(store, secrets)
	pre := preprocessor.New(cfg, registry, leaderboard, llm, store, storage)
	mp := mainprocessor.New(llm, executor, registry, bus, storage, secrets)
	availableAppIDs := registry.AppIDs()
	post := postprocessor.New(cfg, llm, availableAppIDs, nil)

	rp := pipeline.New(cfg, pre, mp, post, cleanupCoordinator, recorder, bus, store, dispatcher, storage, secrets)

	server := httpapi.NewServer(rp, store)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	go func() {
		log.Info().Str("addr", addr).Msg("askd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("askd: server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("askd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("askd: graceful shutdown failed")
	}
}
