// Command taskworker consumes the "ai" app's Kafka queue and runs the
// follow-on AskRequest turns RequestPipeline.drainQueue dispatches mid-turn
// (spec §4.9 drain). Skill RPCs for every other app are the responsibility
// of that app's own worker; this binary only drives the core's own
// follow-on continuation task.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/openmates/ai-core/internal/cleanup"
	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/debugrecorder"
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

const aiQueueTopic = "app_ai"

// taskEnvelope mirrors taskdispatcher's private wire shape, since the
// Kafka message body is this worker's own input, not taskdispatcher's.
type taskEnvelope struct {
	Task         string         `json:"task"`
	TaskID       string         `json:"task_id"`
	Kwargs       map[string]any `json:"kwargs"`
	ExecuteAfter int64          `json:"execute_after,omitempty"`
}

func main() {
	configPath := flag.String("config", os.Getenv("ASKD_CONFIG"), "path to the worker's YAML config")
	skillManifest := flag.String("skills", os.Getenv("ASKD_SKILL_MANIFEST"), "path to the skill/focus manifest YAML")
	leaderboardManifest := flag.String("leaderboard", os.Getenv("ASKD_LEADERBOARD_MANIFEST"), "path to the model leaderboard manifest YAML")
	workerCount := flag.Int("workers", config.EnvInt("TASKWORKER_COUNT", 4), "number of concurrent follow-on turns to run")
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
		log.Fatal().Err(err).Msg("taskworker: connect to kv store failed")
	}
	defer store.Close()

	registry, err := skillregistry.Load(*skillManifest)
	if err != nil {
		log.Fatal().Err(err).Msg("taskworker: load skill manifest failed")
	}
	leaderboard, err := modelselect.Load(*leaderboardManifest)
	if err != nil {
		log.Fatal().Err(err).Msg("taskworker: load model leaderboard failed")
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
		}
	}

	storage := storagegw.NewFakeGateway()
	secrets := secretsgw.NewFakeGateway()

	bus := streambus.New(store)

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Balancer: &kafka.LeastBytes{},
	}
	defer writer.Close()
	dispatcher := taskdispatcher.New(store, writer)

	limiter := ratelimiter.New(store, cfg)
	var contentSanitizer *sanitizer.Sanitizer
	if provider, bareModel, ok := llm.Resolve(cfg.Pipeline.SanitizerModel); ok {
		contentSanitizer = sanitizer.New(provider, bareModel)
	} else {
		log.Warn().Str("sanitizer_model", cfg.Pipeline.SanitizerModel).Msg("taskworker: no provider resolved for sanitizer_model, skill results will not be sanitized")
	}
	executor := skillexec.New(store, limiter, dispatcher, contentSanitizer)
	cleanupCoordinator := cleanup.New(store)
	recorder := debugrecorder.New(store, secrets)
	pre := preprocessor.New(cfg, registry, leaderboard, llm, store, storage)
	mp := mainprocessor.New(llm, executor, registry, bus, storage, secrets)
	post := postprocessor.New(cfg, llm, registry.AppIDs(), nil)

	rp := pipeline.New(cfg, pre, mp, post, cleanupCoordinator, recorder, bus, store, dispatcher, storage, secrets)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  "ai-core-taskworker",
		Topic:    aiQueueTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	jobs := make(chan kafka.Message, (*workerCount)*4)

	for i := 0; i < *workerCount; i++ {
		go func() {
			for msg := range jobs {
				handleMessage(ctx, rp, dispatcher, msg)
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Warn().Err(err).Str("task_id", string(msg.Key)).Msg("taskworker: commit message failed")
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("taskworker: fetch message failed")
				t := time.NewTimer(500 * time.Millisecond)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
				continue
			}
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg("taskworker: shutting down")
}

// handleMessage decodes one follow-on task envelope and runs it through the
// pipeline, marking the dispatcher's status record on completion.
func handleMessage(ctx context.Context, rp *pipeline.RequestPipeline, dispatcher *taskdispatcher.Dispatcher, msg kafka.Message) {
	log := obs.LoggerWithTrace(ctx)

	var env taskEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		log.Warn().Err(err).Msg("taskworker: decode task envelope failed")
		return
	}

	if env.ExecuteAfter > 0 && time.Now().Unix() < env.ExecuteAfter {
		time.Sleep(time.Until(time.Unix(env.ExecuteAfter, 0)))
	}

	if err := dispatcher.MarkProcessing(ctx, env.TaskID); err != nil {
		log.Warn().Err(err).Str("task_id", env.TaskID).Msg("taskworker: mark processing failed")
	}

	req, err := decodeAskRequest(env)
	if err != nil {
		log.Warn().Err(err).Str("task_id", env.TaskID).Msg("taskworker: decode ask_request failed")
		_ = dispatcher.MarkFailed(ctx, env.TaskID, err)
		return
	}
	req.TaskID = env.TaskID

	res, err := rp.Run(ctx, req)
	if err != nil {
		_ = dispatcher.MarkFailed(ctx, env.TaskID, err)
		return
	}

	result, _ := json.Marshal(res)
	if err := dispatcher.MarkCompleted(ctx, env.TaskID, result); err != nil {
		log.Warn().Err(err).Str("task_id", env.TaskID).Msg("taskworker: mark completed failed")
	}
}

func decodeAskRequest(env taskEnvelope) (*corerequest.AskRequest, error) {
	arguments, ok := env.Kwargs["arguments"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("taskworker: envelope missing arguments map")
	}
	raw, ok := arguments["ask_request"]
	if !ok {
		return nil, fmt.Errorf("taskworker: envelope missing ask_request argument")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("taskworker: re-encode ask_request: %w", err)
	}
	var req corerequest.AskRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("taskworker: decode ask_request: %w", err)
	}
	return &req, nil
}
