// Command pipevined wires the workflow engine: persistence, model providers,
// the MCP tool registry, the balance gate and the IMAP fetcher pool, then
// sweeps instances interrupted by the previous shutdown and waits for work.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pipevine/pipevine/features/imap"
	"github.com/pipevine/pipevine/features/mcp"
	"github.com/pipevine/pipevine/features/model/anthropic"
	"github.com/pipevine/pipevine/features/model/openrouter"
	mongostore "github.com/pipevine/pipevine/features/store/mongo"
	"github.com/pipevine/pipevine/runtime/agent"
	"github.com/pipevine/pipevine/runtime/balance"
	"github.com/pipevine/pipevine/runtime/engine"
	"github.com/pipevine/pipevine/runtime/model"
	"github.com/pipevine/pipevine/runtime/runlog"
	"github.com/pipevine/pipevine/runtime/store"
	"github.com/pipevine/pipevine/runtime/telemetry"
	"github.com/pipevine/pipevine/runtime/tools"
	"github.com/pipevine/pipevine/runtime/workflow"
)

func main() {
	var (
		workflowF = flag.String("workflow", "", "Run one instance of the given workflow UUID and exit")
		userF     = flag.String("user", "", "Owner of the workflow passed via -workflow")
		inputF    = flag.String("input", "", "Optional trigger output markdown for -workflow")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(ctx, err)
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer cleanup()

	models, err := buildModels(cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	registry := tools.NewRegistry(logger)
	servers, err := loadToolServers(cfg.ToolServersFile)
	if err != nil {
		log.Fatal(ctx, err)
	}
	for _, srv := range servers {
		if err := registry.Register(srv.Name, mcp.Connector(mcp.Options{Endpoint: srv.Endpoint})); err != nil {
			log.Fatal(ctx, fmt.Errorf("register tool server %s: %w", srv.Name, err))
		}
	}
	log.Print(ctx, log.KV{K: "tool_servers", V: len(servers)})

	gate, err := balance.New(balance.Options{Store: st, Logger: logger, Metrics: metrics})
	if err != nil {
		log.Fatal(ctx, err)
	}

	sink := runlog.NewInMemSink()

	agents, err := agent.New(agent.Options{
		Models:           models,
		Tools:            registry,
		Gate:             gate,
		Runlog:           sink,
		Logger:           logger,
		Metrics:          metrics,
		MaxCycles:        cfg.MaxAgentCycles,
		MaxParallelCalls: cfg.MaxParallelToolCalls,
		HumanInputTool:   cfg.HumanInputTool,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	runner, err := engine.New(engine.Options{
		Store:   st,
		Models:  models,
		Agents:  agents,
		Gate:    gate,
		Runlog:  sink,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	checkpoint, err := buildCheckpoint(cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if _, err := imap.NewFetcher(imap.FetcherOptions{
		Pool:       imap.SharedPool(cfg.IMAPMaxConcurrency),
		Checkpoint: checkpoint,
		Logger:     logger,
		Metrics:    metrics,
	}); err != nil {
		log.Fatal(ctx, err)
	}

	swept, err := engine.SweepInterrupted(ctx, st, logger, metrics)
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "swept_instances", V: swept})

	if *workflowF != "" {
		if *userF == "" {
			log.Fatal(ctx, fmt.Errorf("-workflow requires -user"))
		}
		if err := runOnce(ctx, st, runner, *userF, *workflowF, *inputF); err != nil {
			log.Fatal(ctx, err)
		}
		return
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "pipevined ready")
	log.Printf(ctx, "exiting (%v)", <-errc)
}

// runOnce creates a fresh instance of the workflow and runs it to a terminal
// state or a human-input suspension.
func runOnce(ctx context.Context, st store.Store, runner *engine.Runner, userID, workflowUUID, input string) error {
	inst := &workflow.Instance{
		UUID:         uuid.NewString(),
		UserID:       userID,
		WorkflowUUID: workflowUUID,
		Status:       workflow.InstanceRunning,
	}
	if input != "" {
		inst.TriggerOutput = &workflow.StepOutput{
			UUID:     uuid.NewString(),
			Markdown: input,
		}
	}
	if err := st.PutInstance(ctx, inst); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	suspension, err := runner.Run(ctx, inst.UUID, userID)
	if err != nil {
		return err
	}
	if suspension != nil {
		log.Print(ctx, log.KV{K: "instance", V: inst.UUID},
			log.KV{K: "status", V: "awaiting human input"},
			log.KV{K: "tool_call_id", V: suspension.Human.ToolCallID})
		return nil
	}
	final, err := st.Instance(ctx, userID, inst.UUID)
	if err != nil {
		return fmt.Errorf("reload instance: %w", err)
	}
	log.Print(ctx, log.KV{K: "instance", V: inst.UUID},
		log.KV{K: "status", V: string(final.Status)})
	return nil
}

// buildStore returns the Mongo-backed store when MONGO_URI is set and the
// in-memory store otherwise.
func buildStore(ctx context.Context, cfg *config) (store.Store, func(), error) {
	if cfg.MongoURI == "" {
		return store.NewInMem(), func() {}, nil
	}
	client, err := mongodriver.Connect(mongoopts.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	st, err := mongostore.New(mongostore.Options{Client: client, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Disconnect(ctx); err != nil {
			log.Errorf(ctx, err, "mongo disconnect")
		}
	}
	return st, cleanup, nil
}

// buildModels registers the Anthropic client under its model prefix and uses
// OpenRouter as the fallback for everything else.
func buildModels(cfg *config) (*model.Registry, error) {
	var fallback model.Client
	if cfg.OpenRouterAPIKey != "" {
		or, err := openrouter.New(openrouter.Options{APIKey: cfg.OpenRouterAPIKey})
		if err != nil {
			return nil, err
		}
		fallback = or
	}
	registry := model.NewRegistry(fallback)
	if cfg.AnthropicAPIKey != "" {
		ac, err := anthropic.New(anthropic.Options{APIKey: cfg.AnthropicAPIKey})
		if err != nil {
			return nil, err
		}
		registry.Register("anthropic/", ac)
	}
	return registry, nil
}

func buildCheckpoint(cfg *config) (imap.Checkpoint, error) {
	if cfg.RedisURL == "" {
		return imap.NewInMemCheckpoint(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return imap.NewRedisCheckpoint(redis.NewClient(opts), "")
}
