package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/turnpike/pkg/actions"
	"github.com/dotsetgreg/turnpike/pkg/agent"
	"github.com/dotsetgreg/turnpike/pkg/bus"
	"github.com/dotsetgreg/turnpike/pkg/channels"
	"github.com/dotsetgreg/turnpike/pkg/compose"
	"github.com/dotsetgreg/turnpike/pkg/config"
	"github.com/dotsetgreg/turnpike/pkg/embedqueue"
	"github.com/dotsetgreg/turnpike/pkg/events"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
	"github.com/dotsetgreg/turnpike/pkg/model"
	"github.com/dotsetgreg/turnpike/pkg/orchestrator"
	"github.com/dotsetgreg/turnpike/pkg/schedule"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "turnpike"

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go:    %s\n", goVer)
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".turnpike", "config.json")
	}
	return filepath.Join(home, ".turnpike", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(configPath())
}

// appRuntime holds the assembled components shared by the chat and
// gateway modes.
type appRuntime struct {
	cfg      *config.Config
	store    memory.Store
	bus      *bus.MessageBus
	queue    *embedqueue.Queue
	orch     *orchestrator.Orchestrator
	loop     *agent.Loop
	provider model.Provider
	emitter  events.Emitter
}

func buildRuntime(cfg *config.Config) (*appRuntime, error) {
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	store, err := memory.NewSQLiteStore(filepath.Join(workspace, "turnpike.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	provider, err := model.NewOpenRouterProvider(cfg.Providers.OpenRouter)
	if err != nil {
		store.Close()
		return nil, err
	}

	emitter := events.LogEmitter{}

	registry := actions.NewRegistry()
	actions.RegisterDefaults(registry, actions.DefaultDeps{
		RecentLimit: cfg.Memory.RecentLimit,
		Provider:    provider,
	})

	composer := compose.NewComposer(store, registry, cfg.Agent.Name, time.Duration(cfg.Memory.ComposeCacheSeconds)*time.Second)

	queue := embedqueue.New(store, provider, emitter, embedqueue.Options{
		Capacity:   cfg.Queue.Capacity,
		BatchSize:  cfg.Queue.BatchSize,
		Tick:       time.Duration(cfg.Queue.TickMS) * time.Millisecond,
		MaxRetries: cfg.Queue.MaxRetries,
	})

	orch := orchestrator.New(cfg.Agent.ID, cfg.Agent.Name, cfg.Orchestrator, store, provider, registry, composer, queue, emitter, orchestrator.NewTokenTable())

	msgBus := bus.NewMessageBus()
	loop := agent.NewLoop(msgBus, orch)

	return &appRuntime{
		cfg:      cfg,
		store:    store,
		bus:      msgBus,
		queue:    queue,
		orch:     orch,
		loop:     loop,
		provider: provider,
		emitter:  emitter,
	}, nil
}

func (rt *appRuntime) close(ctx context.Context) {
	rt.queue.Shutdown(ctx)
	if err := rt.store.Close(); err != nil {
		logger.WarnCF("main", "failed to close memory store", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.Sync()
}

func runOnboard() error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacePath(), 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Set providers.openrouter.api_key (or TURNPIKE_PROVIDERS_OPENROUTER_API_KEY) before running.")
	return nil
}

// runChat drives turns directly against the orchestrator, one line at
// a time, printing whatever the output callback produces.
func runChat(message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())
	rt.queue.Start()

	if message != "" {
		response := chatOnce(context.Background(), rt, message)
		fmt.Printf("\n%s %s\n", appName, response)
		return nil
	}

	fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
	return interactiveMode(rt)
}

func chatOnce(ctx context.Context, rt *appRuntime, input string) string {
	room := memory.Room{
		ID:          "cli:local",
		Source:      "cli",
		ChannelKind: memory.ChannelDM,
		Name:        "cli",
	}
	sender := memory.Entity{ID: "cli-user", Name: "You", Source: "cli"}
	msg := memory.Memory{
		EntityID: sender.ID,
		RoomID:   room.ID,
		Kind:     memory.KindMessage,
		Content:  memory.Content{Text: input, Source: "cli", ChannelKind: memory.ChannelDM},
	}

	var parts []string
	result := rt.orch.HandleMessage(ctx, msg, room, sender, func(content memory.Content) {
		if content.Text != "" {
			parts = append(parts, content.Text)
		}
	}, nil)

	if len(parts) == 0 {
		return fmt.Sprintf("(no response, turn status: %s)", result.Status)
	}
	return strings.Join(parts, "\n")
}

func interactiveMode(rt *appRuntime) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".turnpike_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		response := chatOnce(context.Background(), rt, input)
		fmt.Printf("\n%s %s\n\n", appName, response)
	}
}

// runGateway runs the full service: channel adapters feeding the bus,
// the agent loop consuming it, the embedding queue ticking, and the
// maintenance scheduler, all supervised together.
func runGateway(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := channels.NewManager(cfg, rt.bus)
	if err != nil {
		rt.close(context.Background())
		return err
	}

	scheduler := schedule.New()
	for _, job := range schedule.DefaultJobs(cfg, rt.store, rt.queue) {
		scheduler.Add(job)
	}

	rt.queue.Start()
	scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.loop.Run(gctx)
	})
	g.Go(func() error {
		if err := manager.StartAll(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	logger.InfoCF("main", "gateway running", map[string]interface{}{
		"agent":    cfg.Agent.Name,
		"channels": manager.GetEnabledChannels(),
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt.loop.Stop()
	scheduler.Stop()
	if stopErr := manager.StopAll(shutdownCtx); stopErr != nil {
		logger.WarnCF("main", "channel shutdown reported errors", map[string]interface{}{
			"error": stopErr.Error(),
		})
	}
	rt.bus.Close()
	rt.close(shutdownCtx)

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Printf("%s %s\n\n", appName, formatVersion())
	fmt.Printf("Config:     %s\n", configPath())
	fmt.Printf("Workspace:  %s\n", cfg.WorkspacePath())
	fmt.Printf("Agent:      %s (%s)\n", cfg.Agent.Name, cfg.Agent.ID)
	fmt.Printf("Strategy:   %s (max %d steps)\n", strategyName(cfg.Orchestrator.MultiStep), cfg.Orchestrator.MaxStepIterations)
	fmt.Printf("Queue:      capacity=%d batch=%d tick=%dms retries=%d\n",
		cfg.Queue.Capacity, cfg.Queue.BatchSize, cfg.Queue.TickMS, cfg.Queue.MaxRetries)

	apiKey := "not set"
	if cfg.GetAPIKey() != "" {
		apiKey = "set"
	}
	fmt.Printf("OpenRouter: key %s, small=%s large=%s embed=%s\n",
		apiKey, cfg.Providers.OpenRouter.SmallModel, cfg.Providers.OpenRouter.LargeModel, cfg.Providers.OpenRouter.EmbeddingModel)

	discord := "disabled"
	if strings.TrimSpace(cfg.Channels.Discord.Token) != "" {
		discord = "enabled"
	}
	fmt.Printf("Discord:    %s\n", discord)
	return nil
}

func strategyName(multiStep bool) string {
	if multiStep {
		return "multi-step"
	}
	return "single-shot"
}
