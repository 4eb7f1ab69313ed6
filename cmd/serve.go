package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/devbot/internal/bus"
	"github.com/nextlevelbuilder/devbot/internal/channels"
	"github.com/nextlevelbuilder/devbot/internal/channels/feishu"
	"github.com/nextlevelbuilder/devbot/internal/channels/slack"
	"github.com/nextlevelbuilder/devbot/internal/config"
	"github.com/nextlevelbuilder/devbot/internal/dispatcher"
	"github.com/nextlevelbuilder/devbot/internal/executor"
	"github.com/nextlevelbuilder/devbot/internal/httpapi"
	"github.com/nextlevelbuilder/devbot/internal/logging"
	"github.com/nextlevelbuilder/devbot/internal/memory"
	"github.com/nextlevelbuilder/devbot/internal/providers"
	"github.com/nextlevelbuilder/devbot/internal/runner"
	"github.com/nextlevelbuilder/devbot/internal/sandbox"
	"github.com/nextlevelbuilder/devbot/internal/tools"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot: chat adapter, dispatcher, task runner, HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		closer, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := providers.New(cfg.AI.Provider, cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.TaskModel)
	if err != nil {
		return err
	}

	var memOpts []memory.Option
	if cfg.Memory.EmbeddingBase != "" {
		memOpts = append(memOpts, memory.WithEmbedder(
			memory.NewHTTPEmbedder(cfg.Memory.EmbeddingBase, cfg.Memory.EmbeddingAPIKey, cfg.Memory.EmbeddingModel)))
	}
	engine, err := memory.NewEngine(cfg.Memory.Dir, cfg.Project.Path, memOpts...)
	if err != nil {
		return fmt.Errorf("open memory engine: %w", err)
	}
	defer engine.Close()

	conversations, err := memory.NewConversationStore(cfg.Memory.Dir)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer conversations.Close()

	extractor := memory.NewExtractor(provider, cfg.AI.MemoryModel, engine, conversations, cfg.Memory.ExtractThreshold)

	store, err := runner.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	eventBus := bus.NewEventBus()

	sandboxOpts := []sandbox.Option{
		sandbox.WithAutoCreatePR(cfg.Sandbox.AutoCreatePR),
		sandbox.WithDraft(cfg.Sandbox.PRDraft),
	}
	if cfg.Sandbox.SetupCommand != "" {
		sandboxOpts = append(sandboxOpts, sandbox.WithSetupCommand(cfg.Sandbox.SetupCommand))
	}
	sandboxes := sandbox.NewManager(cfg.Project.Path, cfg.Sandbox.BaseDir, sandboxOpts...)

	// The chat adapter is constructed before the dispatcher, with a handler
	// stub filled in once the dispatcher exists.
	handler := &dispatchHandler{}
	channel, webhook, err := buildChannel(cfg, handler)
	if err != nil {
		return err
	}

	tasks := runner.New(runner.Options{
		Provider: provider,
		Model:    cfg.AI.TaskModel,
		ExecConfig: executor.Config{
			MaxIterations:       cfg.Executor.MaxIterations,
			MaxExtensions:       cfg.Executor.MaxExtensions,
			MaxContextTokens:    cfg.Executor.MaxContextTokens,
			MaxToolResultLength: cfg.Executor.MaxToolResultLength,
		},
		Store:         store,
		Sandbox:       sandboxes,
		Bus:           eventBus,
		Engine:        engine,
		Extractor:     extractor,
		Channel:       channel,
		Policy:        tools.PolicyFull,
		ProjectPath:   cfg.Project.Path,
		SkillsDir:     cfg.Project.SkillsDir,
		EndpointsPath: cfg.ToolEndpoints,
		Version:       Version,
	})

	dispatchRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(dispatchRegistry, cfg.Project.Path, cfg.Project.SkillsDir, true)
	projctx := dispatcher.NewProjectContext(cfg.Project.Path, cfg.Dispatcher.ProjectContextBudget)
	defer projctx.Close()

	if channel != nil {
		d := dispatcher.New(provider, cfg.AI.DispatcherModel, dispatcher.Config{
			MaxPromptChars:       cfg.Dispatcher.MaxPromptChars,
			ProjectContextBudget: cfg.Dispatcher.ProjectContextBudget,
			MemorySectionBudget:  cfg.Dispatcher.MemorySectionBudget,
			RecentChatBudget:     cfg.Dispatcher.RecentChatBudget,
			MemoryTopK:           cfg.Dispatcher.MemoryTopK,
			MemoryMinScore:       cfg.Dispatcher.MemoryMinScore,
			MemoryDetailMinScore: cfg.Dispatcher.MemoryDetailMinScore,
			MemoryIndexMode:      cfg.Dispatcher.MemoryIndexMode,
			MaxToolRounds:        cfg.Dispatcher.MaxToolRounds,
		}, dispatchRegistry, projctx, engine, conversations, extractor, channel, &taskQueue{tasks})
		handler.d = d
	}

	api := httpapi.New(httpapi.Config{
		Secret:    cfg.HTTP.Secret,
		UploadDir: cfg.UploadDir(),
	}, &apiTasks{tasks}, store, eventBus, dispatchRegistry)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	if webhook != nil {
		mux.Handle("/webhook/feishu", webhook)
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}

	tasks.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http.listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if channel != nil {
		g.Go(func() error {
			err := channel.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	slog.Info("devbot.started", "project", cfg.Project.Path, "platform", cfg.IM.Platform)
	err = g.Wait()
	tasks.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildChannel constructs the configured chat adapter. The second return
// is a webhook handler to mount when the platform delivers events over
// HTTP instead of a long connection.
func buildChannel(cfg *config.Config, handler channels.Handler) (channels.Channel, http.Handler, error) {
	switch cfg.IM.Platform {
	case "feishu":
		a := feishu.New(feishu.Config{
			AppID:             cfg.IM.FeishuAppID,
			AppSecret:         cfg.IM.FeishuSecret,
			VerificationToken: cfg.IM.FeishuVerifyToken,
			BotOpenID:         cfg.IM.FeishuBotOpenID,
			Mode:              cfg.IM.FeishuMode,
			UploadDir:         cfg.UploadDir(),
		}, handler)
		var webhook http.Handler
		if cfg.IM.FeishuMode == "webhook" {
			webhook = a.WebhookHandler()
		}
		return a, webhook, nil
	case "slack":
		a := slack.New(slack.Config{
			BotToken: cfg.IM.SlackBotToken,
			AppToken: cfg.IM.SlackAppToken,
			BotUser:  cfg.IM.SlackBotUser,
		}, handler)
		return a, nil, nil
	case "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown IM platform %q", cfg.IM.Platform)
	}
}

// dispatchHandler bridges the chat adapter callbacks to the dispatcher.
// The dispatcher is assigned after construction because the adapter and
// the dispatcher reference each other.
type dispatchHandler struct {
	d *dispatcher.Dispatcher
}

func (h *dispatchHandler) OnMention(ctx context.Context, msg bus.IMMessage) {
	if h.d == nil {
		return
	}
	h.d.Dispatch(ctx, msg)
}

func (h *dispatchHandler) OnPassive(msg bus.IMMessage) {
	if h.d == nil {
		return
	}
	h.d.RecordMessage(msg)
}

// taskQueue adapts the runner to the dispatcher's queue interface.
type taskQueue struct {
	r *runner.Runner
}

func (q *taskQueue) Enqueue(ctx context.Context, req dispatcher.TaskRequest) (string, error) {
	t, err := q.r.CreateTask(ctx, req.Title, req.Description, req.CreatedBy, req.ChatID, req.CardMessageID)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// apiTasks adapts the runner to the HTTP API.
type apiTasks struct {
	r *runner.Runner
}

func (a *apiTasks) CreateTask(title, description, createdBy string) (*runner.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.r.CreateTask(ctx, title, description, createdBy, "", "")
}

func (a *apiTasks) Retry(id string) (*runner.Task, error) { return a.r.Retry(id) }

func (a *apiTasks) Continue(id, in string) (*runner.Task, error) { return a.r.Continue(id, in) }

func (a *apiTasks) Stop(id string) error { return a.r.Stop(id) }
