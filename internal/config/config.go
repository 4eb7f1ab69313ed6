// Package config loads devbot configuration from the environment.
// Every recognized variable has a default applied in exactly one place
// (Load) so the rest of the codebase never consults os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the root configuration for the devbot process.
type Config struct {
	AI         AIConfig
	IM         IMConfig
	Dispatcher DispatcherConfig
	Executor   ExecutorConfig
	Sandbox    SandboxConfig
	Memory     MemoryConfig
	HTTP       HTTPConfig
	Project    ProjectConfig
	Log        LogConfig
	DataDir    string
	// ToolEndpoints is the MCP endpoints config file; missing file means
	// built-in tools only.
	ToolEndpoints string
}

// AIConfig selects the provider and models for the two AI layers plus the
// memory extractor.
type AIConfig struct {
	Provider        string // "anthropic" (default) or "openai"
	APIKey          string
	BaseURL         string // optional override for self-hosted gateways
	DispatcherModel string
	TaskModel       string
	MemoryModel     string
}

// IMConfig selects and configures the chat platform adapter.
type IMConfig struct {
	Platform          string // "feishu" (default), "slack", or "none"
	FeishuAppID       string
	FeishuSecret      string
	FeishuVerifyToken string
	FeishuBotOpenID   string
	FeishuMode        string // "websocket" (default) or "webhook"
	SlackBotToken     string
	SlackAppToken     string
	SlackBotUser      string
}

// DispatcherConfig holds the Layer-1 prompt budgets and memory-context knobs.
type DispatcherConfig struct {
	MaxPromptChars       int
	ProjectContextBudget int
	MemorySectionBudget  int
	RecentChatBudget     int
	MemoryTopK           int
	MemoryMinScore       float64
	MemoryDetailMinScore float64
	MemoryIndexMode      string // "always", "auto" (default), "never"
	MaxToolRounds        int
}

// ExecutorConfig holds the Layer-2 loop budgets.
type ExecutorConfig struct {
	MaxIterations       int
	MaxExtensions       int
	MaxContextTokens    int
	MaxToolResultLength int
}

// SandboxConfig configures per-task git worktree isolation.
type SandboxConfig struct {
	BaseDir      string
	SetupCommand string // overrides installer detection when set
	AutoCreatePR bool
	PRDraft      bool
	GitHubToken  string
	GitLabToken  string
}

// MemoryConfig configures the memory engine.
type MemoryConfig struct {
	Dir              string
	ExtractThreshold int
	EmbeddingBase    string // OpenAI-compatible endpoint; empty disables vectors
	EmbeddingModel   string
	EmbeddingAPIKey  string
	VectorWeight     float64
	KeywordWeight    float64
}

// HTTPConfig configures the webhook/SSE surface.
type HTTPConfig struct {
	Port   int
	Secret string
}

// ProjectConfig points at the single target repository.
type ProjectConfig struct {
	Path      string
	SkillsDir string
}

// LogConfig configures slog output.
type LogConfig struct {
	Level string
	File  string
}

// Load reads the environment and returns a Config with defaults applied.
func Load() (*Config, error) {
	dataDir := envStr("DEVBOT_DATA_DIR", "data")

	cfg := &Config{
		AI: AIConfig{
			Provider:        envStr("AI_PROVIDER", "anthropic"),
			APIKey:          os.Getenv("AI_API_KEY"),
			BaseURL:         os.Getenv("AI_BASE_URL"),
			DispatcherModel: envStr("DISPATCHER_MODEL", "claude-3-5-haiku-20241022"),
			TaskModel:       envStr("TASK_MODEL", "claude-sonnet-4-5-20250929"),
			MemoryModel:     envStr("MEMORY_MODEL", "claude-3-5-haiku-20241022"),
		},
		IM: IMConfig{
			Platform:          envStr("IM_PLATFORM", "feishu"),
			FeishuAppID:       os.Getenv("FEISHU_APP_ID"),
			FeishuSecret:      os.Getenv("FEISHU_APP_SECRET"),
			FeishuVerifyToken: os.Getenv("FEISHU_VERIFICATION_TOKEN"),
			FeishuBotOpenID:   os.Getenv("FEISHU_BOT_OPEN_ID"),
			FeishuMode:        envStr("FEISHU_MODE", "websocket"),
			SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
			SlackAppToken:     os.Getenv("SLACK_APP_TOKEN"),
			SlackBotUser:      os.Getenv("SLACK_BOT_USER"),
		},
		Dispatcher: DispatcherConfig{
			MaxPromptChars:       envInt("DISPATCHER_MAX_PROMPT_CHARS", 24000),
			ProjectContextBudget: envInt("DISPATCHER_PROJECT_BUDGET_CHARS", 6000),
			MemorySectionBudget:  envInt("DISPATCHER_MEMORY_BUDGET_CHARS", 4000),
			RecentChatBudget:     envInt("DISPATCHER_RECENT_BUDGET_CHARS", 6000),
			MemoryTopK:           envInt("DISPATCHER_MEMORY_TOP_K", 5),
			MemoryMinScore:       envFloat("DISPATCHER_MEMORY_MIN_SCORE", 0.25),
			MemoryDetailMinScore: envFloat("DISPATCHER_MEMORY_DETAIL_MIN_SCORE", 0.55),
			MemoryIndexMode:      envStr("DISPATCHER_MEMORY_INDEX_MODE", "auto"),
			MaxToolRounds:        envInt("DISPATCHER_MAX_TOOL_ROUNDS", 1),
		},
		Executor: ExecutorConfig{
			MaxIterations:       envInt("EXECUTOR_MAX_ITERATIONS", 50),
			MaxExtensions:       envInt("EXECUTOR_MAX_EXTENSIONS", 3),
			MaxContextTokens:    envInt("EXECUTOR_MAX_CONTEXT_TOKENS", 160000),
			MaxToolResultLength: envInt("EXECUTOR_MAX_TOOL_RESULT_CHARS", 30000),
		},
		Sandbox: SandboxConfig{
			BaseDir:      envStr("SANDBOX_BASE_DIR", filepath.Join(os.TempDir(), "devbot-sandbox")),
			SetupCommand: os.Getenv("SANDBOX_SETUP_COMMAND"),
			AutoCreatePR: envBool("AUTO_CREATE_PR", true),
			PRDraft:      envBool("PR_DRAFT", false),
			GitHubToken:  os.Getenv("GITHUB_TOKEN"),
			GitLabToken:  os.Getenv("GITLAB_TOKEN"),
		},
		Memory: MemoryConfig{
			Dir:              filepath.Join(dataDir, "memory"),
			ExtractThreshold: envInt("MEMORY_EXTRACT_THRESHOLD", 5),
			EmbeddingBase:    os.Getenv("EMBEDDING_API_BASE"),
			EmbeddingModel:   envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingAPIKey:  os.Getenv("EMBEDDING_API_KEY"),
			VectorWeight:     envFloat("MEMORY_VECTOR_WEIGHT", 0.7),
			KeywordWeight:    envFloat("MEMORY_KEYWORD_WEIGHT", 0.3),
		},
		HTTP: HTTPConfig{
			Port:   envInt("WEBHOOK_PORT", 8900),
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		Project: ProjectConfig{
			Path:      os.Getenv("TARGET_PROJECT_PATH"),
			SkillsDir: envStr("SKILLS_DIR", filepath.Join(dataDir, "skills")),
		},
		Log: LogConfig{
			Level: envStr("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
		DataDir:       dataDir,
		ToolEndpoints: envStr("TOOL_ENDPOINTS_FILE", filepath.Join(dataDir, "endpoints.json")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AI.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown AI_PROVIDER %q", c.AI.Provider)
	}
	switch c.IM.Platform {
	case "feishu", "slack", "none":
	default:
		return fmt.Errorf("config: unknown IM_PLATFORM %q", c.IM.Platform)
	}
	switch c.Dispatcher.MemoryIndexMode {
	case "always", "auto", "never":
	default:
		return fmt.Errorf("config: DISPATCHER_MEMORY_INDEX_MODE must be always/auto/never, got %q", c.Dispatcher.MemoryIndexMode)
	}
	if c.Project.Path == "" {
		return fmt.Errorf("config: TARGET_PROJECT_PATH is required")
	}
	return nil
}

// TasksFile is the debounced task snapshot path under the data directory.
func (c *Config) TasksFile() string {
	return filepath.Join(c.DataDir, "tasks.json")
}

// UploadDir is where POST /upload writes attachment files.
func (c *Config) UploadDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// --- env helpers ---

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
