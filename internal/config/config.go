// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Course() CourseConfig
	Cognition() CognitionConfig
	Loop() LoopConfig
	Executor() ExecutorConfig
	Artifacts() ArtifactsConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserDriver(BrowserDriver)

	// Cognition Setters
	SetCognitionProvider(LLMProvider)
	SetCognitionCredential(string)

	// Loop Setters
	SetLoopMaxIterations(int)

	// SetDebug toggles debug logging and artifact capture together.
	SetDebug(bool)
}

// Config holds the entire application configuration.
// Sections are exposed through the Interface getters.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	CourseCfg    CourseConfig    `mapstructure:"course" yaml:"course"`
	CognitionCfg CognitionConfig `mapstructure:"cognition" yaml:"cognition"`
	LoopCfg      LoopConfig      `mapstructure:"loop" yaml:"loop"`
	ExecutorCfg  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	ArtifactsCfg ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Course() CourseConfig       { return c.CourseCfg }
func (c *Config) Cognition() CognitionConfig { return c.CognitionCfg }
func (c *Config) Loop() LoopConfig           { return c.LoopCfg }
func (c *Config) Executor() ExecutorConfig   { return c.ExecutorCfg }
func (c *Config) Artifacts() ArtifactsConfig { return c.ArtifactsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)          { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDriver(d BrowserDriver)   { c.BrowserCfg.Driver = d }
func (c *Config) SetCognitionProvider(p LLMProvider) { c.CognitionCfg.Provider = p }
func (c *Config) SetCognitionCredential(s string)    { c.CognitionCfg.Credential = s }
func (c *Config) SetLoopMaxIterations(n int)         { c.LoopCfg.MaxIterations = n }

func (c *Config) SetDebug(b bool) {
	c.ArtifactsCfg.Enabled = b
	if b {
		c.LoggerCfg.Level = "debug"
	}
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the run ledger connection details. An empty URL
// disables the ledger.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserDriver selects the automation backend.
type BrowserDriver string

const (
	DriverChromedp   BrowserDriver = "chromedp"
	DriverPlaywright BrowserDriver = "playwright"
)

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the browser session.
type BrowserConfig struct {
	Driver            BrowserDriver  `mapstructure:"driver" yaml:"driver"`
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	DisableGPU        bool           `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	IdleTimeout       time.Duration  `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// UserAgent, Locale and Timezone override the browser's own values when set.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	Locale    string `mapstructure:"locale" yaml:"locale"`
	Timezone  string `mapstructure:"timezone" yaml:"timezone"`

	// InstallBrowsers lets the playwright driver download Chromium on first use.
	InstallBrowsers bool `mapstructure:"install_browsers" yaml:"install_browsers"`
}

// CourseConfig describes how course pages are recognised.
type CourseConfig struct {
	// StartURL is used when no course URL is given on the command line.
	StartURL string `mapstructure:"start_url" yaml:"start_url"`
	// ContentFrame is a CSS selector for the iframe that hosts lesson content.
	ContentFrame string `mapstructure:"content_frame" yaml:"content_frame"`
	// Indicators are XPath expressions whose presence means the player is open.
	Indicators []string `mapstructure:"indicators" yaml:"indicators"`
	// CompletionPhrases are matched case-insensitively against visible text.
	CompletionPhrases []string `mapstructure:"completion_phrases" yaml:"completion_phrases"`
	// CompletionXPaths are structural completion markers.
	CompletionXPaths []string `mapstructure:"completion_xpaths" yaml:"completion_xpaths"`
}

// LLMProvider defines the supported cognition backends.
type LLMProvider string

const (
	ProviderClaude LLMProvider = "claude"
	ProviderGemini LLMProvider = "gemini"
	ProviderOllama LLMProvider = "ollama"
)

// RetryConfig tunes retries of recoverable provider errors.
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// CognitionConfig selects and tunes the model backend.
type CognitionConfig struct {
	Provider       LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Credential     string        `mapstructure:"credential" yaml:"credential"`
	Model          string        `mapstructure:"model" yaml:"model"`
	GeminiModel    string        `mapstructure:"gemini_model" yaml:"gemini_model"`
	// GeminiEndpoint overrides the Gemini API base URL. Empty uses the SDK default.
	GeminiEndpoint string        `mapstructure:"gemini_endpoint" yaml:"gemini_endpoint"`
	OllamaEndpoint string        `mapstructure:"ollama_endpoint" yaml:"ollama_endpoint"`
	OllamaModel    string        `mapstructure:"ollama_model" yaml:"ollama_model"`
	APITimeout     time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature    float32       `mapstructure:"temperature" yaml:"temperature"`
	// RequestsPerMinute caps outbound calls. Zero disables the limiter.
	RequestsPerMinute float64     `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Retry             RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// LoopConfig bounds the perception-action loop.
type LoopConfig struct {
	MaxIterations          int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	HistoryWindow          int           `mapstructure:"history_window" yaml:"history_window"`
	StuckThreshold         int           `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	FailureBackoff         time.Duration `mapstructure:"failure_backoff" yaml:"failure_backoff"`
	IterationDelay         time.Duration `mapstructure:"iteration_delay" yaml:"iteration_delay"`
	// RunTimeout bounds the whole run. Zero means no limit.
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// ExecutorConfig tunes how actions are applied to the page.
type ExecutorConfig struct {
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	WaitDuration      time.Duration `mapstructure:"wait_duration" yaml:"wait_duration"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	SubmitAfterAnswer bool          `mapstructure:"submit_after_answer" yaml:"submit_after_answer"`
}

// ArtifactsConfig controls the per-iteration debug artifacts.
type ArtifactsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "coursepilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.driver", string(DriverChromedp))
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.viewport.width", 1920)
	v.SetDefault("browser.viewport.height", 1080)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.idle_timeout", "10s")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.install_browsers", true)

	// -- Course --
	v.SetDefault("course.start_url", "")
	v.SetDefault("course.content_frame", `iframe[name="text"], iframe#text, iframe.contentIframe`)
	v.SetDefault("course.indicators", []string{
		`//*[@id='playerCourseTitle']`,
		`//*[contains(concat(' ', normalize-space(@class), ' '), ' content_topBar ')]`,
		`//iframe[@name='text']`,
		`//*[contains(concat(' ', normalize-space(@class), ' '), ' playerImageContainer ')]`,
	})
	v.SetDefault("course.completion_phrases", []string{
		"course complete",
		"you have completed",
		"you have successfully completed",
		"certificate of completion",
	})
	v.SetDefault("course.completion_xpaths", []string{
		`//*[@id='courseComplete']`,
		`//*[contains(concat(' ', normalize-space(@class), ' '), ' course-complete ')]`,
	})

	// -- Cognition --
	v.SetDefault("cognition.provider", string(ProviderClaude))
	v.SetDefault("cognition.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("cognition.gemini_model", "gemini-2.5-flash")
	v.SetDefault("cognition.ollama_endpoint", "http://localhost:11434")
	v.SetDefault("cognition.ollama_model", "llava")
	v.SetDefault("cognition.api_timeout", "120s")
	v.SetDefault("cognition.max_tokens", 1024)
	v.SetDefault("cognition.temperature", 0.2)
	v.SetDefault("cognition.requests_per_minute", 0)
	v.SetDefault("cognition.retry.max_retries", 4)
	v.SetDefault("cognition.retry.initial_interval", "2s")
	v.SetDefault("cognition.retry.max_interval", "30s")
	v.SetDefault("cognition.retry.max_elapsed_time", "2m")

	// -- Loop --
	v.SetDefault("loop.max_iterations", 500)
	v.SetDefault("loop.history_window", 10)
	v.SetDefault("loop.stuck_threshold", 3)
	v.SetDefault("loop.max_consecutive_failures", 5)
	v.SetDefault("loop.failure_backoff", "2s")
	v.SetDefault("loop.iteration_delay", "1s")
	v.SetDefault("loop.run_timeout", "0s")

	// -- Executor --
	v.SetDefault("executor.settle_delay", "2s")
	v.SetDefault("executor.wait_duration", "3s")
	v.SetDefault("executor.action_timeout", "30s")
	v.SetDefault("executor.submit_after_answer", true)

	// -- Artifacts --
	v.SetDefault("artifacts.enabled", false)
	v.SetDefault("artifacts.dir", "screenshots")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("cognition.credential", "COURSEPILOT_COGNITION_CREDENTIAL", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("database.url", "COURSEPILOT_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// The Anthropic variable above does not apply to Gemini.
	if cfg.CognitionCfg.Provider == ProviderGemini && (cfg.CognitionCfg.Credential == "" || cfg.CognitionCfg.Credential == os.Getenv("ANTHROPIC_API_KEY")) {
		cfg.CognitionCfg.Credential = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}
	if c.ArtifactsCfg.Dir, err = homedir.Expand(c.ArtifactsCfg.Dir); err != nil {
		return fmt.Errorf("artifacts.dir: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.CognitionCfg.Validate(); err != nil {
		return fmt.Errorf("cognition configuration invalid: %w", err)
	}
	if err := c.LoopCfg.Validate(); err != nil {
		return fmt.Errorf("loop configuration invalid: %w", err)
	}
	switch c.BrowserCfg.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		return fmt.Errorf("browser.driver must be one of [%s, %s], got '%s'", DriverChromedp, DriverPlaywright, c.BrowserCfg.Driver)
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive")
	}
	if c.ExecutorCfg.ActionTimeout <= 0 {
		return fmt.Errorf("executor.action_timeout must be a positive duration")
	}
	if c.ArtifactsCfg.Enabled && strings.TrimSpace(c.ArtifactsCfg.Dir) == "" {
		return fmt.Errorf("artifacts.dir is required when artifacts are enabled")
	}
	return nil
}

// Validate checks the cognition settings.
func (c *CognitionConfig) Validate() error {
	switch c.Provider {
	case ProviderClaude, ProviderGemini:
	case ProviderOllama:
		if c.OllamaEndpoint == "" {
			return fmt.Errorf("ollama_endpoint is required for the ollama provider")
		}
		if c.OllamaModel == "" {
			return fmt.Errorf("ollama_model is required for the ollama provider")
		}
	default:
		return fmt.Errorf("provider must be one of [%s, %s, %s], got '%s'", ProviderClaude, ProviderOllama, ProviderGemini, c.Provider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be greater than 0")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	return nil
}

// Validate checks the LoopConfig bounds.
func (l *LoopConfig) Validate() error {
	if l.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be greater than 0")
	}
	if l.StuckThreshold < 2 {
		return fmt.Errorf("stuck_threshold must be at least 2")
	}
	if l.HistoryWindow < l.StuckThreshold {
		return fmt.Errorf("history_window (%d) must be at least stuck_threshold (%d)", l.HistoryWindow, l.StuckThreshold)
	}
	if l.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be greater than 0")
	}
	if l.FailureBackoff < 0 || l.IterationDelay < 0 || l.RunTimeout < 0 {
		return fmt.Errorf("loop durations cannot be negative")
	}
	return nil
}
